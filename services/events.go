package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// PostCommit sammelt Callbacks, die erst nach erfolgreichem Commit der
// umgebenden Transaktion laufen dürfen. Benachrichtigungen über Zustände,
// die noch zurückgerollt werden könnten, gibt es dadurch nicht.
type PostCommit struct {
	hooks []func()
}

// Add registriert einen Callback.
func (p *PostCommit) Add(fn func()) {
	p.hooks = append(p.hooks, fn)
}

// Run führt alle Callbacks in Registrierungsreihenfolge aus.
func (p *PostCommit) Run() {
	for _, fn := range p.hooks {
		fn()
	}
}

// Notifier schickt fire-and-forget-Benachrichtigungen an den Event-Sink.
// Fehler werden geloggt und sind nie fatal für die auslösende Operation.
type Notifier struct {
	URL    string
	Logger *zap.Logger
	client *http.Client
}

// NewNotifier erstellt einen Notifier; leere URL deaktiviert den Versand.
func NewNotifier(url string, logger *zap.Logger) *Notifier {
	return &Notifier{
		URL:    url,
		Logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify meldet dem Event-Sink, dass sich ein Artikel geändert hat.
func (n *Notifier) Notify(msid int64) {
	if n.URL == "" {
		return
	}
	body, _ := json.Marshal(map[string]any{"id": fmt.Sprintf("%d", msid)})
	resp, err := n.client.Post(n.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		n.Logger.Warn("event-sink nicht erreichbar", zap.Int64("msid", msid), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.Logger.Warn("event-sink hat benachrichtigung abgelehnt",
			zap.Int64("msid", msid), zap.Int("status", resp.StatusCode))
	}
}

package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"article-store/models"
)

// IngestResult ist das Status-Protokoll einer Ingest-/Publish-Operation.
type IngestResult struct {
	Status   string    `json:"status"` // "ingested" oder "published"
	MSID     int64     `json:"id"`
	Datetime time.Time `json:"datetime"`
}

// errDryRunRollback erzwingt den Rollback eines Dry-Runs; das berechnete
// Ergebnis wird trotzdem gemeldet.
var errDryRunRollback = errors.New("dry run, transaktion wird verworfen")

// Ingester ist die Publication State Machine. Jede Version durchläuft
// UNINGESTED -> INGESTED-UNPUBLISHED -> PUBLISHED; Übergänge laufen komplett
// in einer Transaktion, Benachrichtigungen erst nach dem Commit.
type Ingester struct {
	DB        *gorm.DB
	Merge     *MergeService
	Relations *RelationService
	Notifier  *Notifier
	Logger    *zap.Logger
}

// NewIngester erstellt eine neue Instanz des Ingester.
func NewIngester(db *gorm.DB, merge *MergeService, relations *RelationService, notifier *Notifier, logger *zap.Logger) *Ingester {
	return &Ingester{DB: db, Merge: merge, Relations: relations, Notifier: notifier, Logger: logger}
}

// ingestPayload ist das geparste article-json des Produktions-Workflows.
type ingestPayload struct {
	journalName      string
	journalInception *time.Time
	article          map[string]any
	msid             int64
	version          int
	status           string
	internal         []int64
	external         []map[string]any
	preprints        []map[string]any
}

// Ingest legt eine Artikel-Version an oder aktualisiert sie. Setzt nie
// datetime_published - auch wenn das Quelldokument ein Publish-Datum trägt,
// wird das nur über die Merge-Pipeline sichtbar, nie als Publish-Flag kopiert.
func (i *Ingester) Ingest(data []byte, force, dryRun bool) (*IngestResult, error) {
	payload, err := parseIngestPayload(data)
	if err != nil {
		return nil, err
	}

	log := i.Logger.With(zap.Int64("msid", payload.msid), zap.Int("version", payload.version))
	log.Info("ingest gestartet", zap.Bool("force", force), zap.Bool("dry_run", dryRun))

	var result *IngestResult
	pc := &PostCommit{}
	err = i.DB.Transaction(func(tx *gorm.DB) error {
		res, err := i.ingestTx(tx, pc, payload, force)
		if err != nil {
			return err
		}
		result = res
		if dryRun {
			return errDryRunRollback
		}
		return nil
	})
	if errors.Is(err, errDryRunRollback) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	pc.Run()
	log.Info("ingest abgeschlossen")
	return result, nil
}

// ingestTx führt den Ingest innerhalb der gegebenen Transaktion aus.
func (i *Ingester) ingestTx(tx *gorm.DB, pc *PostCommit, payload *ingestPayload, force bool) (*IngestResult, error) {
	journal, err := i.ensureJournal(tx, payload)
	if err != nil {
		return nil, err
	}
	article, err := i.ensureArticle(tx, journal, payload)
	if err != nil {
		return nil, err
	}

	// Versions-Sequenzierung: Version N braucht eine existierende,
	// veröffentlichte Version N-1; force hebt nur die Publish-Schranke auf.
	if payload.version > 1 {
		prev, err := VersionRow(tx, article.ID, payload.version-1)
		if err != nil {
			if KindOf(err) == KindNoRecord {
				return nil, Errorf(KindPreviousVersionDNE,
					"version %d kann nicht ingestiert werden, version %d existiert nicht",
					payload.version, payload.version-1)
			}
			return nil, err
		}
		if !prev.Published() && !force {
			return nil, Errorf(KindPreviousVersionUnpublished,
				"version %d kann nicht ingestiert werden, version %d ist unveröffentlicht",
				payload.version, payload.version-1)
		}
	}

	av, err := VersionRow(tx, article.ID, payload.version)
	switch {
	case err == nil:
		if av.Published() && !force {
			return nil, Errorf(KindAlreadyPublished,
				"version %d ist bereits veröffentlicht, re-ingest nur mit force", payload.version)
		}
		if err := updatePublishGuarded(tx, av, force, map[string]any{"status": payload.status}); err != nil {
			return nil, err
		}
		av.Status = payload.status
	case KindOf(err) == KindNoRecord:
		av = &models.ArticleVersion{
			ArticleID: article.ID,
			Version:   payload.version,
			Status:    payload.status,
		}
		if err := tx.Create(av).Error; err != nil {
			return nil, WrapErr(KindUnknown, err, "version %d nicht anlegbar", payload.version)
		}
	default:
		return nil, err
	}

	if err := i.replaceXML2JSONFragment(tx, article, payload.article); err != nil {
		return nil, err
	}
	if err := i.Relations.ReplaceRelations(tx, av, journal.ID, payload.internal, payload.external, payload.preprints); err != nil {
		return nil, err
	}
	if _, err := i.Merge.SetArticleJSON(tx, av, true, false); err != nil && !errors.Is(err, ErrIdentical) {
		return nil, err
	}

	msid := payload.msid
	pc.Add(func() { i.Notifier.Notify(msid) })
	return &IngestResult{Status: "ingested", MSID: msid, Datetime: time.Now().UTC()}, nil
}

// Publish setzt datetime_published auf einer ingestierten, unveröffentlichten
// Version. Bereits veröffentlicht + kein force ist ein fataler Konflikt; mit
// force wird der Zeitstempel überschrieben (erzwungene Korrektur).
func (i *Ingester) Publish(msid int64, version int, when *time.Time, force, dryRun bool) (*IngestResult, error) {
	log := i.Logger.With(zap.Int64("msid", msid), zap.Int("version", version))
	log.Info("publish gestartet", zap.Bool("force", force), zap.Bool("dry_run", dryRun))

	var result *IngestResult
	pc := &PostCommit{}
	err := i.DB.Transaction(func(tx *gorm.DB) error {
		res, err := i.publishTx(tx, pc, msid, version, when, force)
		if err != nil {
			return err
		}
		result = res
		if dryRun {
			return errDryRunRollback
		}
		return nil
	})
	if errors.Is(err, errDryRunRollback) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	pc.Run()
	log.Info("publish abgeschlossen", zap.Time("datetime_published", result.Datetime))
	return result, nil
}

// publishTx führt den Publish innerhalb der gegebenen Transaktion aus.
func (i *Ingester) publishTx(tx *gorm.DB, pc *PostCommit, msid int64, version int, when *time.Time, force bool) (*IngestResult, error) {
	article, err := ArticleByMSID(tx, msid)
	if err != nil {
		return nil, err
	}
	av, err := VersionRow(tx, article.ID, version)
	if err != nil {
		return nil, err
	}
	if av.Published() && !force {
		return nil, Errorf(KindAlreadyPublished,
			"version %d von artikel %d ist bereits veröffentlicht", version, msid)
	}

	t := time.Now().UTC()
	if when != nil {
		t = when.UTC()
	}
	if err := updatePublishGuarded(tx, av, force, map[string]any{"datetime_published": t}); err != nil {
		return nil, err
	}
	av.DatetimePublished = &t

	// Stage und Datumsfelder haben sich geändert; eine Version, die sich
	// nicht gültig rendern lässt, wird nicht veröffentlicht.
	if _, err := i.Merge.SetArticleJSON(tx, av, false, false); err != nil && !errors.Is(err, ErrIdentical) {
		return nil, err
	}

	pc.Add(func() { i.Notifier.Notify(msid) })
	return &IngestResult{Status: "published", MSID: msid, Datetime: t}, nil
}

// IngestPublish ist die atomare Komposition aus Ingest und Publish mit
// demselben force-Flag: entweder beides oder nichts wird sichtbar.
func (i *Ingester) IngestPublish(data []byte, force, dryRun bool) (*IngestResult, error) {
	payload, err := parseIngestPayload(data)
	if err != nil {
		return nil, err
	}

	log := i.Logger.With(zap.Int64("msid", payload.msid), zap.Int("version", payload.version))
	log.Info("ingest+publish gestartet", zap.Bool("force", force), zap.Bool("dry_run", dryRun))

	var result *IngestResult
	pc := &PostCommit{}
	err = i.DB.Transaction(func(tx *gorm.DB) error {
		if _, err := i.ingestTx(tx, pc, payload, force); err != nil {
			return err
		}
		res, err := i.publishTx(tx, pc, payload.msid, payload.version, nil, force)
		if err != nil {
			return err
		}
		result = res
		if dryRun {
			return errDryRunRollback
		}
		return nil
	})
	if errors.Is(err, errDryRunRollback) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	pc.Run()
	log.Info("ingest+publish abgeschlossen")
	return result, nil
}

// updatePublishGuarded schreibt Spalten auf die Versions-Zeile, aber nur,
// solange die Version unveröffentlicht ist (oder force gesetzt ist). Die
// Bedingung steckt im UPDATE selbst, nicht in einem vorherigen SELECT: der
// Publish-Status zum Lesezeitpunkt kann beim Schreiben schon veraltet sein,
// wenn ein paralleler Publish dazwischen committet. Das UPDATE nimmt die
// Zeilensperre und wertet die Bedingung gegen den committeten Stand aus;
// null betroffene Zeilen heißen: inzwischen veröffentlicht.
func updatePublishGuarded(tx *gorm.DB, av *models.ArticleVersion, force bool, updates map[string]any) error {
	result := tx.Model(&models.ArticleVersion{}).
		Where("id = ? AND (datetime_published IS NULL OR ?)", av.ID, force).
		Updates(updates)
	if result.Error != nil {
		return WrapErr(KindUnknown, result.Error, "version %d nicht aktualisierbar", av.Version)
	}
	if result.RowsAffected == 0 {
		return Errorf(KindAlreadyPublished,
			"version %d ist inzwischen veröffentlicht, änderung nur mit force", av.Version)
	}
	return nil
}

// ensureJournal legt das Journal beim ersten Verweis lazy an.
func (i *Ingester) ensureJournal(tx *gorm.DB, payload *ingestPayload) (*models.Journal, error) {
	journal := models.Journal{Name: payload.journalName}
	err := tx.Where(models.Journal{Name: payload.journalName}).
		Attrs(models.Journal{Inception: payload.journalInception}).
		FirstOrCreate(&journal).Error
	if err != nil {
		return nil, WrapErr(KindUnknown, err, "journal %q nicht anlegbar", payload.journalName)
	}
	return &journal, nil
}

// ensureArticle legt den Artikel an bzw. aktualisiert die trägen
// Submission-Metadaten. Füllt auch zuvor angelegte Stub-Artikel auf.
func (i *Ingester) ensureArticle(tx *gorm.DB, journal *models.Journal, payload *ingestPayload) (*models.Article, error) {
	articleType, _ := payload.article["type"].(string)

	article, err := ArticleByMSID(tx, payload.msid)
	if err != nil {
		if KindOf(err) != KindNoRecord {
			return nil, err
		}
		created := models.Article{
			JournalID: journal.ID,
			MSID:      payload.msid,
			DOI:       models.DOIFromMSID(payload.msid),
			Type:      articleType,
		}
		if err := tx.Create(&created).Error; err != nil {
			return nil, WrapErr(KindUnknown, err, "artikel %d nicht anlegbar", payload.msid)
		}
		return &created, nil
	}

	updates := map[string]any{"journal_id": journal.ID}
	if articleType != "" {
		updates["type"] = articleType
	}
	if err := tx.Model(article).Updates(updates).Error; err != nil {
		return nil, WrapErr(KindUnknown, err, "artikel %d nicht aktualisierbar", payload.msid)
	}
	return article, nil
}

// replaceXML2JSONFragment erneuert das primordiale, artikelweite Fragment.
// Kein OnConflict-Upsert: der Unique-Index greift bei version IS NULL nicht.
func (i *Ingester) replaceXML2JSONFragment(tx *gorm.DB, article *models.Article, doc map[string]any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return WrapErr(KindParseError, err, "artikel-dokument nicht serialisierbar")
	}

	var fragment models.ArticleFragment
	err = tx.Where("article_id = ? AND type = ? AND version IS NULL", article.ID, models.XML2JSONType).
		First(&fragment).Error
	switch {
	case err == nil:
		if err := tx.Model(&fragment).Update("fragment", payload).Error; err != nil {
			return WrapErr(KindUnknown, err, "xml2json-fragment nicht aktualisierbar")
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		fragment = models.ArticleFragment{
			ArticleID: article.ID,
			Type:      models.XML2JSONType,
			Position:  models.XML2JSONPosition,
			Fragment:  payload,
		}
		if err := tx.Create(&fragment).Error; err != nil {
			return WrapErr(KindUnknown, err, "xml2json-fragment nicht anlegbar")
		}
	default:
		return WrapErr(KindUnknown, err, "xml2json-fragment nicht abrufbar")
	}
	return nil
}

// parseIngestPayload zerlegt das eingehende article-json in seine Teile und
// prüft die Pflichtfelder.
func parseIngestPayload(data []byte) (*ingestPayload, error) {
	var raw struct {
		Journal map[string]any `json:"journal"`
		Article map[string]any `json:"article"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, WrapErr(KindBadRequest, err, "article-json nicht parsebar")
	}
	if raw.Article == nil {
		return nil, Errorf(KindBadRequest, "article-json ohne article-objekt")
	}

	payload := &ingestPayload{article: raw.Article}

	payload.journalName, _ = raw.Journal["name"].(string)
	if payload.journalName == "" {
		payload.journalName, _ = raw.Journal["title"].(string)
	}
	if payload.journalName == "" {
		return nil, Errorf(KindBadRequest, "article-json ohne journal-name")
	}
	if inception, ok := raw.Journal["inception"].(string); ok {
		if t, err := parseDate(inception); err == nil {
			payload.journalInception = &t
		}
	}

	msid, err := parseMSID(raw.Article["id"])
	if err != nil {
		return nil, err
	}
	payload.msid = msid

	versionRaw, ok := raw.Article["version"].(float64)
	if !ok || versionRaw < 1 || versionRaw != float64(int(versionRaw)) {
		return nil, Errorf(KindBadRequest, "article-json ohne gültige version")
	}
	payload.version = int(versionRaw)

	status, _ := raw.Article["status"].(string)
	if status != models.StatusPOA && status != models.StatusVOR {
		return nil, Errorf(KindBadRequest, "article-json mit unbekanntem status %q", status)
	}
	payload.status = status

	if list, ok := raw.Article["-related-articles-internal"].([]any); ok {
		for _, entry := range list {
			related, err := parseMSID(entry)
			if err != nil {
				return nil, err
			}
			payload.internal = append(payload.internal, related)
		}
	}
	if list, ok := raw.Article["-related-articles-external"].([]any); ok {
		for _, entry := range list {
			citation, ok := entry.(map[string]any)
			if !ok {
				return nil, Errorf(KindBadRequest, "externe zitation ist kein objekt")
			}
			payload.external = append(payload.external, citation)
		}
	}
	if list, ok := raw.Article["-related-reviewed-preprints"].([]any); ok {
		for _, entry := range list {
			content, ok := entry.(map[string]any)
			if !ok {
				return nil, Errorf(KindBadRequest, "reviewed preprint ist kein objekt")
			}
			payload.preprints = append(payload.preprints, content)
		}
	}

	return payload, nil
}

// parseMSID akzeptiert msids als JSON-Zahl oder als String (ggf. mit
// führenden Nullen, wie in DOIs).
func parseMSID(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		if t >= 1 && t == float64(int64(t)) {
			return int64(t), nil
		}
	case string:
		msid, err := strconv.ParseInt(trimLeadingZeros(t), 10, 64)
		if err == nil && msid >= 1 {
			return msid, nil
		}
	}
	return 0, Errorf(KindBadRequest, "keine gültige msid: %v", v)
}

func trimLeadingZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}

// parseDate akzeptiert reine Datums- und RFC3339-Zeitangaben.
func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unbekanntes datumsformat %q", s)
}

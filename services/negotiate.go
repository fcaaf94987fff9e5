package services

import (
	"fmt"
	"mime"
	"strconv"
	"strings"

	"article-store/schema"
)

// Kanonische Mime-Types pro Content-Type-Key (geschlossene Menge).
var contentTypeMimes = map[string]string{
	"poa":     "application/vnd.elife.article-poa+json",
	"vor":     "application/vnd.elife.article-vor+json",
	"history": "application/vnd.elife.article-history+json",
	"list":    "application/vnd.elife.article-list+json",
	"related": "application/vnd.elife.article-related+json",
}

// Allgemeine Wildcards, die jede Repräsentation akzeptieren.
var wildcardMimes = map[string]bool{
	"*/*":              true,
	"application/*":    true,
	"application/json": true,
}

// CheckRegistry stellt beim Boot sicher, dass für jeden Content-Type-Key
// mindestens ein Schema registriert ist. Ein fehlender Key ist ein
// Deployment-Fehler: jede Negotiation dagegen würde später mit 406 enden.
func CheckRegistry(reg *schema.Registry) error {
	for key := range contentTypeMimes {
		if !reg.Has(key) {
			return fmt.Errorf("kein schema für content-type %q registriert", key)
		}
	}
	return nil
}

// Negotiation ist das Ergebnis einer erfolgreichen Content-Negotiation.
// Deprecated ist gesetzt, wenn eine ältere als die neueste registrierte
// Version ausgehandelt wurde; der Aufrufer hängt dann eine Deprecation-
// Warnung an die Antwort.
type Negotiation struct {
	Mime       string
	Version    int
	Deprecated bool
}

// ContentType rendert den Wert für den Content-Type-Header.
func (n *Negotiation) ContentType() string {
	return n.Mime + "; version=" + strconv.Itoa(n.Version)
}

// Negotiate bildet einen Accept-Header auf (mime, version) für den gegebenen
// Content-Type-Key ab. Regeln:
//   - fehlender/leerer Header: neueste registrierte Version.
//   - eine Wildcard bricht die Suche sofort mit der neuesten Version ab
//     (Header-Reihenfolge entscheidet).
//   - Einträge mit dem kanonischen Mime sammeln ihre version-Parameter;
//     ohne Parameter zählt die neueste Version. Geliefert wird das Maximum
//     der gesammelten Versionen, nie die erste Client-Präferenz.
//   - nicht parsebare Einträge werden verworfen, nie fatal.
//   - kein Eintrag passt: (nil, false) - der Aufrufer antwortet 406.
func Negotiate(header, key string, reg *schema.Registry) (*Negotiation, bool) {
	canonical, ok := contentTypeMimes[key]
	if !ok {
		return nil, false
	}
	current, ok := reg.CurrentVersion(key)
	if !ok {
		return nil, false
	}

	if strings.TrimSpace(header) == "" {
		return &Negotiation{Mime: canonical, Version: current}, true
	}

	var collected []int
	for _, entry := range strings.Split(header, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(entry))
		if err != nil {
			continue
		}
		if wildcardMimes[mediaType] {
			return &Negotiation{Mime: canonical, Version: current}, true
		}
		if mediaType != canonical {
			continue
		}
		raw, hasVersion := params["version"]
		if !hasVersion {
			collected = append(collected, current)
			continue
		}
		requested, err := strconv.Atoi(raw)
		if err != nil || requested < 1 || requested > current {
			continue
		}
		collected = append(collected, requested)
	}

	if len(collected) == 0 {
		return nil, false
	}
	max := collected[0]
	for _, v := range collected[1:] {
		if v > max {
			max = v
		}
	}
	return &Negotiation{Mime: canonical, Version: max, Deprecated: max < current}, true
}

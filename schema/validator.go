package schema

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// SubError ist ein einzelner, maschinell prüfbarer Validierungsfehler.
type SubError struct {
	SchemaVersion int    `json:"schema_version"`
	Path          string `json:"path"`    // instance location im Dokument
	Keyword       string `json:"keyword"` // verletzte Schema-Constraint
	Message       string `json:"message"`
}

// ValidationError aggregiert die Fehler aller versuchten Schema-Versionen.
// First ist der Fehler der neuesten Version und bestimmt die Außendarstellung.
type ValidationError struct {
	Key   string
	First SubError
	All   []SubError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dokument erfüllt kein %s-schema: %s (%d fehler über alle versionen)",
		e.Key, e.First.Message, len(e.All))
}

// Validator prüft gemergte Dokumente gegen die Registry.
type Validator struct {
	reg *Registry
	log *zap.Logger
}

// NewValidator erstellt einen Validator über der gegebenen Registry.
func NewValidator(reg *Registry, log *zap.Logger) *Validator {
	return &Validator{reg: reg, log: log}
}

// Validate prüft das Dokument gegen alle Schema-Versionen des Keys, streng
// von der neuesten zur ältesten, und gibt beim ersten Erfolg zurück.
// "Gültig" heißt also: gültig unter dem neuesten Schema, das das Dokument
// akzeptiert - monotone Kompatibilität wird nicht angenommen.
//
// Schlägt jede Version fehl: quiet=true liefert (nil, nil) - "keine gültige
// Repräsentation"; quiet=false liefert einen *ValidationError mit dem Fehler
// der neuesten Version plus allen Sub-Fehlern.
//
// Ein Key ohne registrierte Schemas ist ein Deployment-Fehler und schlägt
// unabhängig von quiet fehl.
func (v *Validator) Validate(doc map[string]any, key string, quiet bool) (map[string]any, error) {
	entries := v.reg.VersionsFor(key)
	if len(entries) == 0 {
		return nil, fmt.Errorf("keine schemas für content-type %q registriert", key)
	}

	var all []SubError
	var first *SubError
	for _, entry := range entries {
		err := entry.Schema.Validate(any(doc))
		if err == nil {
			return doc, nil
		}
		subs := flatten(entry.Version, err)
		if first == nil && len(subs) > 0 {
			first = &subs[0]
		}
		all = append(all, subs...)
		v.log.Debug("schema-version abgelehnt",
			zap.String("key", key),
			zap.Int("version", entry.Version),
			zap.Int("errors", len(subs)))
	}

	if quiet {
		return nil, nil
	}
	if first == nil {
		first = &SubError{Message: "unbekannter validierungsfehler"}
	}
	return nil, &ValidationError{Key: key, First: *first, All: all}
}

// flatten macht aus dem Ursachenbaum der Library eine flache Liste von
// Blatt-Fehlern, einzeln adressierbar für die Diagnose.
func flatten(version int, err error) []SubError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []SubError{{SchemaVersion: version, Message: err.Error()}}
	}
	var out []SubError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, SubError{
				SchemaVersion: version,
				Path:          instancePath(e.InstanceLocation),
				Keyword:       e.KeywordLocation,
				Message:       e.Message,
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return out
}

func instancePath(loc string) string {
	if loc == "" {
		return "/"
	}
	return strings.TrimSuffix(loc, "/")
}

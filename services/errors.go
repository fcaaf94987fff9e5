package services

import (
	"errors"
	"fmt"
)

// Kind klassifiziert Fehler der Kern-Operationen. Geschlossene Menge;
// Aufrufer matchen explizit über KindOf statt über Fehlertexte.
type Kind string

const (
	KindInvalid                    Kind = "INVALID"
	KindBadRequest                 Kind = "BAD_REQUEST"
	KindParseError                 Kind = "PARSE_ERROR"
	KindAlreadyPublished           Kind = "ALREADY_PUBLISHED"
	KindPreviousVersionUnpublished Kind = "PREVIOUS_VERSION_UNPUBLISHED"
	KindPreviousVersionDNE         Kind = "PREVIOUS_VERSION_DNE"
	KindNoRecord                   Kind = "NO_RECORD"
	KindUnknown                    Kind = "UNKNOWN"
)

// Error trägt die Fehlerklasse plus eine menschenlesbare Nachricht und
// optional den zugrunde liegenden Fehler.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf erstellt einen klassifizierten Fehler.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr klassifiziert einen bestehenden Fehler.
func WrapErr(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extrahiert die Fehlerklasse; nicht klassifizierte Fehler sind UNKNOWN.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ErrIdentical signalisiert den Hash-Short-Circuit von SetArticleJSON:
// identischer Inhalt, kein Write nötig. Kein Fehlerzustand im engeren Sinn,
// Aufrufer behandeln ihn als eigenes Outcome.
var ErrIdentical = errors.New("article json unverändert (hash identisch)")

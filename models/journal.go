package models

import "time"

// Journal repräsentiert die Zeitschrift, zu der Artikel gehören.
// Wird beim ersten Ingest lazy angelegt (ein Datensatz pro Name).
type Journal struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	Name      string     `json:"name" gorm:"uniqueIndex;not null"`
	Inception *time.Time `json:"inception,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (Journal) TableName() string {
	return "journals"
}

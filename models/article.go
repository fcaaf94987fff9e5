package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Article repräsentiert ein Manuskript mit allen Versionen und Fragmenten.
// Identifiziert über die manuscript id (msid) und die daraus abgeleitete DOI.
type Article struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	JournalID uint    `json:"journal_id" gorm:"index"`
	Journal   Journal `json:"-"`

	MSID int64  `json:"msid" gorm:"column:msid;uniqueIndex;not null"`
	DOI  string `json:"doi" gorm:"column:doi;uniqueIndex;not null"`

	// Träge Submission-Metadaten aus dem Produktions-Workflow. Gehen nicht
	// in die Merge-Pipeline ein und steuern keine State-Machine-Übergänge.
	Type            string     `json:"type,omitempty" gorm:"index"`
	DateInitialQC   *time.Time `json:"date_initial_qc,omitempty"`
	InitialDecision string     `json:"initial_decision,omitempty"`
	DateFullQC      *time.Time `json:"date_full_qc,omitempty"`
	FullDecision    string     `json:"full_decision,omitempty"`
	DateAccepted    *time.Time `json:"date_accepted,omitempty"`

	Versions  []ArticleVersion  `json:"-"`
	Fragments []ArticleFragment `json:"-"`
}

// TableName gibt explizit den Tabellennamen an.
func (Article) TableName() string {
	return "articles"
}

const doiPrefix = "10.7554/eLife."

// DOIFromMSID leitet die DOI deterministisch aus der msid ab (links auf
// fünf Stellen mit Nullen aufgefüllt, wie vom Publisher vergeben).
func DOIFromMSID(msid int64) string {
	return fmt.Sprintf("%s%05d", doiPrefix, msid)
}

// MSIDFromDOI ist die Umkehrung von DOIFromMSID.
func MSIDFromDOI(doi string) (int64, error) {
	if !strings.HasPrefix(doi, doiPrefix) {
		return 0, fmt.Errorf("doi %q hat nicht das erwartete Präfix %q", doi, doiPrefix)
	}
	raw := strings.TrimLeft(strings.TrimPrefix(doi, doiPrefix), "0")
	if raw == "" {
		return 0, fmt.Errorf("doi %q enthält keine msid", doi)
	}
	msid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || msid <= 0 {
		return 0, fmt.Errorf("doi %q enthält keine gültige msid", doi)
	}
	return msid, nil
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

// Artikel-Status einer Version.
const (
	StatusPOA = "poa" // publish online ahead of print
	StatusVOR = "vor" // version of record
)

// Stage-Werte, wie sie im ausgelieferten Dokument erscheinen.
const (
	StagePreview   = "preview"
	StagePublished = "published"
)

// ArticleVersion ist eine konkrete, fortlaufend nummerierte Version eines
// Artikels. DatetimePublished == nil bedeutet "preview" (unveröffentlicht).
// Die drei ArticleJSON*-Felder werden ausschließlich von der Merge-Pipeline
// geschrieben.
type ArticleVersion struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ArticleID uint    `json:"article_id" gorm:"uniqueIndex:idx_article_versions_unique;not null"`
	Article   Article `json:"-"`

	Version int    `json:"version" gorm:"uniqueIndex:idx_article_versions_unique;not null"`
	Status  string `json:"status" gorm:"index;not null"`

	DatetimePublished *time.Time `json:"datetime_published,omitempty"`

	ArticleJSON        datatypes.JSON `json:"article_json,omitempty" gorm:"type:jsonb"`
	ArticleJSONSnippet datatypes.JSON `json:"article_json_snippet,omitempty" gorm:"type:jsonb"`
	ArticleJSONHash    string         `json:"article_json_hash,omitempty" gorm:"index"`
}

// TableName gibt explizit den Tabellennamen an.
func (ArticleVersion) TableName() string {
	return "article_versions"
}

// Published meldet, ob diese Version veröffentlicht ist.
func (av *ArticleVersion) Published() bool {
	return av.DatetimePublished != nil
}

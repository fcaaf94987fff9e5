package models

import (
	"time"

	"gorm.io/datatypes"
)

// ArticleVersionRelation modelliert eine gerichtete Kante: diese Version
// verweist auf einen anderen Artikel (interne Relation). Relationen werden
// bei jedem Re-Ingest komplett ersetzt, nie inkrementell gepatcht.
type ArticleVersionRelation struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	ArticleVersionID uint           `json:"article_version_id" gorm:"uniqueIndex:idx_av_relations_unique;not null"`
	ArticleVersion   ArticleVersion `json:"-"`

	RelatedToID uint    `json:"related_to_id" gorm:"uniqueIndex:idx_av_relations_unique;not null"`
	RelatedTo   Article `json:"-"`
}

func (ArticleVersionRelation) TableName() string { return "article_version_relations" }

// ArticleVersionExtRelation verweist auf eine externe Zitation (URI plus
// Citation-Payload), eindeutig pro (Version, URI).
type ArticleVersionExtRelation struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	ArticleVersionID uint           `json:"article_version_id" gorm:"uniqueIndex:idx_av_ext_relations_unique;not null"`
	ArticleVersion   ArticleVersion `json:"-"`

	URI      string         `json:"uri" gorm:"uniqueIndex:idx_av_ext_relations_unique;size:512;not null"`
	Citation datatypes.JSON `json:"citation" gorm:"type:jsonb;not null"`
}

func (ArticleVersionExtRelation) TableName() string { return "article_version_ext_relations" }

// ArticleVersionReviewedPreprintRelation verweist auf ein Reviewed-Preprint-
// Ereignis, eindeutig pro (Version, URI).
type ArticleVersionReviewedPreprintRelation struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	ArticleVersionID uint           `json:"article_version_id" gorm:"uniqueIndex:idx_av_rp_relations_unique;not null"`
	ArticleVersion   ArticleVersion `json:"-"`

	URI     string         `json:"uri" gorm:"uniqueIndex:idx_av_rp_relations_unique;size:512;not null"`
	Content datatypes.JSON `json:"content" gorm:"type:jsonb;not null"`
}

func (ArticleVersionReviewedPreprintRelation) TableName() string {
	return "article_version_reviewed_preprint_relations"
}

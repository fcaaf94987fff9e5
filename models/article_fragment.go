package models

import (
	"time"

	"gorm.io/datatypes"
)

// XML2JSONType ist das reservierte, primordiale Fragment mit dem komplett
// geparsten Quelldokument. Es wird ausschließlich vom Ingest geschrieben
// und darf nie gelöscht werden.
const XML2JSONType = "xml2json"

// XML2JSONPosition sorgt dafür, dass das primordiale Fragment immer zuerst
// gemerged wird.
const XML2JSONPosition = 0

// ArticleFragment ist ein benanntes, partielles JSON-Dokument. Version == nil
// bedeutet: gilt für alle Versionen des Artikels; Version == N gilt nur für
// Version N. Merge-Reihenfolge: Position aufsteigend, bei Gleichstand die
// Einfüge-Reihenfolge (ID) - nie die Iterationsreihenfolge des Stores.
type ArticleFragment struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ArticleID uint    `json:"article_id" gorm:"uniqueIndex:idx_article_fragments_unique;not null"`
	Article   Article `json:"-"`

	Type    string `json:"type" gorm:"uniqueIndex:idx_article_fragments_unique;not null"`
	Version *int   `json:"version,omitempty" gorm:"uniqueIndex:idx_article_fragments_unique"`

	Position int            `json:"position" gorm:"not null;default:1"`
	Fragment datatypes.JSON `json:"fragment" gorm:"type:jsonb;not null"`
}

// TableName gibt explizit den Tabellennamen an.
func (ArticleFragment) TableName() string {
	return "article_fragments"
}

package services

import (
	"errors"

	"gorm.io/gorm"

	"article-store/models"
)

// Reine Abfragefunktionen über dem Storage. Die Datensätze selbst tragen
// kein Verhalten; alles Abgeleitete ("neueste Version", "früheste VOR")
// lebt hier.

// ArticleByMSID lädt einen Artikel über seine manuscript id.
func ArticleByMSID(db *gorm.DB, msid int64) (*models.Article, error) {
	var article models.Article
	if err := db.Where("msid = ?", msid).First(&article).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Errorf(KindNoRecord, "artikel %d existiert nicht", msid)
		}
		return nil, WrapErr(KindUnknown, err, "artikel %d nicht abrufbar", msid)
	}
	return &article, nil
}

// VersionRow lädt die Zeile (article, version).
func VersionRow(db *gorm.DB, articleID uint, version int) (*models.ArticleVersion, error) {
	var av models.ArticleVersion
	err := db.Where("article_id = ? AND version = ?", articleID, version).First(&av).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Errorf(KindNoRecord, "version %d existiert nicht", version)
		}
		return nil, WrapErr(KindUnknown, err, "version %d nicht abrufbar", version)
	}
	return &av, nil
}

// LatestVersion gibt die neueste sichtbare Version eines Artikels zurück.
// Ohne includeUnpublished zählen nur veröffentlichte Versionen.
func LatestVersion(db *gorm.DB, msid int64, includeUnpublished bool) (*models.ArticleVersion, error) {
	article, err := ArticleByMSID(db, msid)
	if err != nil {
		return nil, err
	}
	query := db.Where("article_id = ?", article.ID)
	if !includeUnpublished {
		query = query.Where("datetime_published IS NOT NULL")
	}
	var av models.ArticleVersion
	if err := query.Order("version desc").First(&av).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Errorf(KindNoRecord, "artikel %d hat keine sichtbare version", msid)
		}
		return nil, WrapErr(KindUnknown, err, "neueste version von artikel %d nicht abrufbar", msid)
	}
	return &av, nil
}

// SpecificVersion gibt eine bestimmte sichtbare Version zurück.
func SpecificVersion(db *gorm.DB, msid int64, version int, includeUnpublished bool) (*models.ArticleVersion, error) {
	article, err := ArticleByMSID(db, msid)
	if err != nil {
		return nil, err
	}
	av, err := VersionRow(db, article.ID, version)
	if err != nil {
		return nil, err
	}
	if !av.Published() && !includeUnpublished {
		return nil, Errorf(KindNoRecord, "version %d von artikel %d ist nicht sichtbar", version, msid)
	}
	return av, nil
}

// AllVersions gibt alle sichtbaren Versionen aufsteigend zurück.
func AllVersions(db *gorm.DB, articleID uint, includeUnpublished bool) ([]models.ArticleVersion, error) {
	query := db.Where("article_id = ?", articleID)
	if !includeUnpublished {
		query = query.Where("datetime_published IS NOT NULL")
	}
	var versions []models.ArticleVersion
	if err := query.Order("version asc").Find(&versions).Error; err != nil {
		return nil, WrapErr(KindUnknown, err, "versionen nicht abrufbar")
	}
	return versions, nil
}

// EarliestVersionWithStatus gibt die früheste Version (aufsteigende Nummer)
// mit dem gegebenen Status zurück, oder nil, wenn es keine gibt.
func EarliestVersionWithStatus(db *gorm.DB, articleID uint, status string) (*models.ArticleVersion, error) {
	var av models.ArticleVersion
	err := db.Where("article_id = ? AND status = ?", articleID, status).
		Order("version asc").First(&av).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, WrapErr(KindUnknown, err, "früheste %s-version nicht abrufbar", status)
	}
	return &av, nil
}

package services

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"article-store/models"
)

// RelationService verwaltet die Relationen einer Artikel-Version: intern
// (Artikel zu Artikel), extern (Zitationen) und Reviewed Preprints.
type RelationService struct {
	// Stubs steuert, ob ein fehlendes internes Relations-Ziel als minimaler
	// Stub-Artikel angelegt wird. Deployment-Toggle, unabhängig von quiet.
	Stubs  bool
	Logger *zap.Logger
}

// NewRelationService erstellt eine neue Instanz des RelationService.
func NewRelationService(stubs bool, logger *zap.Logger) *RelationService {
	return &RelationService{Stubs: stubs, Logger: logger}
}

// ReplaceRelations ersetzt alle Relationen der Version vollständig
// (delete-then-recreate). Wird bei jedem Ingest innerhalb der laufenden
// Transaktion aufgerufen; inkrementelles Patchen gibt es nicht.
func (r *RelationService) ReplaceRelations(tx *gorm.DB, av *models.ArticleVersion, journalID uint,
	internal []int64, external []map[string]any, preprints []map[string]any) error {

	if err := tx.Where("article_version_id = ?", av.ID).Delete(&models.ArticleVersionRelation{}).Error; err != nil {
		return WrapErr(KindUnknown, err, "interne relationen nicht löschbar")
	}
	if err := tx.Where("article_version_id = ?", av.ID).Delete(&models.ArticleVersionExtRelation{}).Error; err != nil {
		return WrapErr(KindUnknown, err, "externe relationen nicht löschbar")
	}
	if err := tx.Where("article_version_id = ?", av.ID).Delete(&models.ArticleVersionReviewedPreprintRelation{}).Error; err != nil {
		return WrapErr(KindUnknown, err, "reviewed-preprint-relationen nicht löschbar")
	}

	for _, msid := range internal {
		if err := r.RelateToMSID(tx, av, journalID, msid, true); err != nil {
			return err
		}
	}
	for _, citation := range external {
		if err := r.AssociateExternal(tx, av, citation); err != nil {
			return err
		}
	}
	for _, content := range preprints {
		if err := r.AssociateReviewedPreprint(tx, av, content); err != nil {
			return err
		}
	}
	return nil
}

// RelateToMSID legt eine interne Relation zum Artikel mit der gegebenen msid
// an. Existiert der Zielartikel nicht, entscheidet die Stub-Policy, ob ein
// minimaler Stub angelegt wird oder die Operation mit NO_RECORD scheitert;
// quiet=true stuft das Scheitern zu einer geloggten Warnung herab.
// Doppeltes Relaten desselben Paars erzeugt keine zweite Kante.
func (r *RelationService) RelateToMSID(tx *gorm.DB, av *models.ArticleVersion, journalID uint, msid int64, quiet bool) error {
	target, err := ArticleByMSID(tx, msid)
	if err != nil {
		if KindOf(err) != KindNoRecord {
			return err
		}
		if !r.Stubs {
			if quiet {
				r.Logger.Warn("relations-ziel existiert nicht, stub-anlage deaktiviert",
					zap.Int64("msid", msid))
				return nil
			}
			return Errorf(KindNoRecord, "relations-ziel %d existiert nicht", msid)
		}
		stub := models.Article{
			JournalID: journalID,
			MSID:      msid,
			DOI:       models.DOIFromMSID(msid),
		}
		if err := tx.Create(&stub).Error; err != nil {
			return WrapErr(KindUnknown, err, "stub-artikel %d nicht anlegbar", msid)
		}
		r.Logger.Info("stub-artikel für relations-ziel angelegt", zap.Int64("msid", msid))
		target = &stub
	}

	relation := models.ArticleVersionRelation{
		ArticleVersionID: av.ID,
		RelatedToID:      target.ID,
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "article_version_id"}, {Name: "related_to_id"}},
		DoNothing: true,
	}).Create(&relation).Error
	if err != nil {
		return WrapErr(KindUnknown, err, "interne relation %d -> %d nicht anlegbar", av.ID, msid)
	}
	return nil
}

// AssociateExternal legt eine externe Zitations-Relation an bzw. erneuert
// sie, eindeutig pro (Version, URI). Eine Zitation ohne uri-Feld ist ein
// BAD_REQUEST.
func (r *RelationService) AssociateExternal(tx *gorm.DB, av *models.ArticleVersion, citation map[string]any) error {
	uri, ok := citation["uri"].(string)
	if !ok || uri == "" {
		return Errorf(KindBadRequest, "externe zitation ohne uri-feld")
	}
	payload, err := json.Marshal(citation)
	if err != nil {
		return WrapErr(KindBadRequest, err, "zitation nicht serialisierbar")
	}
	relation := models.ArticleVersionExtRelation{
		ArticleVersionID: av.ID,
		URI:              uri,
		Citation:         payload,
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "article_version_id"}, {Name: "uri"}},
		DoUpdates: clause.AssignmentColumns([]string{"citation"}),
	}).Create(&relation).Error
	if err != nil {
		return WrapErr(KindUnknown, err, "externe relation %q nicht anlegbar", uri)
	}
	return nil
}

// AssociateReviewedPreprint legt eine Reviewed-Preprint-Relation an,
// eindeutig pro (Version, URI).
func (r *RelationService) AssociateReviewedPreprint(tx *gorm.DB, av *models.ArticleVersion, content map[string]any) error {
	uri, ok := content["uri"].(string)
	if !ok || uri == "" {
		return Errorf(KindBadRequest, "reviewed preprint ohne uri-feld")
	}
	payload, err := json.Marshal(content)
	if err != nil {
		return WrapErr(KindBadRequest, err, "reviewed preprint nicht serialisierbar")
	}
	relation := models.ArticleVersionReviewedPreprintRelation{
		ArticleVersionID: av.ID,
		URI:              uri,
		Content:          payload,
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "article_version_id"}, {Name: "uri"}},
		DoUpdates: clause.AssignmentColumns([]string{"content"}),
	}).Create(&relation).Error
	if err != nil {
		return WrapErr(KindUnknown, err, "reviewed-preprint-relation %q nicht anlegbar", uri)
	}
	return nil
}

// InternalRelationships kombiniert Vorwärts-Relationen (diese Version ->
// anderer Artikel) und Rückwärts-Relationen (Version eines anderen Artikels
// -> dieser Artikel), dedupliziert nach Identität und aufsteigend nach msid
// sortiert. Die Beziehung ist dadurch symmetrisch sichtbar.
func InternalRelationships(db *gorm.DB, av *models.ArticleVersion) ([]models.Article, error) {
	var forward []models.Article
	err := db.Model(&models.Article{}).
		Joins("JOIN article_version_relations r ON r.related_to_id = articles.id").
		Where("r.article_version_id = ?", av.ID).
		Find(&forward).Error
	if err != nil {
		return nil, WrapErr(KindUnknown, err, "vorwärts-relationen nicht abrufbar")
	}

	var reverse []models.Article
	err = db.Model(&models.Article{}).
		Joins("JOIN article_versions v ON v.article_id = articles.id").
		Joins("JOIN article_version_relations r ON r.article_version_id = v.id").
		Where("r.related_to_id = ?", av.ArticleID).
		Find(&reverse).Error
	if err != nil {
		return nil, WrapErr(KindUnknown, err, "rückwärts-relationen nicht abrufbar")
	}

	seen := map[int64]bool{}
	var combined []models.Article
	for _, article := range append(forward, reverse...) {
		if article.ID == av.ArticleID || seen[article.MSID] {
			continue
		}
		seen[article.MSID] = true
		combined = append(combined, article)
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].MSID < combined[j].MSID })
	return combined, nil
}

// ExternalCitations gibt die externen Zitationen einer Version zurück.
func ExternalCitations(db *gorm.DB, av *models.ArticleVersion) ([]models.ArticleVersionExtRelation, error) {
	var relations []models.ArticleVersionExtRelation
	err := db.Where("article_version_id = ?", av.ID).Order("uri asc").Find(&relations).Error
	if err != nil {
		return nil, WrapErr(KindUnknown, err, "externe zitationen nicht abrufbar")
	}
	return relations, nil
}

// ReviewedPreprints gibt die Reviewed-Preprint-Relationen einer Version zurück.
func ReviewedPreprints(db *gorm.DB, av *models.ArticleVersion) ([]models.ArticleVersionReviewedPreprintRelation, error) {
	var relations []models.ArticleVersionReviewedPreprintRelation
	err := db.Where("article_version_id = ?", av.ID).Order("uri asc").Find(&relations).Error
	if err != nil {
		return nil, WrapErr(KindUnknown, err, "reviewed preprints nicht abrufbar")
	}
	return relations, nil
}

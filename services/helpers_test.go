package services

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"article-store/models"
	"article-store/schema"
)

// newTestDB öffnet eine in-memory sqlite-Datenbank mit migriertem Schema.
// Eine Verbindung, damit alle Queries dieselbe in-memory-Instanz sehen.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("sqlite öffnen: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql.DB holen: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.Journal{}, &models.Article{}, &models.ArticleVersion{},
		&models.ArticleFragment{}, &models.ArticleVersionRelation{},
		&models.ArticleVersionExtRelation{}, &models.ArticleVersionReviewedPreprintRelation{},
	)
	if err != nil {
		t.Fatalf("auto-migration: %v", err)
	}
	return db
}

func mustCompile(t *testing.T, name, src string) *jsonschema.Schema {
	t.Helper()
	s, err := jsonschema.CompileString(name, src)
	if err != nil {
		t.Fatalf("schema %s kompilieren: %v", name, err)
	}
	return s
}

// newTestValidator baut eine kleine Registry: poa v1/v2 (v2 verlangt
// zusätzlich copyright), vor v1 und ein durchlässiges list-Schema.
func newTestValidator(t *testing.T) *schema.Validator {
	t.Helper()
	reg := schema.NewRegistry()
	reg.Add("poa", 1, mustCompile(t, "poa.v1.json",
		`{"type": "object", "required": ["title", "status", "stage"],
		  "properties": {"status": {"const": "poa"}, "title": {"type": "string"}}}`))
	reg.Add("poa", 2, mustCompile(t, "poa.v2.json",
		`{"type": "object", "required": ["title", "status", "stage", "copyright"],
		  "properties": {"status": {"const": "poa"}, "title": {"type": "string"}}}`))
	reg.Add("vor", 1, mustCompile(t, "vor.v1.json",
		`{"type": "object", "required": ["title", "status", "stage", "body"],
		  "properties": {"status": {"const": "vor"}, "title": {"type": "string"}}}`))
	reg.Add("list", 1, mustCompile(t, "list.v1.json",
		`{"type": "object", "required": ["title", "status", "stage"],
		  "properties": {"title": {"type": "string"}}}`))
	return schema.NewValidator(reg, zap.NewNop())
}

func newTestMergeService(t *testing.T) *MergeService {
	t.Helper()
	return NewMergeService(newTestValidator(t), zap.NewNop())
}

func createJournal(t *testing.T, db *gorm.DB) *models.Journal {
	t.Helper()
	journal := models.Journal{Name: "eLife"}
	if err := db.Create(&journal).Error; err != nil {
		t.Fatalf("journal anlegen: %v", err)
	}
	return &journal
}

func createArticle(t *testing.T, db *gorm.DB, journalID uint, msid int64) *models.Article {
	t.Helper()
	article := models.Article{
		JournalID: journalID,
		MSID:      msid,
		DOI:       models.DOIFromMSID(msid),
		Type:      "research-article",
	}
	if err := db.Create(&article).Error; err != nil {
		t.Fatalf("artikel %d anlegen: %v", msid, err)
	}
	return &article
}

func createVersion(t *testing.T, db *gorm.DB, articleID uint, version int, status string, published *time.Time) *models.ArticleVersion {
	t.Helper()
	av := models.ArticleVersion{
		ArticleID:         articleID,
		Version:           version,
		Status:            status,
		DatetimePublished: published,
	}
	if err := db.Create(&av).Error; err != nil {
		t.Fatalf("version %d anlegen: %v", version, err)
	}
	return &av
}

// addFragment legt ein Fragment an; version == nil heißt artikelweit.
func addFragment(t *testing.T, db *gorm.DB, articleID uint, fragmentType string, version *int, position int, doc map[string]any) {
	t.Helper()
	payload, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("fragment serialisieren: %v", err)
	}
	fragment := models.ArticleFragment{
		ArticleID: articleID,
		Type:      fragmentType,
		Version:   version,
		Position:  position,
		Fragment:  payload,
	}
	if err := db.Create(&fragment).Error; err != nil {
		t.Fatalf("fragment %q anlegen: %v", fragmentType, err)
	}
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

// articleJSON baut ein minimales article-json für den Ingest; extra wird in
// das article-Objekt gemerged.
func articleJSON(msid int64, version int, status string, extra map[string]any) []byte {
	article := map[string]any{
		"id":      fmt.Sprintf("%05d", msid),
		"version": version,
		"status":  status,
		"type":    "research-article",
		"title":   "Testartikel",
	}
	for k, v := range extra {
		article[k] = v
	}
	payload, _ := json.Marshal(map[string]any{
		"journal": map[string]any{"name": "eLife"},
		"article": article,
	})
	return payload
}

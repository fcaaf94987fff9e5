package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"article-store/models"
	"article-store/schema"
	"article-store/services"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	compile := func(name, src string) *jsonschema.Schema {
		s, err := jsonschema.CompileString(name, src)
		if err != nil {
			t.Fatalf("schema %s kompilieren: %v", name, err)
		}
		return s
	}
	reg := schema.NewRegistry()
	reg.Add("poa", 1, compile("poa.v1.json",
		`{"type": "object", "required": ["title", "status", "stage"],
		  "properties": {"status": {"const": "poa"}, "title": {"type": "string"}}}`))
	reg.Add("poa", 2, compile("poa.v2.json",
		`{"type": "object", "required": ["title", "status", "stage"],
		  "properties": {"status": {"const": "poa"}, "title": {"type": "string"}}}`))
	reg.Add("vor", 1, compile("vor.v1.json",
		`{"type": "object", "required": ["title", "status", "stage", "body"],
		  "properties": {"status": {"const": "vor"}}}`))
	reg.Add("list", 1, compile("list.v1.json", `{"type": "object"}`))
	reg.Add("history", 1, compile("history.v1.json", `{"type": "object"}`))
	reg.Add("history", 2, compile("history.v2.json", `{"type": "object"}`))
	reg.Add("related", 1, compile("related.v1.json", `{"type": "array"}`))
	return reg
}

func newTestServer(t *testing.T) (*gin.Engine, *gorm.DB, *services.Ingester) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("sqlite öffnen: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	err = db.AutoMigrate(
		&models.Journal{}, &models.Article{}, &models.ArticleVersion{},
		&models.ArticleFragment{}, &models.ArticleVersionRelation{},
		&models.ArticleVersionExtRelation{}, &models.ArticleVersionReviewedPreprintRelation{},
	)
	if err != nil {
		t.Fatalf("auto-migration: %v", err)
	}

	logging := zap.NewNop()
	registry := testRegistry(t)
	validator := schema.NewValidator(registry, logging)
	mergeService := services.NewMergeService(validator, logging)
	relationService := services.NewRelationService(true, logging)
	notifier := services.NewNotifier("", logging)
	ingester := services.NewIngester(db, mergeService, relationService, notifier, logging)

	router := gin.New()
	router.Use(gatewayAuthMiddleware())
	setupArticleRoutes(router, db, registry, logging)
	setupFragmentRoutes(router, db, mergeService, logging)
	setupAdminRoutes(router, ingester, logging)
	return router, db, ingester
}

func doRequest(router *gin.Engine, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

var authHeaders = map[string]string{"X-Consumer-Groups": "user, view-unpublished-content"}

func ingestJSON(msid int64, version int, status, title string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"journal": map[string]any{"name": "eLife"},
		"article": map[string]any{
			"id":      fmt.Sprintf("%05d", msid),
			"version": version,
			"status":  status,
			"type":    "research-article",
			"title":   title,
			"body":    []any{map[string]any{"type": "section"}},
		},
	})
	return payload
}

func TestGetArticleVisibility(t *testing.T) {
	router, _, ingester := newTestServer(t)

	if _, err := ingester.Ingest(ingestJSON(5522, 1, "poa", "Titel"), false, false); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// Unveröffentlicht: für anonyme aufrufer unsichtbar.
	w := doRequest(router, http.MethodGet, "/articles/5522", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("anonym: status %d, erwartet 404", w.Code)
	}

	// Mit gateway-gruppe sichtbar, stage preview.
	w = doRequest(router, http.MethodGet, "/articles/5522", nil, authHeaders)
	if w.Code != http.StatusOK {
		t.Fatalf("authentifiziert: status %d, body %s", w.Code, w.Body.String())
	}
	var doc map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("antwort parsen: %v", err)
	}
	if doc["stage"] != "preview" {
		t.Errorf("stage = %v, erwartet preview", doc["stage"])
	}

	// Nach publish auch anonym sichtbar.
	w = doRequest(router, http.MethodPost, "/admin/publish/5522/1", nil, authHeaders)
	if w.Code != http.StatusOK {
		t.Fatalf("publish: status %d, body %s", w.Code, w.Body.String())
	}
	w = doRequest(router, http.MethodGet, "/articles/5522", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("nach publish: status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.elife.article-poa+json; version=2" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestGetArticleContentNegotiation(t *testing.T) {
	router, _, ingester := newTestServer(t)
	if _, err := ingester.IngestPublish(ingestJSON(5522, 1, "poa", "Titel"), false, false); err != nil {
		t.Fatalf("IngestPublish: %v", err)
	}

	// Falscher mime: 406.
	w := doRequest(router, http.MethodGet, "/articles/5522", nil,
		map[string]string{"Accept": "text/html"})
	if w.Code != http.StatusNotAcceptable {
		t.Fatalf("status %d, erwartet 406", w.Code)
	}

	// Ältere version: deprecation-warnung.
	w = doRequest(router, http.MethodGet, "/articles/5522", nil,
		map[string]string{"Accept": "application/vnd.elife.article-poa+json; version=1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Warning") == "" {
		t.Error("deprecation-warnung erwartet")
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.elife.article-poa+json; version=1" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestVersionHistory(t *testing.T) {
	router, _, ingester := newTestServer(t)
	if _, err := ingester.IngestPublish(ingestJSON(5522, 1, "poa", "Titel"), false, false); err != nil {
		t.Fatalf("IngestPublish v1: %v", err)
	}
	if _, err := ingester.Ingest(ingestJSON(5522, 2, "vor", "Titel"), false, false); err != nil {
		t.Fatalf("Ingest v2: %v", err)
	}

	// Anonym: nur die veröffentlichte version.
	w := doRequest(router, http.MethodGet, "/articles/5522/versions", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	var history struct {
		Versions []map[string]any `json:"versions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &history); err != nil {
		t.Fatalf("antwort parsen: %v", err)
	}
	if len(history.Versions) != 1 {
		t.Fatalf("1 version erwartet, bekommen %d", len(history.Versions))
	}

	// Authentifiziert: beide versionen.
	w = doRequest(router, http.MethodGet, "/articles/5522/versions", nil, authHeaders)
	if err := json.Unmarshal(w.Body.Bytes(), &history); err != nil {
		t.Fatalf("antwort parsen: %v", err)
	}
	if len(history.Versions) != 2 {
		t.Fatalf("2 versionen erwartet, bekommen %d", len(history.Versions))
	}
}

func TestAdminRequiresGatewayGroup(t *testing.T) {
	router, _, _ := newTestServer(t)

	w := doRequest(router, http.MethodPost, "/admin/ingest", ingestJSON(5522, 1, "poa", "Titel"), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status %d, erwartet 403", w.Code)
	}

	w = doRequest(router, http.MethodPost, "/admin/ingest", ingestJSON(5522, 1, "poa", "Titel"), authHeaders)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	var result struct {
		Status string `json:"status"`
		ID     int64  `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("antwort parsen: %v", err)
	}
	if result.Status != "ingested" || result.ID != 5522 {
		t.Errorf("unerwartetes ergebnis %+v", result)
	}
}

func TestAdminIngestErrors(t *testing.T) {
	router, _, _ := newTestServer(t)

	// Sequenz-verletzung wird als 400 mit fehlerklasse gemeldet.
	w := doRequest(router, http.MethodPost, "/admin/ingest", ingestJSON(5522, 2, "poa", "Titel"), authHeaders)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, erwartet 400", w.Code)
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("antwort parsen: %v", err)
	}
	if body.Title != "PREVIOUS_VERSION_DNE" {
		t.Errorf("title = %q, erwartet PREVIOUS_VERSION_DNE", body.Title)
	}
}

func TestFragmentLifecycle(t *testing.T) {
	router, db, ingester := newTestServer(t)
	if _, err := ingester.IngestPublish(ingestJSON(5522, 1, "poa", "Titel"), false, false); err != nil {
		t.Fatalf("IngestPublish: %v", err)
	}

	jsonHeaders := map[string]string{
		"X-Consumer-Groups": "view-unpublished-content",
		"Content-Type":      "application/json",
	}

	// Ohne auth: 403.
	w := doRequest(router, http.MethodPost, "/articles/5522/fragments/correction",
		[]byte(`{"title": "Neu"}`), map[string]string{"Content-Type": "application/json"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("ohne auth: status %d, erwartet 403", w.Code)
	}

	// Reservierter typ: immer 400.
	w = doRequest(router, http.MethodPost, "/articles/5522/fragments/xml2json",
		[]byte(`{}`), jsonHeaders)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("xml2json: status %d, erwartet 400", w.Code)
	}
	w = doRequest(router, http.MethodDelete, "/articles/5522/fragments/xml2json", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("delete xml2json: status %d, erwartet 400 auch ohne auth", w.Code)
	}

	// Gültiges fragment: dokument ändert sich.
	w = doRequest(router, http.MethodPost, "/articles/5522/fragments/correction",
		[]byte(`{"title": "Korrigierter Titel"}`), jsonHeaders)
	if w.Code != http.StatusOK {
		t.Fatalf("fragment: status %d, body %s", w.Code, w.Body.String())
	}
	article, _ := services.ArticleByMSID(db, 5522)
	av, _ := services.VersionRow(db, article.ID, 1)
	var doc map[string]any
	if err := json.Unmarshal(av.ArticleJSON, &doc); err != nil {
		t.Fatalf("dokument parsen: %v", err)
	}
	if doc["title"] != "Korrigierter Titel" {
		t.Errorf("title = %v, fragment muss eingemerged sein", doc["title"])
	}

	// Ungültiges fragment: 400, nichts persistiert.
	w = doRequest(router, http.MethodPost, "/articles/5522/fragments/breaker",
		[]byte(`{"title": 12345}`), jsonHeaders)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("ungültiges fragment: status %d, erwartet 400", w.Code)
	}
	var count int64
	db.Model(&models.ArticleFragment{}).Where("type = ?", "breaker").Count(&count)
	if count != 0 {
		t.Error("abgelehntes fragment darf nicht persistiert sein")
	}

	// Fragment löschen: dokument fällt auf den stand davor zurück.
	w = doRequest(router, http.MethodDelete, "/articles/5522/fragments/correction", nil, jsonHeaders)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d, body %s", w.Code, w.Body.String())
	}
	av, _ = services.VersionRow(db, article.ID, 1)
	if err := json.Unmarshal(av.ArticleJSON, &doc); err != nil {
		t.Fatalf("dokument parsen: %v", err)
	}
	if doc["title"] != "Titel" {
		t.Errorf("title = %v, erwartet den ursprünglichen titel", doc["title"])
	}

	// Unbekanntes fragment löschen: 404.
	w = doRequest(router, http.MethodDelete, "/articles/5522/fragments/correction", nil, jsonHeaders)
	if w.Code != http.StatusNotFound {
		t.Fatalf("delete unbekannt: status %d, erwartet 404", w.Code)
	}
}

func TestRelatedEndpoint(t *testing.T) {
	router, _, ingester := newTestServer(t)

	base, _ := json.Marshal(map[string]any{
		"journal": map[string]any{"name": "eLife"},
		"article": map[string]any{
			"id": "05522", "version": 1, "status": "poa",
			"type": "research-article", "title": "Haupt",
			"-related-articles-internal":  []any{"6000"},
			"-related-reviewed-preprints": []any{map[string]any{"uri": "https://example.org/rp", "id": "7000"}},
		},
	})
	if _, err := ingester.IngestPublish(base, false, false); err != nil {
		t.Fatalf("IngestPublish: %v", err)
	}
	if _, err := ingester.IngestPublish(ingestJSON(6000, 1, "poa", "Verwandt"), false, false); err != nil {
		t.Fatalf("IngestPublish verwandt: %v", err)
	}

	w := doRequest(router, http.MethodGet, "/articles/5522/related", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	var related []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &related); err != nil {
		t.Fatalf("antwort parsen: %v", err)
	}
	if len(related) != 2 {
		t.Fatalf("snippet plus reviewed preprint erwartet, bekommen %d: %v", len(related), related)
	}

	// Reviewed preprints lassen sich ausschließen.
	w = doRequest(router, http.MethodGet, "/articles/5522/related?reviewed-preprints=false", nil, nil)
	if err := json.Unmarshal(w.Body.Bytes(), &related); err != nil {
		t.Fatalf("antwort parsen: %v", err)
	}
	if len(related) != 1 {
		t.Fatalf("nur das snippet erwartet, bekommen %d", len(related))
	}
}

func TestRelatedSuppressesPreprintForVOR(t *testing.T) {
	router, _, ingester := newTestServer(t)

	// Der reviewed preprint verweist mit gepolsterter id auf den
	// relationszielartikel; dessen VOR muss den preprint trotzdem verdrängen.
	base, _ := json.Marshal(map[string]any{
		"journal": map[string]any{"name": "eLife"},
		"article": map[string]any{
			"id": "05522", "version": 1, "status": "poa",
			"type": "research-article", "title": "Haupt",
			"-related-articles-internal":  []any{"6000"},
			"-related-reviewed-preprints": []any{map[string]any{"uri": "https://example.org/rp", "id": "06000"}},
		},
	})
	if _, err := ingester.IngestPublish(base, false, false); err != nil {
		t.Fatalf("IngestPublish: %v", err)
	}
	if _, err := ingester.IngestPublish(ingestJSON(6000, 1, "vor", "Verwandt"), false, false); err != nil {
		t.Fatalf("IngestPublish verwandt: %v", err)
	}

	w := doRequest(router, http.MethodGet, "/articles/5522/related", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	var related []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &related); err != nil {
		t.Fatalf("antwort parsen: %v", err)
	}
	if len(related) != 1 {
		t.Fatalf("nur das vor-snippet erwartet, bekommen %d: %v", len(related), related)
	}
	if related[0]["status"] != "vor" {
		t.Errorf("das vor-snippet muss gewinnen, bekommen %v", related[0])
	}
}

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind services.Kind
		want int
	}{
		{services.KindNoRecord, http.StatusNotFound},
		{services.KindInvalid, http.StatusBadRequest},
		{services.KindBadRequest, http.StatusBadRequest},
		{services.KindParseError, http.StatusBadRequest},
		{services.KindAlreadyPublished, http.StatusBadRequest},
		{services.KindPreviousVersionDNE, http.StatusBadRequest},
		{services.KindPreviousVersionUnpublished, http.StatusBadRequest},
		{services.KindUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForKind(tt.kind); got != tt.want {
			t.Errorf("statusForKind(%s) = %d, erwartet %d", tt.kind, got, tt.want)
		}
	}
}

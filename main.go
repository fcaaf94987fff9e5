package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"article-store/config"
	"article-store/models"
	"article-store/schema"
	"article-store/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ingestsCounter   prometheus.Counter
	publishesCounter prometheus.Counter
	invalidCounter   prometheus.Counter
)

func init() {
	ingestsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "article_ingests_total",
		Help: "Total number of successful article ingests.",
	})
	publishesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "article_publishes_total",
		Help: "Total number of successful article publishes.",
	})
	invalidCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "article_invalid_total",
		Help: "Total number of operations rejected by schema validation.",
	})
	prometheus.MustRegister(ingestsCounter, publishesCounter, invalidCounter)
}

// gatewayAuthMiddleware liest das vom vorgelagerten Gateway injizierte
// Gruppen-Header. Die Kern-Logik berechnet keine Berechtigungen selbst.
func gatewayAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authenticated := false
		for _, group := range strings.Split(c.GetHeader("X-Consumer-Groups"), ",") {
			if strings.TrimSpace(group) == "view-unpublished-content" {
				authenticated = true
				break
			}
		}
		c.Set("authenticated", authenticated)
		c.Next()
	}
}

// apiError schreibt den einheitlichen Fehler-Body {title, detail}.
func apiError(c *gin.Context, status int, title, detail string) {
	body := gin.H{"title": title}
	if detail != "" {
		body["detail"] = detail
	}
	c.JSON(status, body)
}

// statusForKind bildet die Fehlerklassen der Services auf HTTP-Status ab.
func statusForKind(kind services.Kind) int {
	switch kind {
	case services.KindNoRecord:
		return http.StatusNotFound
	case services.KindInvalid, services.KindBadRequest, services.KindParseError,
		services.KindAlreadyPublished, services.KindPreviousVersionUnpublished,
		services.KindPreviousVersionDNE:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func serviceError(c *gin.Context, err error) {
	kind := services.KindOf(err)
	if kind == services.KindInvalid {
		invalidCounter.Inc()
	}
	apiError(c, statusForKind(kind), string(kind), err.Error())
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to article database.")

	logging.Info("Running database auto-migration...")
	db.AutoMigrate(
		&models.Journal{}, &models.Article{}, &models.ArticleVersion{},
		&models.ArticleFragment{}, &models.ArticleVersionRelation{},
		&models.ArticleVersionExtRelation{}, &models.ArticleVersionReviewedPreprintRelation{},
	)

	// Schema-Registry einmal beim Boot bauen; danach unveränderlich.
	registry, err := schema.LoadDir(cfg.SchemaDir)
	if err != nil {
		logging.Fatal("Schema registry boot failed", zap.Error(err))
	}
	if err := services.CheckRegistry(registry); err != nil {
		logging.Fatal("Schema registry incomplete", zap.Error(err))
	}
	logging.Info("Schema registry loaded", zap.Strings("content_types", registry.Keys()))

	validator := schema.NewValidator(registry, logging)
	mergeService := services.NewMergeService(validator, logging)
	relationService := services.NewRelationService(cfg.RelatedArticleStubs, logging)
	notifier := services.NewNotifier(cfg.EventSinkURL, logging)
	ingester := services.NewIngester(db, mergeService, relationService, notifier, logging)

	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(gatewayAuthMiddleware())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	setupArticleRoutes(router, db, registry, logging)
	setupFragmentRoutes(router, db, mergeService, logging)
	setupAdminRoutes(router, ingester, logging)

	// Nächtlicher Re-Render-Sweep: nach einem Deploy mit neuen Schemas
	// propagieren die Änderungen ohne Re-Ingest in die gespeicherten
	// Repräsentationen; identische Inhalte werden per Hash übersprungen.
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.CronSchedule, func() {
		logging.Info("Running scheduled re-render sweep...")
		refreshed, skipped, err := rerenderAllArticles(db, mergeService)
		if err != nil {
			logging.Error("Re-render sweep failed", zap.Error(err))
		} else {
			logging.Info("Re-render sweep completed",
				zap.Int("refreshed", refreshed), zap.Int("identical", skipped))
		}
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

// parseMSIDParam liest den :msid-Pfadparameter.
func parseMSIDParam(c *gin.Context) (int64, bool) {
	msid, err := strconv.ParseInt(c.Param("msid"), 10, 64)
	if err != nil || msid < 1 {
		apiError(c, http.StatusBadRequest, "BAD_REQUEST", "msid muss eine positive ganze zahl sein")
		return 0, false
	}
	return msid, true
}

// writeNegotiated schreibt das gespeicherte Dokument mit ausgehandeltem
// Content-Type und ggf. Deprecation-Warnung.
func writeNegotiated(c *gin.Context, neg *services.Negotiation, body []byte) {
	if neg.Deprecated {
		c.Header("Warning", `299 article-store "Deprecation: Support for version `+
			strconv.Itoa(neg.Version)+` will be removed"`)
	}
	c.Data(http.StatusOK, neg.ContentType(), body)
}

func setupArticleRoutes(router *gin.Engine, db *gorm.DB, registry *schema.Registry, log *zap.Logger) {
	rg := router.Group("/articles")

	// GET - neueste sichtbare Version eines Artikels
	rg.GET("/:msid", func(c *gin.Context) {
		msid, ok := parseMSIDParam(c)
		if !ok {
			return
		}
		av, err := services.LatestVersion(db, msid, c.GetBool("authenticated"))
		if err != nil {
			if services.KindOf(err) == services.KindNoRecord {
				apiError(c, http.StatusNotFound, "NO_RECORD", "artikel nicht gefunden")
				return
			}
			log.Error("Latest version lookup failed", zap.Int64("msid", msid), zap.Error(err))
			apiError(c, http.StatusInternalServerError, "UNKNOWN", "")
			return
		}
		if len(av.ArticleJSON) == 0 {
			apiError(c, http.StatusNotFound, "NO_RECORD", "artikel hat keine gültige repräsentation")
			return
		}
		neg, ok := services.Negotiate(c.GetHeader("Accept"), av.Status, registry)
		if !ok {
			apiError(c, http.StatusNotAcceptable, "NOT_ACCEPTABLE", "kein akzeptabler content-type")
			return
		}
		writeNegotiated(c, neg, av.ArticleJSON)
	})

	// GET - eine konkrete Version
	rg.GET("/:msid/versions/:version", func(c *gin.Context) {
		msid, ok := parseMSIDParam(c)
		if !ok {
			return
		}
		version, err := strconv.Atoi(c.Param("version"))
		if err != nil || version < 1 {
			apiError(c, http.StatusBadRequest, "BAD_REQUEST", "version muss eine positive ganze zahl sein")
			return
		}
		av, err := services.SpecificVersion(db, msid, version, c.GetBool("authenticated"))
		if err != nil {
			if services.KindOf(err) == services.KindNoRecord {
				apiError(c, http.StatusNotFound, "NO_RECORD", "version nicht gefunden")
				return
			}
			log.Error("Version lookup failed", zap.Int64("msid", msid), zap.Int("version", version), zap.Error(err))
			apiError(c, http.StatusInternalServerError, "UNKNOWN", "")
			return
		}
		if len(av.ArticleJSON) == 0 {
			apiError(c, http.StatusNotFound, "NO_RECORD", "version hat keine gültige repräsentation")
			return
		}
		neg, ok := services.Negotiate(c.GetHeader("Accept"), av.Status, registry)
		if !ok {
			apiError(c, http.StatusNotAcceptable, "NOT_ACCEPTABLE", "kein akzeptabler content-type")
			return
		}
		writeNegotiated(c, neg, av.ArticleJSON)
	})

	// GET - Versionshistorie; Protokoll-Version 2 enthält zusätzlich
	// Reviewed-Preprint-Einträge, Version 1 lässt sie weg.
	rg.GET("/:msid/versions", func(c *gin.Context) {
		msid, ok := parseMSIDParam(c)
		if !ok {
			return
		}
		neg, ok := services.Negotiate(c.GetHeader("Accept"), "history", registry)
		if !ok {
			apiError(c, http.StatusNotAcceptable, "NOT_ACCEPTABLE", "kein akzeptabler content-type")
			return
		}
		article, err := services.ArticleByMSID(db, msid)
		if err != nil {
			apiError(c, statusForKind(services.KindOf(err)), string(services.KindOf(err)), "artikel nicht gefunden")
			return
		}
		authenticated := c.GetBool("authenticated")
		versions, err := services.AllVersions(db, article.ID, authenticated)
		if err != nil {
			log.Error("Version history failed", zap.Int64("msid", msid), zap.Error(err))
			apiError(c, http.StatusInternalServerError, "UNKNOWN", "")
			return
		}
		if len(versions) == 0 {
			apiError(c, http.StatusNotFound, "NO_RECORD", "artikel hat keine sichtbare version")
			return
		}

		var entries []map[string]any
		if neg.Version >= 2 {
			latest := versions[len(versions)-1]
			preprints, err := services.ReviewedPreprints(db, &latest)
			if err != nil {
				log.Error("Reviewed preprint lookup failed", zap.Int64("msid", msid), zap.Error(err))
				apiError(c, http.StatusInternalServerError, "UNKNOWN", "")
				return
			}
			for _, rp := range preprints {
				var content map[string]any
				if err := json.Unmarshal(rp.Content, &content); err == nil {
					entries = append(entries, content)
				}
			}
		}
		for _, av := range versions {
			entries = append(entries, versionSummary(&av))
		}

		response := gin.H{"versions": entries}
		if article.DateInitialQC != nil {
			response["received"] = article.DateInitialQC.UTC().Format("2006-01-02")
		}
		if article.DateAccepted != nil {
			response["accepted"] = article.DateAccepted.UTC().Format("2006-01-02")
		}
		if neg.Deprecated {
			c.Header("Warning", `299 article-store "Deprecation: Support for version `+
				strconv.Itoa(neg.Version)+` will be removed"`)
		}
		c.Header("Content-Type", neg.ContentType())
		c.JSON(http.StatusOK, response)
	})

	// GET - Relationen: interne Snippets, externe Zitationen und (sofern
	// nicht ausgeschlossen) Reviewed Preprints. Hat das Relationsziel eine
	// sichtbare VOR-Version, gewinnt die gegen den Reviewed Preprint.
	rg.GET("/:msid/related", func(c *gin.Context) {
		msid, ok := parseMSIDParam(c)
		if !ok {
			return
		}
		neg, ok := services.Negotiate(c.GetHeader("Accept"), "related", registry)
		if !ok {
			apiError(c, http.StatusNotAcceptable, "NOT_ACCEPTABLE", "kein akzeptabler content-type")
			return
		}
		includePreprints := c.DefaultQuery("reviewed-preprints", "true") != "false"
		authenticated := c.GetBool("authenticated")

		av, err := services.LatestVersion(db, msid, authenticated)
		if err != nil {
			if services.KindOf(err) == services.KindNoRecord {
				apiError(c, http.StatusNotFound, "NO_RECORD", "artikel nicht gefunden")
				return
			}
			log.Error("Related lookup failed", zap.Int64("msid", msid), zap.Error(err))
			apiError(c, http.StatusInternalServerError, "UNKNOWN", "")
			return
		}

		related := []any{}
		vorTargets := map[string]bool{}

		internal, err := services.InternalRelationships(db, av)
		if err != nil {
			log.Error("Internal relationships failed", zap.Int64("msid", msid), zap.Error(err))
			apiError(c, http.StatusInternalServerError, "UNKNOWN", "")
			return
		}
		for _, target := range internal {
			targetAV, err := services.LatestVersion(db, target.MSID, authenticated)
			if err != nil || len(targetAV.ArticleJSONSnippet) == 0 {
				continue
			}
			var snippet map[string]any
			if err := json.Unmarshal(targetAV.ArticleJSONSnippet, &snippet); err != nil {
				continue
			}
			if targetAV.Status == models.StatusVOR {
				vorTargets[strconv.FormatInt(target.MSID, 10)] = true
			}
			related = append(related, snippet)
		}

		citations, err := services.ExternalCitations(db, av)
		if err != nil {
			log.Error("External citations failed", zap.Int64("msid", msid), zap.Error(err))
			apiError(c, http.StatusInternalServerError, "UNKNOWN", "")
			return
		}
		for _, citation := range citations {
			var payload map[string]any
			if err := json.Unmarshal(citation.Citation, &payload); err == nil {
				related = append(related, payload)
			}
		}

		if includePreprints {
			preprints, err := services.ReviewedPreprints(db, av)
			if err != nil {
				log.Error("Reviewed preprints failed", zap.Int64("msid", msid), zap.Error(err))
				apiError(c, http.StatusInternalServerError, "UNKNOWN", "")
				return
			}
			for _, rp := range preprints {
				var content map[string]any
				if err := json.Unmarshal(rp.Content, &content); err != nil {
					continue
				}
				if id := preprintMSID(content["id"]); id != "" && vorTargets[id] {
					continue
				}
				related = append(related, content)
			}
		}

		if neg.Deprecated {
			c.Header("Warning", `299 article-store "Deprecation: Support for version `+
				strconv.Itoa(neg.Version)+` will be removed"`)
		}
		c.Header("Content-Type", neg.ContentType())
		c.JSON(http.StatusOK, related)
	})
}

// preprintMSID normalisiert das id-Feld eines Reviewed-Preprint-Eintrags auf
// die msid-Schreibweise ohne führende Nullen; ids kommen mal gepolstert
// ("05522"), mal nackt ("5522"), mal als Zahl.
func preprintMSID(v any) string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimLeft(t, "0"); s != "" {
			return s
		}
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

// versionSummary baut den Historieneintrag einer Version aus dem
// gespeicherten Snippet; ohne Snippet bleibt ein Minimal-Eintrag.
func versionSummary(av *models.ArticleVersion) map[string]any {
	if len(av.ArticleJSONSnippet) > 0 {
		var snippet map[string]any
		if err := json.Unmarshal(av.ArticleJSONSnippet, &snippet); err == nil {
			return snippet
		}
	}
	summary := map[string]any{
		"version": av.Version,
		"status":  av.Status,
		"stage":   models.StagePreview,
	}
	if av.Published() {
		summary["stage"] = models.StagePublished
		summary["versionDate"] = av.DatetimePublished.UTC().Format("2006-01-02T15:04:05Z")
	}
	return summary
}

func setupFragmentRoutes(router *gin.Engine, db *gorm.DB, merge *services.MergeService, log *zap.Logger) {
	rg := router.Group("/articles/:msid/fragments")

	// POST - Fragment anlegen/erneuern und alle Versionen neu rendern.
	// Ein Ergebnis, das kein Schema mehr erfüllt, rollt den gesamten
	// Schreibvorgang zurück.
	rg.POST("/:type", func(c *gin.Context) {
		if !c.GetBool("authenticated") {
			apiError(c, http.StatusForbidden, "FORBIDDEN", "fragment-schreibzugriff erfordert gateway-berechtigung")
			return
		}
		msid, ok := parseMSIDParam(c)
		if !ok {
			return
		}
		fragmentType := c.Param("type")
		if fragmentType == models.XML2JSONType {
			apiError(c, http.StatusBadRequest, "BAD_REQUEST", "das primordiale fragment ist reserviert")
			return
		}
		if !strings.HasPrefix(c.ContentType(), "application/json") {
			apiError(c, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "fragmente müssen application/json sein")
			return
		}
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			apiError(c, http.StatusBadRequest, "BAD_REQUEST", "fragment ist kein gültiges json-objekt")
			return
		}

		article, err := services.ArticleByMSID(db, msid)
		if err != nil {
			apiError(c, statusForKind(services.KindOf(err)), string(services.KindOf(err)), "artikel nicht gefunden")
			return
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			if err := upsertFragment(tx, article.ID, fragmentType, body); err != nil {
				return err
			}
			return rerenderArticle(tx, merge, article.ID)
		})
		if err != nil {
			log.Warn("Fragment add rejected", zap.Int64("msid", msid),
				zap.String("type", fragmentType), zap.Error(err))
			serviceError(c, err)
			return
		}
		log.Info("Fragment stored", zap.Int64("msid", msid), zap.String("type", fragmentType))
		c.JSON(http.StatusOK, body)
	})

	// DELETE - Fragment entfernen und alle Versionen neu rendern. Das
	// reservierte primordiale Fragment ist immer geschützt, unabhängig vom
	// Authentifizierungszustand.
	rg.DELETE("/:type", func(c *gin.Context) {
		fragmentType := c.Param("type")
		if fragmentType == models.XML2JSONType {
			apiError(c, http.StatusBadRequest, "BAD_REQUEST", "das primordiale fragment kann nicht gelöscht werden")
			return
		}
		if !c.GetBool("authenticated") {
			apiError(c, http.StatusForbidden, "FORBIDDEN", "fragment-schreibzugriff erfordert gateway-berechtigung")
			return
		}
		msid, ok := parseMSIDParam(c)
		if !ok {
			return
		}

		article, err := services.ArticleByMSID(db, msid)
		if err != nil {
			apiError(c, statusForKind(services.KindOf(err)), string(services.KindOf(err)), "artikel nicht gefunden")
			return
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			result := tx.Where("article_id = ? AND type = ? AND version IS NULL", article.ID, fragmentType).
				Delete(&models.ArticleFragment{})
			if result.Error != nil {
				return services.WrapErr(services.KindUnknown, result.Error, "fragment nicht löschbar")
			}
			if result.RowsAffected == 0 {
				return services.Errorf(services.KindNoRecord, "fragment %q existiert nicht", fragmentType)
			}
			return rerenderArticle(tx, merge, article.ID)
		})
		if err != nil {
			log.Warn("Fragment delete rejected", zap.Int64("msid", msid),
				zap.String("type", fragmentType), zap.Error(err))
			serviceError(c, err)
			return
		}
		log.Info("Fragment deleted", zap.Int64("msid", msid), zap.String("type", fragmentType))
		c.Status(http.StatusNoContent)
	})
}

// upsertFragment legt ein artikelweites Fragment an oder erneuert es.
// Neue Fragmente bekommen die nächste freie Position hinter allen
// bestehenden.
func upsertFragment(tx *gorm.DB, articleID uint, fragmentType string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return services.WrapErr(services.KindBadRequest, err, "fragment nicht serialisierbar")
	}

	var existing models.ArticleFragment
	err = tx.Where("article_id = ? AND type = ? AND version IS NULL", articleID, fragmentType).
		First(&existing).Error
	switch {
	case err == nil:
		if err := tx.Model(&existing).Update("fragment", payload).Error; err != nil {
			return services.WrapErr(services.KindUnknown, err, "fragment nicht aktualisierbar")
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		var maxPosition int
		row := tx.Model(&models.ArticleFragment{}).
			Where("article_id = ?", articleID).
			Select("COALESCE(MAX(position), 0)")
		if err := row.Scan(&maxPosition).Error; err != nil {
			return services.WrapErr(services.KindUnknown, err, "fragment-position nicht bestimmbar")
		}
		fragment := models.ArticleFragment{
			ArticleID: articleID,
			Type:      fragmentType,
			Position:  maxPosition + 1,
			Fragment:  payload,
		}
		if err := tx.Create(&fragment).Error; err != nil {
			return services.WrapErr(services.KindUnknown, err, "fragment nicht anlegbar")
		}
	default:
		return services.WrapErr(services.KindUnknown, err, "fragment nicht abrufbar")
	}
	return nil
}

// rerenderArticle rendert jede Version des Artikels neu, nicht-quiet:
// die erste ungültige Version bricht ab und rollt die Transaktion zurück.
func rerenderArticle(tx *gorm.DB, merge *services.MergeService, articleID uint) error {
	versions, err := services.AllVersions(tx, articleID, true)
	if err != nil {
		return err
	}
	for idx := range versions {
		if _, err := merge.SetArticleJSON(tx, &versions[idx], false, false); err != nil &&
			!errors.Is(err, services.ErrIdentical) {
			return err
		}
	}
	return nil
}

// rerenderAllArticles ist der Sweep hinter dem Cron-Job: rendert jede
// Version jedes Artikels quiet neu, Hash-identische werden übersprungen.
func rerenderAllArticles(db *gorm.DB, merge *services.MergeService) (refreshed, identical int, err error) {
	var articleIDs []uint
	if err := db.Model(&models.Article{}).Pluck("id", &articleIDs).Error; err != nil {
		return 0, 0, err
	}
	for _, articleID := range articleIDs {
		err := db.Transaction(func(tx *gorm.DB) error {
			versions, err := services.AllVersions(tx, articleID, true)
			if err != nil {
				return err
			}
			for idx := range versions {
				_, err := merge.SetArticleJSON(tx, &versions[idx], true, true)
				switch {
				case errors.Is(err, services.ErrIdentical):
					identical++
				case err != nil:
					return err
				default:
					refreshed++
				}
			}
			return nil
		})
		if err != nil {
			return refreshed, identical, err
		}
	}
	return refreshed, identical, nil
}

func setupAdminRoutes(router *gin.Engine, ingester *services.Ingester, log *zap.Logger) {
	rg := router.Group("/admin")
	rg.Use(func(c *gin.Context) {
		if !c.GetBool("authenticated") {
			apiError(c, http.StatusForbidden, "FORBIDDEN", "admin-zugriff erfordert gateway-berechtigung")
			c.Abort()
			return
		}
		c.Next()
	})

	flags := func(c *gin.Context) (force, dryRun bool) {
		return c.Query("force") == "true", c.Query("dry-run") == "true"
	}

	// POST - Ingest eines article-json
	rg.POST("/ingest", func(c *gin.Context) {
		force, dryRun := flags(c)
		data, err := c.GetRawData()
		if err != nil {
			apiError(c, http.StatusBadRequest, "BAD_REQUEST", "request-body nicht lesbar")
			return
		}
		result, err := ingester.Ingest(data, force, dryRun)
		if err != nil {
			log.Warn("Ingest rejected", zap.Error(err))
			serviceError(c, err)
			return
		}
		if !dryRun {
			ingestsCounter.Inc()
		}
		c.JSON(http.StatusOK, result)
	})

	// POST - Publish einer ingestierten Version
	rg.POST("/publish/:msid/:version", func(c *gin.Context) {
		force, dryRun := flags(c)
		msid, ok := parseMSIDParam(c)
		if !ok {
			return
		}
		version, err := strconv.Atoi(c.Param("version"))
		if err != nil || version < 1 {
			apiError(c, http.StatusBadRequest, "BAD_REQUEST", "version muss eine positive ganze zahl sein")
			return
		}
		var when *time.Time
		var body struct {
			Datetime string `json:"datetime"`
		}
		if err := c.ShouldBindJSON(&body); err == nil && body.Datetime != "" {
			t, err := time.Parse(time.RFC3339, body.Datetime)
			if err != nil {
				apiError(c, http.StatusBadRequest, "BAD_REQUEST", "datetime muss rfc3339 sein")
				return
			}
			when = &t
		}
		result, err := ingester.Publish(msid, version, when, force, dryRun)
		if err != nil {
			log.Warn("Publish rejected", zap.Int64("msid", msid), zap.Int("version", version), zap.Error(err))
			serviceError(c, err)
			return
		}
		if !dryRun {
			publishesCounter.Inc()
		}
		c.JSON(http.StatusOK, result)
	})

	// POST - atomarer Ingest+Publish
	rg.POST("/ingest-publish", func(c *gin.Context) {
		force, dryRun := flags(c)
		data, err := c.GetRawData()
		if err != nil {
			apiError(c, http.StatusBadRequest, "BAD_REQUEST", "request-body nicht lesbar")
			return
		}
		result, err := ingester.IngestPublish(data, force, dryRun)
		if err != nil {
			log.Warn("Ingest+publish rejected", zap.Error(err))
			serviceError(c, err)
			return
		}
		if !dryRun {
			ingestsCounter.Inc()
			publishesCounter.Inc()
		}
		c.JSON(http.StatusOK, result)
	})
}

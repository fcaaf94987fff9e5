package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort string `envconfig:"HTTP_PORT" default:"4343"`

	// Verzeichnis mit den versionierten JSON-Schemas (<key>.v<N>.json)
	SchemaDir string `envconfig:"SCHEMA_DIR" default:"schemas"`

	// Soll ein fehlendes Relations-Ziel als Stub-Artikel angelegt werden?
	RelatedArticleStubs bool `envconfig:"RELATED_ARTICLE_STUBS" default:"true"`

	// Event-Sink für Ingest/Publish-Benachrichtigungen (leer = deaktiviert)
	EventSinkURL string `envconfig:"EVENT_SINK_URL"`

	// Zeitplan für den nächtlichen Re-Render-Sweep
	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 2 * * *"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}

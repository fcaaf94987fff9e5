package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"article-store/config"
	"article-store/models"
	"article-store/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/kelseyhightower/envconfig"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type BackupConfig struct {
	BackupBucket    string `envconfig:"BACKUP_S3_BUCKET" required:"true"`
	BackupEndpoint  string `envconfig:"BACKUP_S3_ENDPOINT" required:"true"`
	BackupAccessKey string `envconfig:"BACKUP_S3_ACCESS_KEY" required:"true"`
	BackupSecretKey string `envconfig:"BACKUP_S3_SECRET_KEY" required:"true"`
	BackupRegion    string `envconfig:"BACKUP_S3_REGION" required:"true"`
	KeepBackups     int    `envconfig:"KEEP_BACKUPS" default:"4"`
}

const backupPrefix = "articles-"

// exportRow ist eine Zeile des JSONL-Exports: eine veröffentlichte
// Artikel-Version mit ihrer gerenderten Repräsentation.
type exportRow struct {
	MSID              int64           `json:"msid"`
	DOI               string          `json:"doi"`
	Version           int             `json:"version"`
	Status            string          `json:"status"`
	DatetimePublished time.Time       `json:"datetimePublished"`
	ArticleJSON       json.RawMessage `json:"articleJson"`
}

func main() {
	log.Println("Starte Backup-Prozess...")

	var cfg BackupConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Fehler beim Laden der Backup-Konfiguration: %v", err)
	}
	dbCfg, err := config.Load()
	if err != nil {
		log.Fatalf("Fehler beim Laden der Datenbank-Konfiguration: %v", err)
	}

	db, err := gorm.Open(postgres.Open(dbCfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("Fehler beim Verbinden mit der Datenbank: %v", err)
	}

	// 1. Export aller veröffentlichten Versionen erstellen
	dumpData, count, err := createExport(db)
	if err != nil {
		log.Fatalf("Fehler beim Erstellen des Exports: %v", err)
	}
	log.Printf("%d veröffentlichte Versionen exportiert", count)

	// 2. S3-Client erstellen
	settings := storage.S3Settings{
		Endpoint:  cfg.BackupEndpoint,
		Region:    cfg.BackupRegion,
		AccessKey: cfg.BackupAccessKey,
		SecretKey: cfg.BackupSecretKey,
	}
	s3Client, err := storage.NewS3Client(settings)
	if err != nil {
		log.Fatalf("Fehler beim Erstellen des S3-Clients: %v", err)
	}

	// 3. Export nach S3 hochladen
	fileName := fmt.Sprintf("%s%s.jsonl.gz", backupPrefix, time.Now().UTC().Format("2006-01-02T15-04-05Z"))
	link, err := storage.UploadObject(s3Client, settings, cfg.BackupBucket, fileName, dumpData)
	if err != nil {
		log.Fatalf("Fehler beim Hochladen nach S3: %v", err)
	}
	log.Printf("Backup erfolgreich hochgeladen: %s", link)

	// 4. Alte Backups rotieren
	if err := rotateBackups(s3Client, cfg); err != nil {
		log.Fatalf("Fehler bei der Rotation alter Backups: %v", err)
	}

	log.Println("Backup-Prozess erfolgreich abgeschlossen.")
}

// createExport schreibt jede veröffentlichte Artikel-Version als eine
// JSONL-Zeile, gzip-komprimiert.
func createExport(db *gorm.DB) ([]byte, int, error) {
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	encoder := json.NewEncoder(gzipWriter)

	count := 0
	var articles []models.Article
	if err := db.Order("msid asc").Find(&articles).Error; err != nil {
		return nil, 0, err
	}
	for _, article := range articles {
		var versions []models.ArticleVersion
		err := db.Where("article_id = ? AND datetime_published IS NOT NULL", article.ID).
			Order("version asc").Find(&versions).Error
		if err != nil {
			return nil, 0, err
		}
		for _, av := range versions {
			row := exportRow{
				MSID:              article.MSID,
				DOI:               article.DOI,
				Version:           av.Version,
				Status:            av.Status,
				DatetimePublished: av.DatetimePublished.UTC(),
				ArticleJSON:       json.RawMessage(av.ArticleJSON),
			}
			if err := encoder.Encode(row); err != nil {
				return nil, 0, err
			}
			count++
		}
	}

	if err := gzipWriter.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), count, nil
}

func rotateBackups(client *s3.Client, cfg BackupConfig) error {
	output, err := client.ListObjectsV2(context.TODO(), &s3.ListObjectsV2Input{
		Bucket: aws.String(cfg.BackupBucket),
		Prefix: aws.String(backupPrefix),
	})
	if err != nil {
		return err
	}

	var backups []types.Object
	for _, obj := range output.Contents {
		if strings.HasSuffix(*obj.Key, ".jsonl.gz") {
			backups = append(backups, obj)
		}
	}
	if len(backups) <= cfg.KeepBackups {
		log.Printf("Weniger als %d Backups vorhanden, keine Rotation nötig.", cfg.KeepBackups)
		return nil
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].LastModified.After(*backups[j].LastModified)
	})

	for _, obj := range backups[cfg.KeepBackups:] {
		log.Printf("Lösche altes Backup: %s", *obj.Key)
		_, err := client.DeleteObject(context.TODO(), &s3.DeleteObjectInput{
			Bucket: aws.String(cfg.BackupBucket),
			Key:    obj.Key,
		})
		if err != nil {
			log.Printf("Fehler beim Löschen von %s: %v", *obj.Key, err)
		}
	}

	return nil
}

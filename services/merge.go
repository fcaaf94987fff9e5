package services

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"article-store/models"
	"article-store/schema"
)

// MergeService baut aus den Fragmenten einer Artikel-Version das kanonische
// article-json: deterministischer Deep-Merge, abgeleitete Felder, Validierung
// gegen die Schema-Registry und Persistierung inklusive Hash-Short-Circuit.
type MergeService struct {
	Validator *schema.Validator
	Logger    *zap.Logger
}

// NewMergeService erstellt eine neue Instanz des MergeService.
func NewMergeService(validator *schema.Validator, logger *zap.Logger) *MergeService {
	return &MergeService{Validator: validator, Logger: logger}
}

// Merge holt alle Fragmente, die für diese Version gelten (artikelweit plus
// versionsspezifisch), und merged sie links nach rechts: Position aufsteigend,
// bei Gleichstand Einfüge-Reihenfolge. Spätere Fragmente überschreiben
// frühere auf jeder Tiefe; Objekte werden rekursiv gemerged, alles andere
// ersetzt vollständig.
func (m *MergeService) Merge(tx *gorm.DB, av *models.ArticleVersion) (map[string]any, error) {
	var fragments []models.ArticleFragment
	err := tx.
		Where("article_id = ? AND (version IS NULL OR version = ?)", av.ArticleID, av.Version).
		Order("position asc, id asc").
		Find(&fragments).Error
	if err != nil {
		return nil, WrapErr(KindUnknown, err, "fragmente für version %d nicht abrufbar", av.Version)
	}
	if len(fragments) == 0 {
		return nil, Errorf(KindNoRecord, "version %d hat keine fragmente, merge unmöglich", av.Version)
	}

	merged := map[string]any{}
	for _, frag := range fragments {
		var doc map[string]any
		if err := json.Unmarshal(frag.Fragment, &doc); err != nil {
			return nil, WrapErr(KindParseError, err, "fragment %q ist kein json-objekt", frag.Type)
		}
		merged = deepMerge(merged, doc)
	}
	return merged, nil
}

// deepMerge merged src über dst. Map-Werte rekursiv, alle anderen Werte
// (auch leere) ersetzen den bestehenden Wert vollständig.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(dv, sv)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// preProcess injiziert die abgeleiteten Felder published, versionDate,
// statusDate und stage und entfernt interne Schlüssel (führendes "-"), die
// nie nach außen gelangen dürfen.
func (m *MergeService) preProcess(tx *gorm.DB, av *models.ArticleVersion, doc map[string]any) (map[string]any, error) {
	var published *time.Time
	if av.Version == 1 {
		published = av.DatetimePublished
	} else {
		v1, err := VersionRow(tx, av.ArticleID, 1)
		if err != nil && KindOf(err) != KindNoRecord {
			return nil, err
		}
		if v1 != nil {
			published = v1.DatetimePublished
		}
	}

	versionDate := av.DatetimePublished

	var statusDate *time.Time
	if av.Version == 1 || av.Status == models.StatusPOA {
		statusDate = published
	} else {
		// Früheste VOR-Version des Artikels (aufsteigend nach Nummer); gibt
		// es noch keine, ist diese Version selbst die erste VOR.
		earliest, err := EarliestVersionWithStatus(tx, av.ArticleID, models.StatusVOR)
		if err != nil {
			return nil, err
		}
		if earliest != nil {
			statusDate = earliest.DatetimePublished
		} else {
			statusDate = av.DatetimePublished
		}
	}

	setDate := func(key string, t *time.Time) {
		if t != nil {
			doc[key] = t.UTC().Format("2006-01-02T15:04:05Z")
		} else {
			delete(doc, key)
		}
	}
	setDate("published", published)
	setDate("versionDate", versionDate)
	setDate("statusDate", statusDate)

	if av.Published() {
		doc["stage"] = models.StagePublished
	} else {
		doc["stage"] = models.StagePreview
		delete(doc, "versionDate")
		delete(doc, "statusDate")
		if av.Version == 1 {
			delete(doc, "published")
		}
	}

	for key := range doc {
		if len(key) > 0 && key[0] == '-' {
			delete(doc, key)
		}
	}
	return doc, nil
}

// MergeIfValid komponiert Merge, preProcess und Validierung. Welche
// Schema-Familie geprüft wird, bestimmt das status-Feld des Ergebnisses.
// Ein fehlendes oder unbekanntes status-Feld ist Datenkorruption und schlägt
// unabhängig von quiet fehl.
func (m *MergeService) MergeIfValid(tx *gorm.DB, av *models.ArticleVersion, quiet bool) (map[string]any, error) {
	doc, err := m.Merge(tx, av)
	if err != nil {
		return nil, err
	}
	doc, err = m.preProcess(tx, av, doc)
	if err != nil {
		return nil, err
	}

	status, ok := doc["status"].(string)
	if !ok || (status != models.StatusPOA && status != models.StatusVOR) {
		return nil, Errorf(KindParseError,
			"gemergtes dokument für version %d hat kein brauchbares status-feld", av.Version)
	}

	validated, err := m.Validator.Validate(doc, status, quiet)
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return nil, WrapErr(KindInvalid, verr, "version %d erfüllt kein %s-schema", av.Version, status)
		}
		// Schema nicht ladbar o.ä.: Deployment-Fehler, nie verschlucken.
		return nil, err
	}
	return validated, nil
}

// snippetKeys ist die explizite Allow-List der Top-Level-Schlüssel für
// Listen-Ansichten.
var snippetKeys = []string{
	"abstract", "authorLine", "copyright", "doi", "elocationId", "id",
	"image", "impactStatement", "pdf", "published", "researchOrganisms",
	"stage", "status", "statusDate", "subjects", "title", "titlePrefix",
	"type", "version", "versionDate", "volume",
}

// ExtractSnippet projiziert das Dokument auf die Snippet-Allow-List.
// Gibt nil zurück, wenn das Dokument leer ist.
func ExtractSnippet(doc map[string]any) map[string]any {
	if len(doc) == 0 {
		return nil
	}
	snippet := map[string]any{}
	for _, key := range snippetKeys {
		if v, ok := doc[key]; ok {
			snippet[key] = v
		}
	}
	return snippet
}

// SetArticleJSON rendert die Version neu und persistiert {dokument, snippet,
// hash} auf der Versions-Zeile - auch wenn das Dokument nil ist: das löscht
// eine zuvor gültige Repräsentation explizit und markiert die Version als
// nicht ausliefertbar. hashCheck=true meldet identischen Inhalt über
// ErrIdentical, ohne zu schreiben.
func (m *MergeService) SetArticleJSON(tx *gorm.DB, av *models.ArticleVersion, quiet, hashCheck bool) (map[string]any, error) {
	result, err := m.MergeIfValid(tx, av, quiet)
	if err != nil {
		return nil, err
	}

	var docBytes []byte
	var hash string
	if result != nil {
		// encoding/json serialisiert Map-Schlüssel sortiert - der Hash ist
		// damit unabhängig von der Schlüsselreihenfolge der Fragmente.
		docBytes, err = json.Marshal(result)
		if err != nil {
			return nil, WrapErr(KindUnknown, err, "article-json nicht serialisierbar")
		}
		hash = strconv.FormatUint(xxhash.Sum64(docBytes), 16)
	}

	if hashCheck && hash != "" && hash == av.ArticleJSONHash {
		return nil, ErrIdentical
	}

	var snippetBytes []byte
	if snippet := ExtractSnippet(result); snippet != nil {
		validated, err := m.Validator.Validate(snippet, "list", quiet)
		if err != nil {
			var verr *schema.ValidationError
			if errors.As(err, &verr) {
				return nil, WrapErr(KindInvalid, verr, "snippet für version %d erfüllt kein list-schema", av.Version)
			}
			return nil, err
		}
		if validated == nil {
			m.Logger.Warn("snippet erfüllt kein list-schema, wird trotzdem gespeichert",
				zap.Uint("article_id", av.ArticleID),
				zap.Int("version", av.Version))
		}
		snippetBytes, err = json.Marshal(snippet)
		if err != nil {
			return nil, WrapErr(KindUnknown, err, "snippet nicht serialisierbar")
		}
	}

	if result == nil {
		// Kein Fehler: die Invalidierung ist gewollt, aber laut genug loggen,
		// dass der Betrieb sie sieht.
		m.Logger.Error("version hat keine gültige repräsentation mehr, article-json wird geleert",
			zap.Uint("article_id", av.ArticleID),
			zap.Int("version", av.Version))
	}

	updates := map[string]any{
		"article_json":         docBytes,
		"article_json_snippet": snippetBytes,
		"article_json_hash":    hash,
	}
	if err := tx.Model(av).Updates(updates).Error; err != nil {
		return nil, WrapErr(KindUnknown, err, "article-json für version %d nicht speicherbar", av.Version)
	}
	av.ArticleJSON = docBytes
	av.ArticleJSONSnippet = snippetBytes
	av.ArticleJSONHash = hash

	return result, nil
}

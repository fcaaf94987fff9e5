package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Entry ist ein (Version, Schema)-Paar innerhalb eines Content-Type-Keys.
type Entry struct {
	Version int
	Schema  *jsonschema.Schema
}

// Registry hält pro Content-Type-Key die geordnete Liste der Schemas,
// neueste Version zuerst. Wird einmal beim Prozess-Start gebaut und danach
// nicht mehr verändert - dadurch ohne Synchronisation parallel lesbar.
type Registry struct {
	byKey map[string][]Entry
}

// NewRegistry erstellt eine leere Registry.
func NewRegistry() *Registry {
	return &Registry{byKey: map[string][]Entry{}}
}

// Add fügt ein Schema ein und hält die Liste absteigend nach Version
// sortiert. Nur während der Boot-Phase aufrufen.
func (r *Registry) Add(key string, version int, s *jsonschema.Schema) {
	entries := append(r.byKey[key], Entry{Version: version, Schema: s})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Version > entries[j].Version })
	r.byKey[key] = entries
}

// VersionsFor gibt die Schema-Liste für einen Key zurück, neueste zuerst.
func (r *Registry) VersionsFor(key string) []Entry {
	return r.byKey[key]
}

// CurrentVersion gibt die neueste registrierte Version für einen Key zurück.
func (r *Registry) CurrentVersion(key string) (int, bool) {
	entries := r.byKey[key]
	if len(entries) == 0 {
		return 0, false
	}
	return entries[0].Version, true
}

// Has meldet, ob für den Key mindestens ein Schema registriert ist.
func (r *Registry) Has(key string) bool {
	return len(r.byKey[key]) > 0
}

// Keys gibt alle registrierten Content-Type-Keys zurück (sortiert).
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var schemaFilePattern = regexp.MustCompile(`^([a-z][a-z0-9-]*)\.v([0-9]+)\.json$`)

// LoadDir baut die Registry aus einem Verzeichnis mit Dateien der Form
// <key>.v<N>.json. Eine nicht ladbare Schema-Datei ist ein Deployment-Fehler
// und bricht den Boot ab.
func LoadDir(dir string) (*Registry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("schema-verzeichnis %q nicht lesbar: %w", dir, err)
	}

	reg := NewRegistry()
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		m := schemaFilePattern.FindStringSubmatch(f.Name())
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[2])
		if err != nil || version < 1 {
			return nil, fmt.Errorf("ungültige schema-version in %q", f.Name())
		}
		compiled, err := jsonschema.Compile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, fmt.Errorf("schema %q nicht kompilierbar: %w", f.Name(), err)
		}
		reg.Add(m[1], version, compiled)
	}
	if len(reg.byKey) == 0 {
		return nil, fmt.Errorf("keine schemas in %q gefunden", dir)
	}
	return reg, nil
}

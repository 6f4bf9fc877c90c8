package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kartikbazzad/durabase/internal/util"
)

// Registry holds every registered schema. Lookup is exact (id, version);
// registered schemas are immutable and re-registration of a pair is
// rejected. The registry itself is immutable after startup except for
// explicit Register calls, which are serialized by the engine's global lock.
type Registry struct {
	dir     string
	schemas map[string]*Schema
}

// NewRegistry creates an empty registry rooted at dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, schemas: make(map[string]*Schema)}
}

// LoadDir loads every *.json schema declaration under dir. Called once at
// startup, before recovery replays the WAL.
func LoadDir(dir string) (*Registry, error) {
	r := NewRegistry(dir)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create schema directory: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema directory: %w", err)
	}

	// Deterministic load order.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read schema file %s: %w", name, err)
		}
		var s Schema
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("parse schema file %s: %w", name, err)
		}
		if err := r.register(&s); err != nil {
			return nil, fmt.Errorf("load schema file %s: %w", name, err)
		}
	}

	return r, nil
}

// register validates, compiles, and stores a schema in memory.
func (r *Registry) register(s *Schema) error {
	if err := s.checkDeclaration(); err != nil {
		return err
	}
	if _, exists := r.schemas[s.Key()]; exists {
		return util.Rejectf(util.CodeSchemaImmutable,
			"schema %s %s is already registered", s.ID, s.Version)
	}
	if err := s.compile(); err != nil {
		return err
	}
	r.schemas[s.Key()] = s
	return nil
}

// Register registers a new (id, version) schema and persists its declaration
// under the registry directory. A new version of an existing id is a
// distinct entity; overwriting an existing pair is rejected.
func (r *Registry) Register(s *Schema) error {
	if err := r.register(s); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		delete(r.schemas, s.Key())
		return fmt.Errorf("marshal schema %s: %w", s.Key(), err)
	}
	path := filepath.Join(r.dir, s.FileName())
	if err := os.WriteFile(path, raw, 0644); err != nil {
		delete(r.schemas, s.Key())
		return fmt.Errorf("persist schema %s: %w", s.Key(), err)
	}
	f, err := os.Open(path)
	if err == nil {
		f.Sync()
		f.Close()
	}
	return nil
}

// Get returns the schema for an exact (id, version) pair.
func (r *Registry) Get(id, version string) (*Schema, error) {
	if id == "" || version == "" {
		return nil, util.Reject(util.CodeSchemaRequired, "schema id and version are required")
	}
	s, ok := r.schemas[Key(id, version)]
	if !ok {
		if r.hasID(id) {
			return nil, util.Rejectf(util.CodeUnknownSchemaVersion,
				"schema %s has no version %s", id, version)
		}
		return nil, util.Rejectf(util.CodeUnknownSchema, "schema %s is not registered", id)
	}
	return s, nil
}

// Has reports whether the exact (id, version) pair is registered.
func (r *Registry) Has(id, version string) bool {
	_, ok := r.schemas[Key(id, version)]
	return ok
}

func (r *Registry) hasID(id string) bool {
	for _, s := range r.schemas {
		if s.ID == id {
			return true
		}
	}
	return false
}

// All returns every registered schema in deterministic key order.
func (r *Registry) All() []*Schema {
	keys := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*Schema, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.schemas[k])
	}
	return out
}

// Dir returns the registry's backing directory.
func (r *Registry) Dir() string {
	return r.dir
}

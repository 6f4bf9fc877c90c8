// Package index implements the in-memory B-tree indexes over indexed
// document fields.
//
// Indexes are always derived: never persisted, rebuilt from storage during
// recovery. Each (collection, field) pair maps field values to storage
// offsets, ordered by the engine's deterministic value ranking so lookups
// emit candidates in a stable order.
package index

import (
	"fmt"

	"github.com/google/btree"

	"github.com/kartikbazzad/durabase/internal/query"
	"github.com/kartikbazzad/durabase/internal/record"
)

// entry is one index entry: an indexed field value pointing at the storage
// offset of the document that carries it.
type entry struct {
	value  interface{}
	offset int64
}

func entryLess(a, b entry) bool {
	if c := query.CompareValues(a.value, b.value); c != 0 {
		return c < 0
	}
	return a.offset < b.offset
}

const btreeDegree = 16

// Manager owns every index tree, keyed by (collection, field).
type Manager struct {
	trees map[string]*btree.BTreeG[entry]
}

// NewManager creates an empty index manager.
func NewManager() *Manager {
	return &Manager{trees: make(map[string]*btree.BTreeG[entry])}
}

func treeKey(collection, field string) string {
	return collection + "\x00" + field
}

func (m *Manager) tree(collection, field string, create bool) *btree.BTreeG[entry] {
	k := treeKey(collection, field)
	t, ok := m.trees[k]
	if !ok && create {
		t = btree.NewG(btreeDegree, entryLess)
		m.trees[k] = t
	}
	return t
}

// Insert adds an entry for value -> offset.
func (m *Manager) Insert(collection, field string, value interface{}, offset int64) {
	m.tree(collection, field, true).ReplaceOrInsert(entry{value: value, offset: offset})
}

// Remove drops the entry for value -> offset, if present.
func (m *Manager) Remove(collection, field string, value interface{}, offset int64) {
	if t := m.tree(collection, field, false); t != nil {
		t.Delete(entry{value: value, offset: offset})
	}
}

// Lookup returns the storage offsets whose indexed value satisfies the
// predicate, in value order (offset order within equal values).
func (m *Manager) Lookup(collection, field, op string, value interface{}) []int64 {
	t := m.tree(collection, field, false)
	if t == nil {
		return nil
	}

	var offsets []int64
	collect := func(e entry) bool {
		offsets = append(offsets, e.offset)
		return true
	}

	switch op {
	case "eq":
		t.AscendGreaterOrEqual(entry{value: value, offset: -1 << 62}, func(e entry) bool {
			if query.CompareValues(e.value, value) != 0 {
				return false
			}
			return collect(e)
		})
	case "gt":
		t.AscendGreaterOrEqual(entry{value: value, offset: -1 << 62}, func(e entry) bool {
			if query.CompareValues(e.value, value) == 0 {
				return true // skip equal values
			}
			if query.TypeRank(e.value) != query.TypeRank(value) {
				return false // past the typed range
			}
			return collect(e)
		})
	case "gte":
		t.AscendGreaterOrEqual(entry{value: value, offset: -1 << 62}, func(e entry) bool {
			if query.TypeRank(e.value) != query.TypeRank(value) {
				return false
			}
			return collect(e)
		})
	case "lt":
		t.Ascend(func(e entry) bool {
			if query.CompareValues(e.value, value) >= 0 {
				return false
			}
			if query.TypeRank(e.value) != query.TypeRank(value) {
				return true // below the typed range, keep scanning
			}
			return collect(e)
		})
	case "lte":
		t.Ascend(func(e entry) bool {
			if query.CompareValues(e.value, value) > 0 {
				return false
			}
			if query.TypeRank(e.value) != query.TypeRank(value) {
				return true
			}
			return collect(e)
		})
	}

	return offsets
}

// Len returns the entry count of one index, for inspection.
func (m *Manager) Len(collection, field string) int {
	if t := m.tree(collection, field, false); t != nil {
		return t.Len()
	}
	return 0
}

// Reset discards every tree.
func (m *Manager) Reset() {
	m.trees = make(map[string]*btree.BTreeG[entry])
}

// SchemaSource resolves the field declarations a record's index entries are
// derived from. Satisfied by the schema registry.
type SchemaSource interface {
	IndexedFieldsFor(schemaID, schemaVersion string) ([]string, error)
}

// Apply maintains index entries for one storage record. prev is the previous
// live record for the same key (nil for a fresh insert); its entries are
// removed before the new ones are added, so updates re-point and tombstones
// remove.
func (m *Manager) Apply(src SchemaSource, rec *record.Record, offset int64, prev *record.Record, prevOffset int64) error {
	if prev != nil {
		if err := m.removeEntries(src, prev, prevOffset); err != nil {
			return err
		}
	}
	if rec.Type == record.TypeDelete {
		return nil
	}
	return m.addEntries(src, rec, offset)
}

func (m *Manager) addEntries(src SchemaSource, rec *record.Record, offset int64) error {
	doc, fields, err := recordFields(src, rec)
	if err != nil {
		return err
	}
	m.Insert(rec.Collection, "_id", rec.Key, offset)
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			m.Insert(rec.Collection, f, v, offset)
		}
	}
	return nil
}

func (m *Manager) removeEntries(src SchemaSource, rec *record.Record, offset int64) error {
	doc, fields, err := recordFields(src, rec)
	if err != nil {
		return err
	}
	m.Remove(rec.Collection, "_id", rec.Key, offset)
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			m.Remove(rec.Collection, f, v, offset)
		}
	}
	return nil
}

func recordFields(src SchemaSource, rec *record.Record) (map[string]interface{}, []string, error) {
	fields, err := src.IndexedFieldsFor(rec.SchemaID, rec.SchemaVersion)
	if err != nil {
		return nil, nil, err
	}
	doc, err := record.DecodeDocument(rec.Document)
	if err != nil {
		return nil, nil, fmt.Errorf("index entries for %s: %w", rec.Key, err)
	}
	return doc, fields, nil
}

// RebuildFromStorage discards every tree and derives the index set from a
// full storage scan: inserts and updates re-point, tombstones remove. Given
// identical storage, the result is identical regardless of history.
func (m *Manager) RebuildFromStorage(src SchemaSource, st Scanner) error {
	m.Reset()

	type live struct {
		rec    *record.Record
		offset int64
	}
	heads := make(map[string]live)

	err := st.Scan(func(offset int64, rec *record.Record) error {
		if prev, ok := heads[rec.Key]; ok {
			if err := m.removeEntries(src, prev.rec, prev.offset); err != nil {
				return err
			}
		}
		if rec.Type == record.TypeDelete {
			delete(heads, rec.Key)
			return nil
		}
		heads[rec.Key] = live{rec: rec, offset: offset}
		return m.addEntries(src, rec, offset)
	})
	if err != nil {
		return err
	}
	return nil
}

// Scanner is the slice of the storage API the rebuild needs.
type Scanner interface {
	Scan(fn func(offset int64, rec *record.Record) error) error
}

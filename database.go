// Package durabase implements a single-writer, schema-strict document
// database with deterministic, crash-safe behavior.
//
// Key properties:
//   - Every mutation is WAL-logged and fsynced before it is acknowledged.
//   - Every persisted record is CRC32-framed; corruption halts the engine.
//   - Documents are validated against immutable (id, version) schemas.
//   - Queries are planned deterministically and always bounded.
//   - The same write history recovered twice produces bit-identical state.
//
// Architecture:
// The engine is a strict dependency DAG. A single global execution lock
// serializes every request against every other request:
//  1. Database: coordinator, recovery, and the request handler.
//  2. WAL / Storage: append-only durable files sharing one record codec.
//  3. Index manager: derived in-memory B-trees, rebuilt from storage.
//  4. MVCC: commit authority, version chains, read views.
//  5. Planner / Executor: deterministic bounded query pipeline.
//  6. Snapshot / Checkpoint / Backup: point-in-time durable copies.
//  7. Replication: single-writer authority and WAL-prefix streaming.
package durabase

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/kartikbazzad/durabase/internal/fsio"
	"github.com/kartikbazzad/durabase/internal/index"
	"github.com/kartikbazzad/durabase/internal/logger"
	"github.com/kartikbazzad/durabase/internal/query"
	"github.com/kartikbazzad/durabase/internal/record"
	"github.com/kartikbazzad/durabase/internal/snapshot"
	"github.com/kartikbazzad/durabase/internal/storage"
	"github.com/kartikbazzad/durabase/internal/util"
	"github.com/kartikbazzad/durabase/internal/wal"
	"github.com/kartikbazzad/durabase/mvcc"
	"github.com/kartikbazzad/durabase/replication"
	"github.com/kartikbazzad/durabase/schema"
)

// docHead is the live physical record for a key.
type docHead struct {
	offset int64
	rec    *record.Record
}

// Database is a durabase instance. It owns every subsystem and the global
// execution lock that serializes all core state changes and all reads.
type Database struct {
	opts *Options

	mu sync.Mutex // the global execution lock

	wal       *wal.WAL
	store     *storage.Storage
	schemas   *schema.Registry
	indexes   *index.Manager
	versions  *mvcc.Store
	commits   *mvcc.CommitAuthority
	authority *replication.Authority

	planner  *query.Planner
	executor *query.Executor

	// heads maps each live key to its current physical record. Derived from
	// storage during recovery, maintained on every mutation.
	heads map[string]docHead

	log *slog.Logger

	halted  bool
	haltErr error
	closed  bool
}

// registrySource adapts the schema registry for the index manager. An
// unresolvable schema reference during a rebuild is the fatal
// RecoverySchemaMissing condition.
type registrySource struct {
	reg *schema.Registry
}

func (r registrySource) IndexedFieldsFor(schemaID, schemaVersion string) ([]string, error) {
	s, err := r.reg.Get(schemaID, schemaVersion)
	if err != nil {
		return nil, util.Fatal(util.CodeRecoverySchemaMissing,
			fmt.Sprintf("schema %s %s is not resolvable", schemaID, schemaVersion), err)
	}
	return s.IndexedFields(), nil
}

// Open opens a database at the given path with the provided options.
//
// It initializes all subsystems, then runs recovery exactly once before any
// request handling: schemas load, the WAL is replayed idempotently into
// storage, indexes are rebuilt from storage, and a full consistency scan
// verifies every checksum and schema reference. No partial startup is
// permitted; any failure aborts Open and the process must not serve.
func Open(opts *Options) (*Database, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db := &Database{
		opts:     opts,
		indexes:  index.NewManager(),
		versions: mvcc.NewStore(),
		heads:    make(map[string]docHead),
		log:      logger.Component("engine"),
	}

	// 1. Load all schemas.
	reg, err := schema.LoadDir(opts.schemaDir())
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	db.schemas = reg
	db.planner = query.NewPlanner(reg)

	// Open the durable files.
	store, err := storage.Open(opts.storagePath())
	if err != nil {
		return nil, err
	}
	db.store = store

	w, err := wal.Open(opts.walDir())
	if err != nil {
		store.Close()
		return nil, err
	}
	db.wal = w

	// 2-7. Replay, rebuild, verify, transition to serving.
	if err := db.recover(); err != nil {
		w.Close()
		store.Close()
		return nil, err
	}

	db.executor = query.NewExecutor(db.indexes, db.store, db.versions)

	// Resolve write authority from configuration and the durable marker.
	authority, err := replication.LoadAuthority(opts.Path, opts.Replication)
	if err != nil {
		w.Close()
		store.Close()
		return nil, err
	}
	db.authority = authority

	db.log.Info("serving",
		"authority", authority.State().String(),
		"documents", len(db.heads),
		"wal_epoch", w.Epoch())
	return db, nil
}

// recover runs the startup recovery sequence. Strict order: WAL replay into
// storage, index rebuild, consistency verification, shutdown marker removal.
func (db *Database) recover() error {
	// The WAL learns its epoch from its own records; an empty post-truncate
	// log learns it from storage or the checkpoint marker instead.
	marker, err := snapshot.ReadCheckpointMarker(db.opts.Path)
	if err != nil {
		return util.Fatal(util.CodeVerificationFailed, "checkpoint marker unreadable", err)
	}
	maxEpoch, maxSeq := db.store.MaxApplied()
	if db.wal.Size() == 0 {
		if db.store.Size() > 0 {
			db.wal.RaiseEpoch(maxEpoch + 1)
		} else if marker != nil {
			db.wal.RaiseEpoch(marker.Epoch)
		}
	}

	// 2-3. Sequential replay from byte 0. A record at or below storage's
	// applied watermark is already reflected and replays as a no-op.
	reader, err := db.wal.Reader()
	if err != nil {
		return err
	}
	defer reader.Close()

	replayed := 0
	for {
		rec, _, err := reader.Next()
		if err == wal.ErrEndOfLog {
			break
		}
		if err != nil {
			return err // WalCorruption, fatal
		}
		if !rec.SeqAfter(maxEpoch, maxSeq) {
			continue
		}
		if _, err := db.store.Write(rec); err != nil {
			return util.Fatal(util.CodeStorageIOFailed, "replay write failed", err)
		}
		replayed++
	}
	if replayed > 0 {
		if err := db.store.Sync(); err != nil {
			return util.Fatal(util.CodeStorageIOFailed, "replay sync failed", err)
		}
	}

	// 4. Indexes are a pure function of storage; rebuild them.
	src := registrySource{reg: db.schemas}
	if err := db.indexes.RebuildFromStorage(src, db.store); err != nil {
		return err
	}

	// 5. Consistency verification: full scan, every checksum verified by the
	// codec, every schema reference resolved. The same pass derives the live
	// heads; the version chains are then seeded from the heads in sorted key
	// order, so the recovered in-memory state is a pure function of the heap.
	db.heads = make(map[string]docHead)
	err = db.store.Scan(func(offset int64, rec *record.Record) error {
		if !db.schemas.Has(rec.SchemaID, rec.SchemaVersion) {
			return util.Fatal(util.CodeRecoverySchemaMissing,
				fmt.Sprintf("document %s references unknown schema %s %s",
					rec.Key, rec.SchemaID, rec.SchemaVersion), nil)
		}
		if rec.Type == record.TypeDelete {
			delete(db.heads, rec.Key)
			return nil
		}
		db.heads[rec.Key] = docHead{offset: offset, rec: rec}
		return nil
	})
	if err != nil {
		if util.IsFatal(err) {
			return err
		}
		return util.Fatal(util.CodeVerificationFailed, "post-recovery scan failed", err)
	}

	db.commits = mvcc.NewCommitAuthority(0)
	db.versions = mvcc.NewStore()
	for _, key := range sortedHeadKeys(db.heads) {
		h := db.heads[key]
		if err := db.versions.Publish(key, h.offset, false, db.commits.Next()); err != nil {
			return util.Fatal(util.CodeVerificationFailed, "version seed failed", err)
		}
	}

	// 6. A clean shutdown marker is consumed here; its absence afterwards
	// means recovery ran.
	if err := os.Remove(db.opts.cleanShutdownPath()); err != nil && !os.IsNotExist(err) {
		return util.Fatal(util.CodeVerificationFailed, "clean shutdown marker removal failed", err)
	}

	db.log.Info("recovery complete",
		"replayed", replayed,
		"documents", len(db.heads))
	return nil
}

func sortedHeadKeys(heads map[string]docHead) []string {
	keys := make([]string, 0, len(heads))
	for k := range heads {
		keys = append(keys, k)
	}
	// Storage order would equally do; sorted order keeps the seeding
	// deterministic without carrying scan positions around.
	sort.Strings(keys)
	return keys
}

// Close writes the clean shutdown marker and releases every file handle.
// The marker is written only after a final WAL and storage sync.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return fmt.Errorf("database already closed")
	}
	db.closed = true

	if !db.halted {
		if err := db.wal.Sync(); err != nil {
			return err
		}
		if err := db.store.Sync(); err != nil {
			return err
		}
		if err := fsio.WriteFileDurable(db.opts.cleanShutdownPath(), []byte(time.Now().UTC().Format(time.RFC3339)+"\n")); err != nil {
			return err
		}
	}

	if err := db.wal.Close(); err != nil {
		return fmt.Errorf("close WAL: %w", err)
	}
	if err := db.store.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	return nil
}

// Authority exposes the node's replication authority.
func (db *Database) Authority() *replication.Authority {
	return db.authority
}

// Registry exposes the schema registry for read-only inspection.
func (db *Database) Registry() *schema.Registry {
	return db.schemas
}

// Halted reports whether a fatal condition stopped the engine, and why.
func (db *Database) Halted() (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.halted, db.haltErr
}

// haltLocked records a fatal condition. Every subsequent request is refused;
// the process is expected to exit rather than mis-serve.
func (db *Database) haltLocked(err error) {
	if !db.halted {
		db.halted = true
		db.haltErr = err
		db.log.Error("engine halted", "error", err)
	}
}

// Stats is a read-only snapshot of engine state.
type Stats struct {
	Documents    int    `json:"documents"`
	WalSize      int64  `json:"wal_size"`
	WalEpoch     uint64 `json:"wal_epoch"`
	StorageSize  int64  `json:"storage_size"`
	LastCommitID uint64 `json:"last_commit_id"`
	Authority    string `json:"authority"`
	Halted       bool   `json:"halted"`
}

// Stats reports engine counters under the global lock.
func (db *Database) Stats() Stats {
	db.mu.Lock()
	defer db.mu.Unlock()

	return Stats{
		Documents:    len(db.heads),
		WalSize:      db.wal.Size(),
		WalEpoch:     db.wal.Epoch(),
		StorageSize:  db.store.Size(),
		LastCommitID: uint64(db.commits.Current()),
		Authority:    db.authority.State().String(),
		Halted:       db.halted,
	}
}

package durabase

import (
	"fmt"
	"io"
	"os"

	"github.com/kartikbazzad/durabase/internal/query"
	"github.com/kartikbazzad/durabase/internal/record"
	"github.com/kartikbazzad/durabase/internal/snapshot"
	"github.com/kartikbazzad/durabase/internal/storage"
	"github.com/kartikbazzad/durabase/internal/util"
	"github.com/kartikbazzad/durabase/internal/wal"
	"github.com/kartikbazzad/durabase/mvcc"
	"github.com/kartikbazzad/durabase/replication"
	"github.com/kartikbazzad/durabase/schema"
	"github.com/kartikbazzad/durabase/wire"
)

// Snapshot creates a durable point-in-time copy of storage and schemas
// under snapshots/<id>. Synchronous and foreground: the global lock is held
// throughout. Failure is an Error, not fatal; serving continues.
func (db *Database) Snapshot() (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.snapshotLocked()
}

func (db *Database) snapshotLocked() (string, error) {
	if db.halted {
		return "", util.Fatal(util.CodeEngineHalted, "engine halted on a fatal condition", db.haltErr)
	}

	if err := db.wal.Sync(); err != nil {
		return "", util.Failure(util.CodeSnapshotFailed, "WAL sync before snapshot failed", err)
	}

	now := db.opts.clock()
	id := snapshot.NewID(now)
	if err := snapshot.Create(db.opts.Path, db.opts.schemaDir(), id, now); err != nil {
		return "", util.Failure(util.CodeSnapshotFailed, "snapshot creation failed", err)
	}
	db.log.Info("snapshot created", "snapshot_id", id)
	return id, nil
}

// Checkpoint creates a snapshot, durably records the checkpoint marker, and
// truncates the WAL. The new WAL is empty with sequences reset to 1 in a
// fresh epoch.
//
// Crash ordering is covered by recovery: a crash before the marker leaves
// the snapshot ignored and the WAL replayed normally; after the marker but
// before the truncate, replay finds every WAL record already reflected in
// storage; after the truncate, the empty WAL makes recovery trivial.
func (db *Database) Checkpoint() (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	id, err := db.snapshotLocked()
	if err != nil {
		if e, ok := util.AsError(err); ok && e.Severity == util.SeverityError {
			return "", util.Failure(util.CodeCheckpointFailed, "checkpoint snapshot failed", e)
		}
		return "", err
	}

	if err := snapshot.WriteCheckpointMarker(db.opts.Path, id, db.wal.Epoch()+1, db.opts.clock()); err != nil {
		return "", util.Failure(util.CodeCheckpointFailed, "checkpoint marker write failed", err)
	}
	if err := db.wal.Truncate(); err != nil {
		return "", util.Failure(util.CodeCheckpointFailed, "WAL truncate failed", err)
	}

	// Checkpoint is the natural quiescent point to reclaim versions no live
	// read view can observe.
	reclaimed := db.versions.GC(db.commits.Current())

	db.log.Info("checkpoint complete",
		"snapshot_id", id,
		"wal_epoch", db.wal.Epoch(),
		"versions_reclaimed", reclaimed)
	return id, nil
}

// Backup packages the latest snapshot and the WAL tail into an uncompressed
// tar at outPath. Read-only under the global lock; it never modifies WAL,
// storage, indexes, or schemas.
func (db *Database) Backup(outPath string) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.halted {
		return "", util.Fatal(util.CodeEngineHalted, "engine halted on a fatal condition", db.haltErr)
	}

	if err := db.wal.Sync(); err != nil {
		return "", util.Failure(util.CodeBackupFailed, "WAL sync before backup failed", err)
	}

	id, err := snapshot.Backup(db.opts.Path, db.wal.Path(), outPath, db.opts.clock())
	if err != nil {
		return "", util.Failure(util.CodeBackupFailed, "backup failed", err)
	}
	db.log.Info("backup written", "backup_id", id, "path", outPath)
	return id, nil
}

// Restore installs a backup archive into an empty data directory. It is a
// package-level operation: the database at that path must not be open. The
// subsequent Open runs normal recovery over the installed state.
func Restore(archivePath, dataDir string) error {
	opts := DefaultOptions(dataDir)
	return snapshot.Restore(archivePath, dataDir, opts.schemaDir(), opts.walDir())
}

// Promote runs the operator-initiated promotion protocol on this node.
func (db *Database) Promote(req wire.PromoteRequest, checks replication.PromotionChecks) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.authority.Promote(replication.PromotionRequest{
		Force:                  req.Force,
		ConfirmDualPrimaryRisk: req.ConfirmDualPrimaryRisk,
	}, checks, db.opts.clock())
	if err != nil {
		return err
	}
	db.log.Info("promotion complete", "authority", db.authority.State().String())
	return nil
}

// RegisterSchema registers a new immutable (id, version) schema.
func (db *Database) RegisterSchema(s *schema.Schema) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.authority.AdmitWrite(); err != nil {
		return err
	}
	return db.schemas.Register(s)
}

// LastApplied returns the newest WAL position reflected in storage. The
// replication receiver resumes streaming from here.
func (db *Database) LastApplied() (epoch, seq uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.store.MaxApplied()
}

// ApplyReplicated applies one streamed WAL record through the same durable
// path as a local write: replica WAL append and fsync, storage append and
// fsync, index re-point, version publish. The caller (the receiver loop) has
// already verified the frame checksum and the WAL-prefix rule.
func (db *Database) ApplyReplicated(rec *record.Record) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.halted {
		return util.Fatal(util.CodeEngineHalted, "engine halted on a fatal condition", db.haltErr)
	}

	if _, err := db.wal.AppendExisting(rec); err != nil {
		ferr := util.Fatal(util.CodeWalIOFailed, "replica WAL append failed", err)
		db.haltLocked(ferr)
		return ferr
	}
	if err := db.wal.Sync(); err != nil {
		ferr := util.Fatal(util.CodeWalIOFailed, "replica WAL fsync failed", err)
		db.haltLocked(ferr)
		return ferr
	}

	var prev *docHead
	if h, ok := db.heads[rec.Key]; ok {
		prev = &h
	}
	return db.commitReplicatedLocked(rec, prev)
}

// commitReplicatedLocked finishes the storage/index/version portion of a
// replicated apply. Identical to the local path after the WAL stage.
func (db *Database) commitReplicatedLocked(rec *record.Record, prev *docHead) error {
	offset, err := db.store.Write(rec)
	if err != nil {
		ferr := util.Fatal(util.CodeStorageIOFailed, "replica storage append failed", err)
		db.haltLocked(ferr)
		return ferr
	}
	if err := db.store.Sync(); err != nil {
		ferr := util.Fatal(util.CodeStorageIOFailed, "replica storage fsync failed", err)
		db.haltLocked(ferr)
		return ferr
	}

	src := registrySource{reg: db.schemas}
	var prevRec *record.Record
	var prevOff int64
	if prev != nil {
		prevRec, prevOff = prev.rec, prev.offset
	}
	if err := db.indexes.Apply(src, rec, offset, prevRec, prevOff); err != nil {
		ferr := util.Fatal(util.CodeVerificationFailed, "replica index maintenance failed", err)
		db.haltLocked(ferr)
		return ferr
	}

	cid := db.commits.Next()
	if err := db.versions.Publish(rec.Key, offset, rec.Type == record.TypeDelete, cid); err != nil {
		ferr := util.Fatal(util.CodeVerificationFailed, "replica version publish failed", err)
		db.haltLocked(ferr)
		return ferr
	}

	if rec.Type == record.TypeDelete {
		delete(db.heads, rec.Key)
	} else {
		db.heads[rec.Key] = docHead{offset: offset, rec: rec}
	}
	return nil
}

// InstallSnapshot atomically replaces local state with a streamed snapshot
// archive: storage and schemas are installed, the local WAL is truncated,
// and indexes, heads, and version chains are rebuilt. Used when this replica
// is too far behind for WAL streaming.
func (db *Database) InstallSnapshot(archive io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.halted {
		return util.Fatal(util.CodeEngineHalted, "engine halted on a fatal condition", db.haltErr)
	}

	staged, err := snapshot.StageArchive(db.opts.Path, archive)
	if err != nil {
		return util.Failure(util.CodeReplicationHalted, "snapshot staging failed", err)
	}
	defer os.RemoveAll(staged)

	// Swap storage under closed handles.
	if err := db.store.Close(); err != nil {
		return util.Failure(util.CodeReplicationHalted, "storage close failed", err)
	}
	if err := snapshot.InstallStaged(staged, db.opts.Path, db.opts.schemaDir()); err != nil {
		return util.Failure(util.CodeReplicationHalted, "snapshot install failed", err)
	}

	store, err := storage.Open(db.opts.storagePath())
	if err != nil {
		return err
	}
	db.store = store

	// The WAL restarts beyond the snapshot's position; streamed records
	// carry their own (epoch, sequence).
	if err := db.wal.Truncate(); err != nil {
		return util.Failure(util.CodeReplicationHalted, "WAL truncate failed", err)
	}
	maxEpoch, _ := store.MaxApplied()
	db.wal.RaiseEpoch(maxEpoch)

	// Reload schemas and rebuild derived state from the installed heap.
	reg, err := schema.LoadDir(db.opts.schemaDir())
	if err != nil {
		return fmt.Errorf("reload schemas: %w", err)
	}
	db.schemas = reg
	if err := db.recoverDerivedState(); err != nil {
		return err
	}

	db.log.Info("snapshot installed", "documents", len(db.heads))
	return nil
}

// recoverDerivedState rebuilds indexes, heads, and version chains from the
// current heap. Used by snapshot install; recovery performs the same
// rebuild inline alongside its schema-reference checks.
func (db *Database) recoverDerivedState() error {
	src := registrySource{reg: db.schemas}
	if err := db.indexes.RebuildFromStorage(src, db.store); err != nil {
		return err
	}

	db.heads = make(map[string]docHead)
	err := db.store.Scan(func(offset int64, rec *record.Record) error {
		if rec.Type == record.TypeDelete {
			delete(db.heads, rec.Key)
			return nil
		}
		db.heads[rec.Key] = docHead{offset: offset, rec: rec}
		return nil
	})
	if err != nil {
		return err
	}

	db.commits = mvcc.NewCommitAuthority(0)
	db.versions = mvcc.NewStore()
	for _, key := range sortedHeadKeys(db.heads) {
		h := db.heads[key]
		if err := db.versions.Publish(key, h.offset, false, db.commits.Next()); err != nil {
			return util.Fatal(util.CodeVerificationFailed, "version seed failed", err)
		}
	}
	db.executor = query.NewExecutor(db.indexes, db.store, db.versions)
	db.planner = query.NewPlanner(db.schemas)
	return nil
}

// WalReader opens a reader over this node's WAL. The replication sender
// streams frames from it.
func (db *Database) WalReader() (*wal.Reader, error) {
	return db.wal.Reader()
}

// WalPath returns the WAL file path for the replication sender.
func (db *Database) WalPath() string {
	return db.wal.Path()
}

// DataDir returns the data directory root.
func (db *Database) DataDir() string {
	return db.opts.Path
}

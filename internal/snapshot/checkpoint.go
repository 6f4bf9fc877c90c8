package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kartikbazzad/durabase/internal/fsio"
)

// CheckpointFile is the checkpoint marker name inside the data directory.
// Its presence asserts: the referenced snapshot is durable, the WAL was
// truncated (or is about to be, idempotently re-applied if not), and
// recovery may start from the snapshot.
const CheckpointFile = "checkpoint.json"

// CheckpointMarker records a completed snapshot and the WAL reset. Epoch is
// the truncation epoch the WAL enters when the reset completes; recovery
// uses it when both WAL and storage are empty and carry no epoch of their
// own.
type CheckpointMarker struct {
	SnapshotID   string `json:"snapshot_id"`
	WalTruncated bool   `json:"wal_truncated"`
	Epoch        uint64 `json:"epoch"`
	CreatedAt    string `json:"created_at"`
}

// WriteCheckpointMarker durably writes checkpoint.json referencing the
// snapshot. Called after the snapshot is sealed and before the WAL is
// truncated.
func WriteCheckpointMarker(dataDir, snapshotID string, epoch uint64, createdAt time.Time) error {
	m := CheckpointMarker{
		SnapshotID:   snapshotID,
		WalTruncated: true,
		Epoch:        epoch,
		CreatedAt:    createdAt.UTC().Format(time.RFC3339),
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint marker: %w", err)
	}
	return fsio.WriteFileDurable(filepath.Join(dataDir, CheckpointFile), raw)
}

// ReadCheckpointMarker loads checkpoint.json if present.
func ReadCheckpointMarker(dataDir string) (*CheckpointMarker, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, CheckpointFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint marker: %w", err)
	}
	var m CheckpointMarker
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse checkpoint marker: %w", err)
	}
	return &m, nil
}

// Package snapshot implements the durable point-in-time triad: snapshots,
// checkpoint markers, and backup archives.
//
// A snapshot is a byte-for-byte copy of storage plus the schema directory,
// sealed by a manifest. The manifest is written and fsynced last, so a
// snapshot directory without a manifest is a failed attempt and reads as
// "does not exist". Snapshot, checkpoint, backup and install run under the
// engine's global execution lock; the replication sender's Latest and
// PackDir calls and the offline Restore run without it.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kartikbazzad/durabase/internal/fsio"
)

// FormatVersion seals the snapshot and backup layout.
const FormatVersion = 1

// Directory and file names inside a data directory.
const (
	SnapshotsDir  = "snapshots"
	SchemasSubdir = "schemas"
	ManifestFile  = "manifest.json"
	StorageFile   = "storage.dat"
)

// Manifest seals a snapshot directory.
type Manifest struct {
	SnapshotID      string            `json:"snapshot_id"`
	CreatedAt       string            `json:"created_at"`
	StorageChecksum uint32            `json:"storage_checksum"`
	SchemaChecksums map[string]uint32 `json:"schema_checksums"`
	FormatVersion   int               `json:"format_version"`
}

// NewID renders a snapshot ID for the given instant (RFC3339-basic, UTC).
func NewID(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// Create copies storage and schemas into snapshots/<id> under dataDir and
// seals the directory with a fsynced manifest. The caller holds the global
// lock and has fsynced the WAL. On any failure the partial directory is
// removed.
func Create(dataDir, schemaDir, id string, createdAt time.Time) (err error) {
	dir := filepath.Join(dataDir, SnapshotsDir, id)
	if ok, _ := fsio.Exists(filepath.Join(dir, ManifestFile)); ok {
		return fmt.Errorf("snapshot %s already exists", id)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	// Storage copy, fsynced.
	if err = fsio.CopyFileDurable(filepath.Join(dataDir, StorageFile), filepath.Join(dir, StorageFile)); err != nil {
		return err
	}

	// Schema directory copy, each file fsynced, then the directory.
	snapSchemas := filepath.Join(dir, SchemasSubdir)
	if err = os.MkdirAll(snapSchemas, 0755); err != nil {
		return fmt.Errorf("create snapshot schema directory: %w", err)
	}
	names, err := schemaFileNames(schemaDir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err = fsio.CopyFileDurable(filepath.Join(schemaDir, name), filepath.Join(snapSchemas, name)); err != nil {
			return err
		}
	}
	if err = fsio.SyncDir(snapSchemas); err != nil {
		return err
	}

	// Checksums and manifest.
	manifest := Manifest{
		SnapshotID:      id,
		CreatedAt:       createdAt.UTC().Format(time.RFC3339),
		SchemaChecksums: make(map[string]uint32, len(names)),
		FormatVersion:   FormatVersion,
	}
	if manifest.StorageChecksum, err = fsio.ChecksumFile(filepath.Join(dir, StorageFile)); err != nil {
		return err
	}
	for _, name := range names {
		var sum uint32
		if sum, err = fsio.ChecksumFile(filepath.Join(snapSchemas, name)); err != nil {
			return err
		}
		manifest.SchemaChecksums[name] = sum
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot manifest: %w", err)
	}
	if err = fsio.WriteFileDurable(filepath.Join(dir, ManifestFile), raw); err != nil {
		return err
	}

	// The manifest rename is already durable; one more directory sync makes
	// the whole snapshot entry visible atomically on recovery.
	if err = fsio.SyncDir(filepath.Join(dataDir, SnapshotsDir)); err != nil {
		return err
	}
	return nil
}

// ReadManifest loads and parses a snapshot's manifest.
func ReadManifest(dataDir, id string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, SnapshotsDir, id, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read snapshot manifest %s: %w", id, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse snapshot manifest %s: %w", id, err)
	}
	return &m, nil
}

// Verify recomputes a snapshot's checksums against its manifest.
func Verify(dataDir, id string) error {
	m, err := ReadManifest(dataDir, id)
	if err != nil {
		return err
	}
	dir := filepath.Join(dataDir, SnapshotsDir, id)

	sum, err := fsio.ChecksumFile(filepath.Join(dir, StorageFile))
	if err != nil {
		return err
	}
	if sum != m.StorageChecksum {
		return fmt.Errorf("snapshot %s storage checksum mismatch", id)
	}
	for name, want := range m.SchemaChecksums {
		got, err := fsio.ChecksumFile(filepath.Join(dir, SchemasSubdir, name))
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("snapshot %s schema %s checksum mismatch", id, name)
		}
	}
	return nil
}

// List returns the IDs of every sealed snapshot (manifest present) in
// ascending order. IDs are timestamps, so lexicographic order is creation
// order.
func List(dataDir string) ([]string, error) {
	root := filepath.Join(dataDir, SnapshotsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshots directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if ok, _ := fsio.Exists(filepath.Join(root, e.Name(), ManifestFile)); ok {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Latest returns the most recent sealed snapshot ID, or "" when none exists.
func Latest(dataDir string) (string, error) {
	ids, err := List(dataDir)
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[len(ids)-1], nil
}

// Dir returns a snapshot's directory path.
func Dir(dataDir, id string) string {
	return filepath.Join(dataDir, SnapshotsDir, id)
}

func schemaFileNames(schemaDir string) ([]string, error) {
	entries, err := os.ReadDir(schemaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read schema directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

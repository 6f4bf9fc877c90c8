package snapshot

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kartikbazzad/durabase/internal/fsio"
)

// Restore installs a backup archive into an empty data directory: the
// snapshot's storage becomes storage.dat, its schemas become the schema
// directory, and the preserved WAL tail (possibly empty) becomes the live
// WAL. A subsequent Open runs normal recovery over the installed state.
func Restore(archivePath, dataDir, schemaDir, walDir string) error {
	entries, err := os.ReadDir(dataDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read restore target: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("restore target %s is not empty", dataDir)
	}

	tmp := dataDir + ".restore-tmp"
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return fmt.Errorf("create restore staging: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := unpackTar(archivePath, tmp); err != nil {
		return err
	}

	raw, err := os.ReadFile(filepath.Join(tmp, BackupManifestFile))
	if err != nil {
		return fmt.Errorf("backup manifest missing: %w", err)
	}
	var manifest BackupManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("parse backup manifest: %w", err)
	}
	if manifest.FormatVersion != FormatVersion {
		return fmt.Errorf("unsupported backup format version %d", manifest.FormatVersion)
	}

	// Install storage.
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := fsio.CopyFileDurable(filepath.Join(tmp, "snapshot", StorageFile), filepath.Join(dataDir, StorageFile)); err != nil {
		return err
	}

	// Install schemas.
	if err := os.MkdirAll(schemaDir, 0755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}
	names, err := schemaFileNames(filepath.Join(tmp, "snapshot", SchemasSubdir))
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := fsio.CopyFileDurable(filepath.Join(tmp, "snapshot", SchemasSubdir, name), filepath.Join(schemaDir, name)); err != nil {
			return err
		}
	}

	// Install the WAL tail; absent or empty is a valid state and boots from
	// the snapshot alone.
	if err := os.MkdirAll(walDir, 0755); err != nil {
		return fmt.Errorf("create WAL directory: %w", err)
	}
	stagedWal := filepath.Join(tmp, "wal", "wal.log")
	if ok, _ := fsio.Exists(stagedWal); ok {
		if err := fsio.CopyFileDurable(stagedWal, filepath.Join(walDir, "wal.log")); err != nil {
			return err
		}
	}

	if err := fsio.SyncDir(walDir); err != nil {
		return err
	}
	if err := fsio.SyncDir(schemaDir); err != nil {
		return err
	}
	return fsio.SyncDir(dataDir)
}

// unpackTar extracts a backup archive under dst, rejecting entries that
// would escape it.
func unpackTar(archivePath, dst string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open backup archive: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read backup archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.FromSlash(hdr.Name)
		if strings.Contains(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("backup archive entry %q escapes target", hdr.Name)
		}
		target := filepath.Join(dst, name)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}

package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/kartikbazzad/durabase/internal/fsio"
)

// PackDir writes a snapshot directory as an uncompressed tar to w, entries
// in lexicographic order. The replication sender streams this to replicas
// that are too far behind for WAL streaming.
func PackDir(dir string, w io.Writer) error {
	tmp := filepath.Join(os.TempDir(), ".snapshot-pack-"+uuid.NewString()+".tar")
	if err := packTar(dir, tmp); err != nil {
		return err
	}
	defer os.Remove(tmp)

	f, err := os.Open(tmp)
	if err != nil {
		return fmt.Errorf("open packed snapshot: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("stream packed snapshot: %w", err)
	}
	return nil
}

// StageArchive extracts a snapshot archive stream into a staging directory
// inside the data directory and returns its path. The caller installs or
// discards it.
func StageArchive(dataDir string, archive io.Reader) (string, error) {
	tmp := filepath.Join(dataDir, ".snapshot-stage-"+uuid.NewString())
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return "", fmt.Errorf("create snapshot staging: %w", err)
	}

	tarPath := filepath.Join(tmp, "archive.tar")
	f, err := os.OpenFile(tarPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("stage snapshot archive: %w", err)
	}
	if _, err := io.Copy(f, archive); err != nil {
		f.Close()
		os.RemoveAll(tmp)
		return "", fmt.Errorf("write staged archive: %w", err)
	}
	f.Close()

	if err := unpackTar(tarPath, filepath.Join(tmp, "contents")); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	os.Remove(tarPath)
	return tmp, nil
}

// InstallStaged moves a staged snapshot's storage and schemas into place,
// fsyncing each installed file and the touched directories.
func InstallStaged(staged, dataDir, schemaDir string) error {
	contents := filepath.Join(staged, "contents")

	if err := fsio.CopyFileDurable(filepath.Join(contents, StorageFile), filepath.Join(dataDir, StorageFile)); err != nil {
		return err
	}

	if err := os.MkdirAll(schemaDir, 0755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}
	names, err := schemaFileNames(filepath.Join(contents, SchemasSubdir))
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := fsio.CopyFileDurable(filepath.Join(contents, SchemasSubdir, name), filepath.Join(schemaDir, name)); err != nil {
			return err
		}
	}
	if err := fsio.SyncDir(schemaDir); err != nil {
		return err
	}
	return fsio.SyncDir(dataDir)
}

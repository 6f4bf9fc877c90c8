package durabase

import (
	"path/filepath"
	"time"

	"github.com/kartikbazzad/durabase/replication"
)

// Options configures a database instance
type Options struct {
	// Path to the data directory
	Path string

	// Replication fixes the node's role. Zero value is a standalone
	// primary (replication disabled).
	Replication replication.Config

	// Clock supplies timestamps for snapshot IDs and manifests. Defaults to
	// time.Now; tests pin it.
	Clock func() time.Time
}

// DefaultOptions returns default database options
func DefaultOptions(path string) *Options {
	return &Options{
		Path:  path,
		Clock: time.Now,
	}
}

func (o *Options) clock() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

func (o *Options) walDir() string {
	return filepath.Join(o.Path, "wal")
}

func (o *Options) storagePath() string {
	return filepath.Join(o.Path, "storage.dat")
}

func (o *Options) schemaDir() string {
	return filepath.Join(o.Path, "metadata", "schemas")
}

func (o *Options) cleanShutdownPath() string {
	return filepath.Join(o.Path, "clean_shutdown")
}

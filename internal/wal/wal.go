// Package wal implements the write-ahead log.
//
// The WAL is a single append-only file of framed, checksummed records. Every
// mutation is appended here and fsynced before it may be acknowledged or
// applied anywhere else. Truncation happens only at checkpoint, atomically
// replacing the file with an empty one and resetting the sequence counter.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kartikbazzad/durabase/internal/fsio"
	"github.com/kartikbazzad/durabase/internal/record"
)

// FileName is the WAL file name inside the WAL directory.
const FileName = "wal.log"

// WAL manages the single append-only log file.
//
// epoch counts truncations. A fresh log is epoch 0; every Truncate starts a
// new epoch with sequences from 1. The (epoch, sequence) pair stamped on
// each record identifies it across the whole history.
type WAL struct {
	dir     string
	file    *os.File
	size    int64
	epoch   uint64
	nextSeq uint64
	mu      sync.Mutex
}

// Open opens (or creates) the WAL under dir. The existing file is scanned to
// find the next sequence number; a torn terminal frame is tolerated and will
// be overwritten by the next append, interior corruption is an error.
func Open(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}

	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}

	w := &WAL{dir: dir, file: f, nextSeq: 1}

	// Scan existing records to find the durable tail and next sequence.
	r, err := NewReader(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	defer r.Close()

	var tail int64
	for {
		rec, n, err := r.Next()
		if err == ErrEndOfLog {
			break
		}
		if err != nil {
			f.Close()
			return nil, err
		}
		tail += n
		w.epoch = rec.Epoch
		w.nextSeq = rec.Sequence + 1
	}

	// Drop a torn tail so the next append starts on a frame boundary.
	if err := f.Truncate(tail); err != nil {
		f.Close()
		return nil, fmt.Errorf("trim WAL tail: %w", err)
	}
	if _, err := f.Seek(tail, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek WAL tail: %w", err)
	}
	w.size = tail

	return w, nil
}

// Append writes a framed record and returns its sequence number and byte
// offset. It does not fsync; acknowledgement requires a Sync first.
func (w *WAL) Append(rec *record.Record) (seq uint64, offset int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec.Epoch = w.epoch
	rec.Sequence = w.nextSeq
	frame := rec.EncodeFrame()

	offset = w.size
	if _, err := w.file.Write(frame); err != nil {
		return 0, 0, fmt.Errorf("append WAL record: %w", err)
	}

	w.size += int64(len(frame))
	w.nextSeq++
	return rec.Sequence, offset, nil
}

// AppendExisting appends a record that already carries its (epoch, sequence)
// position, preserving it. Replicas use this to keep their log a byte-level
// prefix of the primary's; the counters follow the appended record.
func (w *WAL) AppendExisting(rec *record.Record) (offset int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame := rec.EncodeFrame()
	offset = w.size
	if _, err := w.file.Write(frame); err != nil {
		return 0, fmt.Errorf("append WAL record: %w", err)
	}

	w.size += int64(len(frame))
	w.epoch = rec.Epoch
	w.nextSeq = rec.Sequence + 1
	return offset, nil
}

// Sync flushes OS buffers to stable storage. Only after Sync returns may the
// appended records be acknowledged.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync WAL: %w", err)
	}
	return nil
}

// Truncate atomically removes the log and recreates it empty. The sequence
// counter resets to 1 and the containing directory is fsynced so the empty
// log is what recovery will see.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := filepath.Join(w.dir, FileName)

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close WAL for truncate: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove WAL: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("recreate WAL: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync recreated WAL: %w", err)
	}
	if err := fsio.SyncDir(w.dir); err != nil {
		f.Close()
		return err
	}

	w.file = f
	w.size = 0
	w.epoch++
	w.nextSeq = 1
	return nil
}

// Epoch returns the current truncation epoch.
func (w *WAL) Epoch() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.epoch
}

// RaiseEpoch lifts the epoch to at least e. Recovery calls it when storage
// or the checkpoint marker witnessed a later epoch than the log itself (an
// empty post-truncate log carries no records to learn the epoch from).
func (w *WAL) RaiseEpoch(e uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e > w.epoch {
		w.epoch = e
	}
}

// NextSequence returns the sequence the next append will receive.
func (w *WAL) NextSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// Size returns the current WAL size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the WAL file path.
func (w *WAL) Path() string {
	return filepath.Join(w.dir, FileName)
}

// Reader opens a sequential reader over the current log file. Appends made
// after the reader is opened are not guaranteed to be observed.
func (w *WAL) Reader() (*Reader, error) {
	return NewReader(w.Path())
}

// Close closes the WAL file without syncing.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Package storage implements the append-only document heap.
//
// Documents live in a single file of framed, checksummed records sharing the
// WAL codec. Updates append a new record, deletes append an explicit
// tombstone; nothing is rewritten in place. The byte offset of a record is
// its physical key, referenced by indexes and MVCC version chains.
package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/kartikbazzad/durabase/internal/record"
	"github.com/kartikbazzad/durabase/internal/util"
)

// FileName is the heap file name inside the data directory.
const FileName = "storage.dat"

// Storage manages the document heap file.
type Storage struct {
	path     string
	file     *os.File
	size     int64
	maxEpoch uint64 // epoch of the newest reflected WAL record
	maxSeq   uint64 // sequence of the newest reflected WAL record
	mu       sync.Mutex
}

// Open opens (or creates) the heap at path. The file is scanned end-to-end
// to find the durable tail and the highest applied WAL sequence; a torn
// terminal record (crash between WAL fsync and storage fsync) is trimmed,
// interior corruption is fatal.
func Open(path string) (*Storage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open storage file: %w", err)
	}

	s := &Storage{path: path, file: f}

	var tail int64
	err = s.scanFrom(f, func(off int64, rec *record.Record, frameLen int64) error {
		tail = off + frameLen
		if rec.SeqAfter(s.maxEpoch, s.maxSeq) {
			s.maxEpoch, s.maxSeq = rec.Epoch, rec.Sequence
		}
		return nil
	})
	if err != nil {
		f.Close()
		return nil, err
	}

	if err := f.Truncate(tail); err != nil {
		f.Close()
		return nil, fmt.Errorf("trim storage tail: %w", err)
	}
	if _, err := f.Seek(tail, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek storage tail: %w", err)
	}
	s.size = tail

	return s, nil
}

// Write appends a document record and returns its offset. The caller is
// responsible for calling Sync before acknowledging.
func (s *Storage) Write(rec *record.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frame := rec.EncodeFrame()
	offset := s.size

	if _, err := s.file.Write(frame); err != nil {
		return 0, fmt.Errorf("append storage record: %w", err)
	}

	s.size += int64(len(frame))
	if rec.SeqAfter(s.maxEpoch, s.maxSeq) {
		s.maxEpoch, s.maxSeq = rec.Epoch, rec.Sequence
	}
	return offset, nil
}

// WriteTombstone appends an explicit deletion record for the key and returns
// its offset. The key remains in the heap until checkpoint.
func (s *Storage) WriteTombstone(rec *record.Record) (int64, error) {
	rec.Type = record.TypeDelete
	rec.Document = nil
	return s.Write(rec)
}

// Read reads and verifies the record at offset. A checksum mismatch is the
// fatal DataCorruption condition; it is never reported as an empty result.
func (s *Storage) Read(offset int64) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prefix [4]byte
	if _, err := s.file.ReadAt(prefix[:], offset); err != nil {
		return nil, util.Fatal(util.CodeDataCorruption,
			fmt.Sprintf("storage record header unreadable at offset %d", offset), err)
	}
	_, frameLen, err := record.HeaderLength(prefix[:])
	if err != nil {
		return nil, util.Fatal(util.CodeDataCorruption,
			fmt.Sprintf("storage record header invalid at offset %d", offset), err)
	}

	buf := make([]byte, frameLen)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, util.Fatal(util.CodeDataCorruption,
			fmt.Sprintf("storage record unreadable at offset %d", offset), err)
	}

	rec, err := record.DecodeFrame(buf)
	if err != nil {
		return nil, util.Fatal(util.CodeDataCorruption,
			fmt.Sprintf("storage record checksum failure at offset %d", offset), err)
	}
	return rec, nil
}

// Scan walks the heap from byte 0, calling fn for every verified record in
// write order. Interior corruption is fatal.
func (s *Storage) Scan(fn func(offset int64, rec *record.Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open storage for scan: %w", err)
	}
	defer f.Close()

	return s.scanFrom(f, func(off int64, rec *record.Record, _ int64) error {
		return fn(off, rec)
	})
}

// scanFrom reads verified frames sequentially from the start of f.
func (s *Storage) scanFrom(f *os.File, fn func(off int64, rec *record.Record, frameLen int64) error) error {
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek storage start: %w", err)
	}

	rd := bufio.NewReader(f)
	var off int64
	for {
		rec, n, err := record.ReadFrame(rd)
		switch {
		case err == nil:
			if err := fn(off, rec, n); err != nil {
				return err
			}
			off += n
		case errors.Is(err, io.EOF), errors.Is(err, record.ErrTornFrame):
			return nil
		case errors.Is(err, record.ErrChecksum):
			return util.Fatal(util.CodeStorageCorruption,
				fmt.Sprintf("storage checksum failure after offset %d", off), err)
		default:
			return util.Fatal(util.CodeStorageCorruption,
				fmt.Sprintf("storage read failure after offset %d", off), err)
		}
	}
}

// Sync flushes the heap to stable storage.
func (s *Storage) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync storage: %w", err)
	}
	return nil
}

// MaxApplied returns the (epoch, sequence) of the newest WAL record
// reflected in the heap. WAL replay uses it to recognize records that are
// already present.
func (s *Storage) MaxApplied() (epoch, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxEpoch, s.maxSeq
}

// Size returns the heap size in bytes.
func (s *Storage) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Path returns the heap file path.
func (s *Storage) Path() string {
	return s.path
}

// Close closes the heap file without syncing.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kartikbazzad/durabase/internal/record"
	"github.com/kartikbazzad/durabase/internal/util"
)

// ErrEndOfLog marks the end of the verified record sequence. A torn terminal
// frame is folded into it: the partial record is treated as not present.
var ErrEndOfLog = errors.New("end of log")

// Reader scans a WAL file sequentially from byte 0, emitting verified
// records. The first interior checksum failure halts the scan with a fatal
// WalCorruption error.
type Reader struct {
	file *os.File
	rd   *bufio.Reader
	off  int64
}

// NewReader opens a sequential reader over the log file at path.
func NewReader(path string) (*Reader, error) {
	return NewReaderAt(path, 0)
}

// NewReaderAt opens a reader positioned at a known frame boundary. The
// replication sender uses it to resume streaming without rescanning.
func NewReaderAt(path string, offset int64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing log reads as empty.
			return &Reader{}, nil
		}
		return nil, fmt.Errorf("open WAL for read: %w", err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek WAL reader: %w", err)
		}
	}
	return &Reader{file: f, rd: bufio.NewReader(f), off: offset}, nil
}

// Next returns the next verified record and its on-disk frame size.
// It returns ErrEndOfLog at the end of the verified sequence.
func (r *Reader) Next() (*record.Record, int64, error) {
	if r.file == nil {
		return nil, 0, ErrEndOfLog
	}

	rec, n, err := record.ReadFrame(r.rd)
	switch {
	case err == nil:
		r.off += n
		return rec, n, nil
	case errors.Is(err, record.ErrTornFrame):
		return nil, 0, ErrEndOfLog
	case errors.Is(err, record.ErrChecksum):
		return nil, 0, util.Fatal(util.CodeWalCorruption,
			fmt.Sprintf("WAL checksum failure after offset %d", r.off), err)
	case errors.Is(err, io.EOF):
		return nil, 0, ErrEndOfLog
	default:
		return nil, 0, util.Fatal(util.CodeWalCorruption,
			fmt.Sprintf("WAL read failure after offset %d", r.off), err)
	}
}

// Offset returns the byte offset of the next frame to be read.
func (r *Reader) Offset() int64 {
	return r.off
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

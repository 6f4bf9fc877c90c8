// Package record implements the shared on-disk record codec.
//
// WAL and storage files use the same framing:
//
//	[Length (4 bytes)] [Type (1 byte)] [Payload] [CRC32 (4 bytes)]
//
// Length is the payload size in bytes. The CRC32 (IEEE) covers the type byte
// and the payload. A frame whose checksum does not match is never returned to
// a caller.
package record

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Type identifies the mutation a record carries.
type Type byte

const (
	TypeInvalid Type = iota
	TypeInsert
	TypeUpdate
	TypeDelete // tombstone; payload carries no document
)

// String returns the type name.
func (t Type) String() string {
	switch t {
	case TypeInsert:
		return "insert"
	case TypeUpdate:
		return "update"
	case TypeDelete:
		return "delete"
	default:
		return "invalid"
	}
}

// Valid reports whether t is a known mutation type.
func (t Type) Valid() bool {
	return t == TypeInsert || t == TypeUpdate || t == TypeDelete
}

// Record is a single mutation, as it appears in the WAL and in storage.
//
// Sequence is the WAL sequence number that produced the mutation. Sequences
// reset to 1 when the WAL is truncated at checkpoint, so Epoch counts
// truncations: the pair (Epoch, Sequence) identifies a mutation across the
// whole history. Storage records keep the pair so replay can recognize
// records already reflected.
type Record struct {
	Type          Type
	Epoch         uint64
	Sequence      uint64
	Key           string // document _id
	Collection    string
	SchemaID      string
	SchemaVersion string
	Document      []byte // canonical JSON; empty for tombstones
}

// SeqAfter reports whether the record's own position orders strictly after
// (epoch, seq).
func (r *Record) SeqAfter(epoch, seq uint64) bool {
	if r.Epoch != epoch {
		return r.Epoch > epoch
	}
	return r.Sequence > seq
}

// Framing errors.
var (
	// ErrTornFrame marks an incomplete or checksum-failing frame at the end
	// of a file. The terminal frame is treated as "record not present".
	ErrTornFrame = errors.New("torn record frame at end of file")
	// ErrChecksum marks an interior checksum failure. Interior corruption is
	// never tolerated.
	ErrChecksum = errors.New("record checksum mismatch")
)

const (
	lenSize   = 4
	typeSize  = 1
	crcSize   = 4
	frameWrap = lenSize + typeSize + crcSize

	// MaxPayloadSize bounds a single record payload (16MB).
	MaxPayloadSize = 16 * 1024 * 1024
)

// MarshalPayload serializes the record fields (everything but the frame).
func (r *Record) MarshalPayload() []byte {
	size := 16 + 4 + len(r.Key) + 4 + len(r.Collection) +
		4 + len(r.SchemaID) + 4 + len(r.SchemaVersion) + 4 + len(r.Document)
	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint64(buf[off:], r.Epoch)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.Sequence)
	off += 8
	off = putBytes(buf, off, []byte(r.Key))
	off = putBytes(buf, off, []byte(r.Collection))
	off = putBytes(buf, off, []byte(r.SchemaID))
	off = putBytes(buf, off, []byte(r.SchemaVersion))
	putBytes(buf, off, r.Document)

	return buf
}

// UnmarshalPayload parses the record fields out of a verified payload.
func UnmarshalPayload(t Type, payload []byte) (*Record, error) {
	if len(payload) < 16 {
		return nil, fmt.Errorf("record payload too short: %d bytes", len(payload))
	}
	r := &Record{Type: t}
	r.Epoch = binary.LittleEndian.Uint64(payload[:8])
	r.Sequence = binary.LittleEndian.Uint64(payload[8:16])
	off := 16

	var b []byte
	var err error
	if b, off, err = readBytes(payload, off); err != nil {
		return nil, fmt.Errorf("record key: %w", err)
	}
	r.Key = string(b)
	if b, off, err = readBytes(payload, off); err != nil {
		return nil, fmt.Errorf("record collection: %w", err)
	}
	r.Collection = string(b)
	if b, off, err = readBytes(payload, off); err != nil {
		return nil, fmt.Errorf("record schema id: %w", err)
	}
	r.SchemaID = string(b)
	if b, off, err = readBytes(payload, off); err != nil {
		return nil, fmt.Errorf("record schema version: %w", err)
	}
	r.SchemaVersion = string(b)
	if b, off, err = readBytes(payload, off); err != nil {
		return nil, fmt.Errorf("record document: %w", err)
	}
	if off != len(payload) {
		return nil, fmt.Errorf("record payload has %d trailing bytes", len(payload)-off)
	}
	if len(b) > 0 {
		r.Document = append([]byte(nil), b...)
	}
	return r, nil
}

// EncodeFrame serializes the full frame (length, type, payload, crc).
func (r *Record) EncodeFrame() []byte {
	payload := r.MarshalPayload()
	buf := make([]byte, frameWrap+len(payload))

	binary.LittleEndian.PutUint32(buf[0:lenSize], uint32(len(payload)))
	buf[lenSize] = byte(r.Type)
	copy(buf[lenSize+typeSize:], payload)

	crc := crc32.ChecksumIEEE(buf[lenSize : lenSize+typeSize+len(payload)])
	binary.LittleEndian.PutUint32(buf[lenSize+typeSize+len(payload):], crc)

	return buf
}

// FrameSize returns the encoded size of the record including framing.
func (r *Record) FrameSize() int64 {
	return int64(frameWrap + len(r.MarshalPayload()))
}

// ReadFrame reads one frame from rd.
//
// Returns io.EOF at a clean end of file, ErrTornFrame when the final frame is
// incomplete or fails its checksum with nothing after it, and ErrChecksum
// when a checksum failure has more data following it (interior corruption).
// n is the number of bytes the frame occupies on disk when the read
// succeeds.
func ReadFrame(rd *bufio.Reader) (r *Record, n int64, err error) {
	var lenBuf [lenSize]byte
	if _, err := io.ReadFull(rd, lenBuf[:1]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF // clean end
		}
		return nil, 0, fmt.Errorf("read frame length: %w", err)
	}
	if _, err := io.ReadFull(rd, lenBuf[1:]); err != nil {
		return nil, 0, tornOrInterior(rd, err)
	}
	payloadLen := binary.LittleEndian.Uint32(lenBuf[:])
	if payloadLen > MaxPayloadSize {
		// A garbage length cannot be distinguished from corruption; decide by
		// what follows, same as a checksum failure.
		return nil, 0, tornOrInterior(rd, ErrChecksum)
	}

	body := make([]byte, typeSize+int(payloadLen)+crcSize)
	if _, err := io.ReadFull(rd, body); err != nil {
		return nil, 0, tornOrInterior(rd, err)
	}

	want := binary.LittleEndian.Uint32(body[typeSize+int(payloadLen):])
	got := crc32.ChecksumIEEE(body[:typeSize+int(payloadLen)])
	if want != got {
		return nil, 0, tornOrInterior(rd, ErrChecksum)
	}

	t := Type(body[0])
	if !t.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown record type %d", ErrChecksum, t)
	}
	rec, err := UnmarshalPayload(t, body[typeSize:typeSize+int(payloadLen)])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrChecksum, err)
	}
	return rec, int64(frameWrap + int(payloadLen)), nil
}

// DecodeFrame parses a frame out of a byte slice that must contain exactly
// one frame. Used by storage positional reads.
func DecodeFrame(buf []byte) (*Record, error) {
	if len(buf) < frameWrap {
		return nil, fmt.Errorf("%w: frame too short", ErrChecksum)
	}
	payloadLen := binary.LittleEndian.Uint32(buf[0:lenSize])
	if int(payloadLen) != len(buf)-frameWrap {
		return nil, fmt.Errorf("%w: frame length mismatch", ErrChecksum)
	}
	want := binary.LittleEndian.Uint32(buf[len(buf)-crcSize:])
	got := crc32.ChecksumIEEE(buf[lenSize : len(buf)-crcSize])
	if want != got {
		return nil, ErrChecksum
	}
	t := Type(buf[lenSize])
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown record type %d", ErrChecksum, t)
	}
	return UnmarshalPayload(t, buf[lenSize+typeSize:len(buf)-crcSize])
}

// HeaderLength reads the payload length out of the fixed frame prefix.
func HeaderLength(prefix []byte) (payloadLen uint32, frameLen int64, err error) {
	if len(prefix) < lenSize {
		return 0, 0, fmt.Errorf("frame prefix too short")
	}
	payloadLen = binary.LittleEndian.Uint32(prefix[:lenSize])
	if payloadLen > MaxPayloadSize {
		return 0, 0, ErrChecksum
	}
	return payloadLen, int64(frameWrap) + int64(payloadLen), nil
}

// tornOrInterior decides between a torn tail and interior corruption: if the
// reader has no more bytes, the bad frame is the terminal one.
func tornOrInterior(rd *bufio.Reader, cause error) error {
	if _, err := rd.Peek(1); err == io.EOF {
		return ErrTornFrame
	}
	if errors.Is(cause, ErrChecksum) {
		return ErrChecksum
	}
	return fmt.Errorf("%w: %v", ErrChecksum, cause)
}

func putBytes(buf []byte, off int, b []byte) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(b)))
	off += 4
	copy(buf[off:], b)
	return off + len(b)
}

func readBytes(buf []byte, off int) ([]byte, int, error) {
	if off+4 > len(buf) {
		return nil, off, fmt.Errorf("truncated length at offset %d", off)
	}
	n := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+n > len(buf) {
		return nil, off, fmt.Errorf("truncated field at offset %d", off)
	}
	return buf[off : off+n], off + n, nil
}

// DecodeDocument parses document JSON preserving number literals as
// json.Number, so integer and float values stay distinguishable.
func DecodeDocument(docJSON []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(docJSON))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

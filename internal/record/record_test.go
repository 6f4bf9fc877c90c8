package record

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"
)

func sampleRecord() *Record {
	return &Record{
		Type:          TypeInsert,
		Epoch:         2,
		Sequence:      7,
		Key:           "u1",
		Collection:    "users",
		SchemaID:      "user",
		SchemaVersion: "v1",
		Document:      []byte(`{"_id":"u1","age":30}`),
	}
}

func TestFrameRoundTrip(t *testing.T) {
	rec := sampleRecord()
	frame := rec.EncodeFrame()

	got, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}

	if got.Type != rec.Type {
		t.Errorf("Type mismatch: expected %v, got %v", rec.Type, got.Type)
	}
	if got.Epoch != rec.Epoch || got.Sequence != rec.Sequence {
		t.Errorf("position mismatch: expected (%d,%d), got (%d,%d)",
			rec.Epoch, rec.Sequence, got.Epoch, got.Sequence)
	}
	if got.Key != rec.Key || got.Collection != rec.Collection {
		t.Errorf("key/collection mismatch: got %q/%q", got.Key, got.Collection)
	}
	if got.SchemaID != rec.SchemaID || got.SchemaVersion != rec.SchemaVersion {
		t.Errorf("schema ref mismatch: got %q %q", got.SchemaID, got.SchemaVersion)
	}
	if !bytes.Equal(got.Document, rec.Document) {
		t.Errorf("document mismatch: got %s", got.Document)
	}
}

func TestTombstoneRoundTrip(t *testing.T) {
	rec := &Record{Type: TypeDelete, Sequence: 3, Key: "u1", Collection: "users", SchemaID: "user", SchemaVersion: "v1"}
	got, err := DecodeFrame(rec.EncodeFrame())
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if got.Type != TypeDelete {
		t.Errorf("expected tombstone, got %v", got.Type)
	}
	if len(got.Document) != 0 {
		t.Errorf("tombstone should carry no document, got %d bytes", len(got.Document))
	}
}

func TestDecodeFrameChecksumMismatch(t *testing.T) {
	frame := sampleRecord().EncodeFrame()
	frame[10] ^= 0xFF

	if _, err := DecodeFrame(frame); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestReadFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	for i := 1; i <= 3; i++ {
		rec := sampleRecord()
		rec.Sequence = uint64(i)
		buf.Write(rec.EncodeFrame())
	}

	rd := bufio.NewReader(&buf)
	for i := 1; i <= 3; i++ {
		rec, _, err := ReadFrame(rd)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if rec.Sequence != uint64(i) {
			t.Errorf("expected sequence %d, got %d", i, rec.Sequence)
		}
	}
	if _, _, err := ReadFrame(rd); err != io.EOF {
		t.Errorf("expected io.EOF at clean end, got %v", err)
	}
}

func TestReadFrameTornTail(t *testing.T) {
	frame := sampleRecord().EncodeFrame()

	// Cut the final frame at several points; every cut is a torn tail.
	for _, cut := range []int{1, 4, 10, len(frame) - 1} {
		var buf bytes.Buffer
		buf.Write(sampleRecord().EncodeFrame())
		buf.Write(frame[:cut])

		rd := bufio.NewReader(&buf)
		if _, _, err := ReadFrame(rd); err != nil {
			t.Fatalf("cut %d: first frame should read cleanly: %v", cut, err)
		}
		if _, _, err := ReadFrame(rd); !errors.Is(err, ErrTornFrame) {
			t.Errorf("cut %d: expected ErrTornFrame, got %v", cut, err)
		}
	}
}

func TestReadFrameInteriorCorruption(t *testing.T) {
	first := sampleRecord().EncodeFrame()
	first[8] ^= 0xFF // corrupt payload of the first frame

	var buf bytes.Buffer
	buf.Write(first)
	buf.Write(sampleRecord().EncodeFrame()) // a valid frame follows

	rd := bufio.NewReader(&buf)
	_, _, err := ReadFrame(rd)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum for interior corruption, got %v", err)
	}
}

func TestSeqAfter(t *testing.T) {
	rec := &Record{Epoch: 2, Sequence: 5}

	cases := []struct {
		epoch, seq uint64
		want       bool
	}{
		{2, 4, true},
		{2, 5, false},
		{2, 6, false},
		{1, 100, true},
		{3, 0, false},
	}
	for _, c := range cases {
		if got := rec.SeqAfter(c.epoch, c.seq); got != c.want {
			t.Errorf("SeqAfter(%d,%d) = %v, want %v", c.epoch, c.seq, got, c.want)
		}
	}
}

func TestDecodeDocumentPreservesNumbers(t *testing.T) {
	doc, err := DecodeDocument([]byte(`{"age":30,"score":1.5}`))
	if err != nil {
		t.Fatalf("DecodeDocument failed: %v", err)
	}
	n, ok := doc["age"].(json.Number)
	if !ok || n.String() != "30" {
		t.Errorf("expected integer literal preserved, got %T %v", doc["age"], doc["age"])
	}
}

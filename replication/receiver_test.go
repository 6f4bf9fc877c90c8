package replication

import (
	"io"
	"testing"

	"github.com/kartikbazzad/durabase/internal/record"
	"github.com/kartikbazzad/durabase/wire"
)

type fakeApplier struct {
	applied []*record.Record
}

func (f *fakeApplier) ApplyReplicated(rec *record.Record) error {
	f.applied = append(f.applied, rec)
	return nil
}

func (f *fakeApplier) InstallSnapshot(archive io.Reader) error { return nil }

func (f *fakeApplier) LastApplied() (uint64, uint64) {
	if len(f.applied) == 0 {
		return 0, 0
	}
	last := f.applied[len(f.applied)-1]
	return last.Epoch, last.Sequence
}

func streamMsg(epoch, seq uint64) wire.WALRecordMessage {
	rec := &record.Record{
		Type:          record.TypeInsert,
		Epoch:         epoch,
		Sequence:      seq,
		Key:           "k",
		Collection:    "users",
		SchemaID:      "user",
		SchemaVersion: "v1",
		Document:      []byte(`{"_id":"k","age":1}`),
	}
	return wire.WALRecordMessage{Epoch: epoch, Sequence: seq, Frame: rec.EncodeFrame()}
}

func testReceiver(t *testing.T) (*Receiver, *fakeApplier, *Authority) {
	t.Helper()
	a, err := LoadAuthority(t.TempDir(), replicaConfig())
	if err != nil {
		t.Fatalf("LoadAuthority failed: %v", err)
	}
	applier := &fakeApplier{}
	return NewReceiver(a, applier), applier, a
}

func TestReceiverAppliesContiguousRecords(t *testing.T) {
	r, applier, a := testReceiver(t)

	var epoch, seq uint64
	for i := 1; i <= 3; i++ {
		if err := r.applyRecord(streamMsg(0, uint64(i)), &epoch, &seq); err != nil {
			t.Fatalf("applyRecord %d failed: %v", i, err)
		}
	}
	if len(applier.applied) != 3 {
		t.Errorf("expected 3 applied records, got %d", len(applier.applied))
	}
	if a.State() != StateReplicaActive {
		t.Errorf("replica must stay active, got %s", a.State())
	}
}

func TestReceiverAcceptsEpochBoundary(t *testing.T) {
	r, _, a := testReceiver(t)

	epoch, seq := uint64(0), uint64(5)
	// The first record of a newer epoch follows a checkpoint truncate.
	if err := r.applyRecord(streamMsg(1, 1), &epoch, &seq); err != nil {
		t.Fatalf("epoch boundary record rejected: %v", err)
	}
	if epoch != 1 || seq != 1 {
		t.Errorf("position not advanced: (%d,%d)", epoch, seq)
	}
	if a.State() != StateReplicaActive {
		t.Errorf("replica must stay active, got %s", a.State())
	}
}

func TestReceiverHaltsOnGap(t *testing.T) {
	r, applier, a := testReceiver(t)

	epoch, seq := uint64(0), uint64(1)
	if err := r.applyRecord(streamMsg(0, 3), &epoch, &seq); err == nil {
		t.Fatal("expected gap to fail")
	}
	if a.State() != StateReplicationHalted {
		t.Errorf("gap must halt replication, got %s", a.State())
	}
	if len(applier.applied) != 0 {
		t.Errorf("gapped record must not be applied")
	}
}

func TestReceiverHaltsOnChecksumMismatch(t *testing.T) {
	r, applier, a := testReceiver(t)

	msg := streamMsg(0, 1)
	msg.Frame[10] ^= 0xFF

	epoch, seq := uint64(0), uint64(0)
	if err := r.applyRecord(msg, &epoch, &seq); err == nil {
		t.Fatal("expected checksum mismatch to fail")
	}
	if a.State() != StateReplicationHalted {
		t.Errorf("checksum mismatch must halt replication, got %s", a.State())
	}
	if len(applier.applied) != 0 {
		t.Errorf("corrupt record must not be applied")
	}
}

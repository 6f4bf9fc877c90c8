package replication

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kartikbazzad/durabase/internal/logger"
	"github.com/kartikbazzad/durabase/internal/record"
	"github.com/kartikbazzad/durabase/wire"
)

// Applier is the slice of the engine the receiver drives. Applying goes
// through the same storage and index mutation code as the primary's local
// path.
type Applier interface {
	ApplyReplicated(rec *record.Record) error
	InstallSnapshot(archive io.Reader) error
	LastApplied() (epoch, seq uint64)
}

// reconnectDelay paces redial attempts after a connection failure.
const reconnectDelay = time.Second

// Receiver runs on a replica: it subscribes to the primary's WAL stream and
// applies records in order. A sequence gap or checksum mismatch halts
// replication permanently (ReplicationHalted); connection failures are
// retried.
type Receiver struct {
	authority *Authority
	applier   Applier
	log       *slog.Logger
	stopCh    chan struct{}
}

// NewReceiver creates a receiver bound to this node's authority and engine.
func NewReceiver(authority *Authority, applier Applier) *Receiver {
	return &Receiver{
		authority: authority,
		applier:   applier,
		log:       logger.Component("replication.receiver"),
		stopCh:    make(chan struct{}),
	}
}

// Run connects and applies until Stop is called, the node stops being a
// replica, or replication halts. It is the single replication loop; there
// are no hidden work queues.
func (r *Receiver) Run() {
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		if r.authority.State() != StateReplicaActive {
			return
		}

		if err := r.runOnce(); err != nil {
			if r.authority.State() == StateReplicationHalted {
				r.log.Error("replication halted", "reason", r.authority.HaltReason())
				return
			}
			r.log.Warn("stream interrupted; reconnecting", "error", err)
			select {
			case <-r.stopCh:
				return
			case <-time.After(reconnectDelay):
			}
		}
	}
}

// Stop ends the receive loop.
func (r *Receiver) Stop() {
	close(r.stopCh)
}

func (r *Receiver) runOnce() error {
	cfg := r.authority.Config()
	conn, err := net.Dial("tcp", cfg.PrimaryAddr)
	if err != nil {
		return fmt.Errorf("dial primary: %w", err)
	}
	defer conn.Close()

	epoch, seq := r.applier.LastApplied()
	sub := wire.SubscribeRequest{
		ReplicaID:    cfg.ReplicaID,
		LastEpoch:    epoch,
		LastSequence: seq,
	}
	if err := wire.WriteMessage(conn, wire.OpSubscribe, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	var snapshotBuf *bytes.Buffer
	for {
		hdr, err := wire.ReadHeader(conn)
		if err != nil {
			return fmt.Errorf("read stream header: %w", err)
		}

		switch hdr.OpCode {
		case wire.OpWALRecord:
			var msg wire.WALRecordMessage
			if err := wire.ReadBody(conn, hdr.Length, &msg); err != nil {
				return fmt.Errorf("read WAL record: %w", err)
			}
			if err := r.applyRecord(msg, &epoch, &seq); err != nil {
				return err
			}

		case wire.OpSnapshotBegin:
			var msg wire.SnapshotBeginMessage
			if err := wire.ReadBody(conn, hdr.Length, &msg); err != nil {
				return fmt.Errorf("read snapshot begin: %w", err)
			}
			snapshotBuf = &bytes.Buffer{}
			r.log.Info("snapshot transfer started", "snapshot_id", msg.SnapshotID)

		case wire.OpSnapshotChunk:
			var msg wire.SnapshotChunkMessage
			if err := wire.ReadBody(conn, hdr.Length, &msg); err != nil {
				return fmt.Errorf("read snapshot chunk: %w", err)
			}
			if snapshotBuf == nil {
				r.authority.Halt("snapshot chunk outside a transfer")
				return fmt.Errorf("snapshot chunk outside a transfer")
			}
			snapshotBuf.Write(msg.Data)

		case wire.OpSnapshotEnd:
			var msg wire.SnapshotEndMessage
			if err := wire.ReadBody(conn, hdr.Length, &msg); err != nil {
				return fmt.Errorf("read snapshot end: %w", err)
			}
			if snapshotBuf == nil {
				r.authority.Halt("snapshot end outside a transfer")
				return fmt.Errorf("snapshot end outside a transfer")
			}
			if err := r.applier.InstallSnapshot(bytes.NewReader(snapshotBuf.Bytes())); err != nil {
				r.authority.Halt(fmt.Sprintf("snapshot install failed: %v", err))
				return err
			}
			snapshotBuf = nil
			epoch, seq = r.applier.LastApplied()
			r.log.Info("snapshot installed", "epoch", epoch, "sequence", seq)

		case wire.OpError:
			var resp wire.Response
			if err := wire.ReadBody(conn, hdr.Length, &resp); err != nil {
				return err
			}
			return fmt.Errorf("primary error: %s %s", resp.Code, resp.Message)

		default:
			return fmt.Errorf("unexpected opcode %d on replication stream", hdr.OpCode)
		}
	}
}

// applyRecord verifies and applies one streamed record, enforcing the
// WAL-prefix rule: the record must immediately follow the replica's head,
// either the next sequence of the current epoch or the first sequence of a
// newer one. On a gap or checksum mismatch the replica halts and does not
// re-read.
func (r *Receiver) applyRecord(msg wire.WALRecordMessage, epoch, seq *uint64) error {
	rec, err := record.DecodeFrame(msg.Frame)
	if err != nil {
		r.authority.Halt(fmt.Sprintf("record checksum mismatch at epoch %d seq %d", msg.Epoch, msg.Sequence))
		return fmt.Errorf("streamed record failed verification: %w", err)
	}

	follows := (rec.Epoch == *epoch && rec.Sequence == *seq+1) ||
		(rec.Epoch > *epoch && rec.Sequence == 1)
	if !follows {
		r.authority.Halt(fmt.Sprintf("sequence gap: have epoch %d seq %d, got epoch %d seq %d",
			*epoch, *seq, rec.Epoch, rec.Sequence))
		return fmt.Errorf("WAL-prefix violation")
	}

	if err := r.applier.ApplyReplicated(rec); err != nil {
		r.authority.Halt(fmt.Sprintf("apply failed: %v", err))
		return err
	}
	*epoch, *seq = rec.Epoch, rec.Sequence
	return nil
}

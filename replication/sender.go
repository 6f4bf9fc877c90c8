package replication

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/kartikbazzad/durabase/internal/logger"
	"github.com/kartikbazzad/durabase/internal/snapshot"
	"github.com/kartikbazzad/durabase/internal/storage"
	"github.com/kartikbazzad/durabase/internal/wal"
	"github.com/kartikbazzad/durabase/wire"
)

// pollInterval is how often the sender re-checks the WAL for new frames
// once a subscriber is caught up.
const pollInterval = 100 * time.Millisecond

// Sender streams WAL records to subscribed replicas on the primary. It
// reads the log file directly and never touches engine state; the effect of
// its records on the replica goes through the replica's own apply path.
type Sender struct {
	dataDir string
	walPath string
	log     *slog.Logger
}

// NewSender creates a sender over the primary's data directory and WAL.
func NewSender(dataDir, walPath string) *Sender {
	return &Sender{
		dataDir: dataDir,
		walPath: walPath,
		log:     logger.Component("replication.sender"),
	}
}

// Serve streams to one subscriber until the connection drops. The replica's
// declared position decides the opening move: a position older than the
// latest snapshot's coverage gets a snapshot transfer first, everything else
// resumes WAL streaming in order.
func (s *Sender) Serve(conn net.Conn, sub wire.SubscribeRequest) error {
	s.log.Info("replica subscribed",
		"replica_id", sub.ReplicaID,
		"epoch", sub.LastEpoch,
		"sequence", sub.LastSequence)

	lastEpoch, lastSeq := sub.LastEpoch, sub.LastSequence

	behind, err := s.behindSnapshot(lastEpoch, lastSeq)
	if err != nil {
		return err
	}
	if behind {
		lastEpoch, lastSeq, err = s.sendSnapshot(conn)
		if err != nil {
			return err
		}
	}

	var offset int64
	for {
		var advanced bool
		offset, lastEpoch, lastSeq, advanced, err = s.streamFrom(conn, offset, lastEpoch, lastSeq)
		if err != nil {
			return err
		}
		if !advanced {
			time.Sleep(pollInterval)
		}

		// A truncate shrinks the file; restart at the top of the new epoch.
		if info, err := os.Stat(s.walPath); err == nil && info.Size() < offset {
			offset = 0
		}
	}
}

// streamFrom ships every frame after (lastEpoch, lastSeq) starting at the
// byte offset, returning the new position.
func (s *Sender) streamFrom(conn net.Conn, offset int64, lastEpoch, lastSeq uint64) (int64, uint64, uint64, bool, error) {
	r, err := wal.NewReaderAt(s.walPath, offset)
	if err != nil {
		return offset, lastEpoch, lastSeq, false, err
	}
	defer r.Close()

	advanced := false
	for {
		rec, n, err := r.Next()
		if err == wal.ErrEndOfLog {
			return offset, lastEpoch, lastSeq, advanced, nil
		}
		if err != nil {
			return offset, lastEpoch, lastSeq, advanced, err
		}
		offset += n

		if !rec.SeqAfter(lastEpoch, lastSeq) {
			continue
		}

		msg := wire.WALRecordMessage{
			Epoch:    rec.Epoch,
			Sequence: rec.Sequence,
			Frame:    rec.EncodeFrame(),
		}
		if err := wire.WriteMessage(conn, wire.OpWALRecord, msg); err != nil {
			return offset, lastEpoch, lastSeq, advanced, fmt.Errorf("send WAL record: %w", err)
		}
		lastEpoch, lastSeq = rec.Epoch, rec.Sequence
		advanced = true
	}
}

// behindSnapshot reports whether the replica's position predates the latest
// snapshot's coverage, meaning the records it still needs were truncated.
func (s *Sender) behindSnapshot(lastEpoch, lastSeq uint64) (bool, error) {
	id, err := snapshot.Latest(s.dataDir)
	if err != nil || id == "" {
		return false, err
	}
	boundEpoch, boundSeq, err := snapshotBoundary(s.dataDir, id)
	if err != nil {
		return false, err
	}
	if lastEpoch != boundEpoch {
		return lastEpoch < boundEpoch, nil
	}
	return lastSeq < boundSeq, nil
}

// sendSnapshot streams the latest snapshot archive and returns the position
// its storage covers.
func (s *Sender) sendSnapshot(conn net.Conn) (uint64, uint64, error) {
	id, err := snapshot.Latest(s.dataDir)
	if err != nil {
		return 0, 0, err
	}
	if id == "" {
		return 0, 0, errors.New("no snapshot available for transfer")
	}

	if err := wire.WriteMessage(conn, wire.OpSnapshotBegin, wire.SnapshotBeginMessage{SnapshotID: id}); err != nil {
		return 0, 0, err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(snapshot.PackDir(snapshot.Dir(s.dataDir, id), pw))
	}()

	buf := make([]byte, 256*1024)
	for {
		n, err := pr.Read(buf)
		if n > 0 {
			chunk := wire.SnapshotChunkMessage{Data: append([]byte(nil), buf[:n]...)}
			if werr := wire.WriteMessage(conn, wire.OpSnapshotChunk, chunk); werr != nil {
				return 0, 0, werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, fmt.Errorf("pack snapshot: %w", err)
		}
	}
	if err := wire.WriteMessage(conn, wire.OpSnapshotEnd, wire.SnapshotEndMessage{}); err != nil {
		return 0, 0, err
	}

	s.log.Info("snapshot transferred", "snapshot_id", id)
	return snapshotBoundary(s.dataDir, id)
}

// snapshotBoundary returns the newest WAL position reflected in a
// snapshot's storage copy.
func snapshotBoundary(dataDir, id string) (uint64, uint64, error) {
	st, err := storage.Open(filepath.Join(snapshot.Dir(dataDir, id), snapshot.StorageFile))
	if err != nil {
		return 0, 0, fmt.Errorf("open snapshot storage: %w", err)
	}
	defer st.Close()
	e, q := st.MaxApplied()
	return e, q, nil
}

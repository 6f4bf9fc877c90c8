package wire

import "encoding/json"

// Request is the client request envelope. Op mirrors the OpCode for JSON
// transports and logs.
type Request struct {
	Op            string          `json:"op"`
	Collection    string          `json:"collection,omitempty"`
	ID            string          `json:"id,omitempty"`
	SchemaID      string          `json:"schema_id,omitempty"`
	SchemaVersion string          `json:"schema_version,omitempty"`
	Document      json.RawMessage `json:"document,omitempty"`
	Filter        []FilterClause  `json:"filter,omitempty"`
	Sort          []SortClause    `json:"sort,omitempty"`
	Limit         int             `json:"limit,omitempty"`
}

// FilterClause is one predicate of a query filter conjunction.
type FilterClause struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// SortClause orders query results by one field.
type SortClause struct {
	Field string `json:"field"`
	Dir   string `json:"dir"`
}

// Response is the server reply envelope.
type Response struct {
	Status  string                   `json:"status"`
	ID      string                   `json:"id,omitempty"`
	Rows    []map[string]interface{} `json:"rows,omitempty"`
	Plan    json.RawMessage          `json:"plan,omitempty"`
	Code    string                   `json:"code,omitempty"`
	Message string                   `json:"message,omitempty"`
}

// SubscribeRequest opens a WAL stream. (LastEpoch, LastSequence) is the
// replica's applied head; the primary resumes immediately after it or falls
// back to a snapshot transfer when that position is no longer in its WAL.
type SubscribeRequest struct {
	ReplicaID    string `json:"replica_id"`
	LastEpoch    uint64 `json:"last_epoch"`
	LastSequence uint64 `json:"last_sequence"`
}

// WALRecordMessage ships one WAL record. Frame is the full on-disk frame
// (length, type, payload, crc32); the replica re-verifies the checksum
// before applying.
type WALRecordMessage struct {
	Epoch    uint64 `json:"epoch"`
	Sequence uint64 `json:"sequence"`
	Frame    []byte `json:"frame"`
}

// SnapshotBeginMessage starts a snapshot transfer.
type SnapshotBeginMessage struct {
	SnapshotID string `json:"snapshot_id"`
}

// SnapshotChunkMessage carries a piece of the snapshot archive.
type SnapshotChunkMessage struct {
	Data []byte `json:"data"`
}

// SnapshotEndMessage closes a snapshot transfer.
type SnapshotEndMessage struct {
	Checksum uint32 `json:"checksum"`
}

// PromoteRequest is the operator promotion command.
type PromoteRequest struct {
	Force                  bool `json:"force"`
	ConfirmDualPrimaryRisk bool `json:"confirm_dual_primary_risk"`
}

package durabase

import (
	"encoding/json"
	"fmt"

	"github.com/kartikbazzad/durabase/internal/query"
	"github.com/kartikbazzad/durabase/internal/record"
	"github.com/kartikbazzad/durabase/internal/util"
	"github.com/kartikbazzad/durabase/wire"
)

// Handle processes one request under the global execution lock and returns
// the response. The lock serializes all core state changes and all reads;
// it is released on every exit path.
//
// Write operations move through a fixed pipeline:
//
//	Received -> SchemaValidated -> WalAppended -> WalFsynced ->
//	StorageWritten -> StorageFsynced -> IndexUpdated -> VersionPublished -> Acked
//
// Any failure before WalFsynced leaves no state change. Any non-fatal
// failure at or after it leaves the record durable; redo on recovery
// produces the same state. Fatal conditions halt the engine.
func (db *Database) Handle(req *wire.Request) *wire.Response {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.halted {
		return errorResponse(util.Fatal(util.CodeEngineHalted, "engine halted on a fatal condition", db.haltErr))
	}
	if db.closed {
		return errorResponse(util.Reject(util.CodeInvalidRequest, "database is closed"))
	}

	var resp *wire.Response
	switch req.Op {
	case "insert":
		resp = db.insertLocked(req)
	case "update":
		resp = db.updateLocked(req)
	case "delete":
		resp = db.deleteLocked(req)
	case "query":
		resp = db.queryLocked(req, false)
	case "explain":
		resp = db.queryLocked(req, true)
	default:
		resp = errorResponse(util.Rejectf(util.CodeInvalidRequest, "unknown op %q", req.Op))
	}
	return resp
}

// insertLocked admits, validates, and commits a document insert.
func (db *Database) insertLocked(req *wire.Request) *wire.Response {
	if err := db.authority.AdmitWrite(); err != nil {
		return errorResponse(err)
	}

	if req.Collection == "" {
		return errorResponse(util.Reject(util.CodeInvalidRequest, "insert requires a collection"))
	}

	doc, canonical, err := db.validateDocument(req)
	if err != nil {
		return errorResponse(err)
	}
	id := doc.id

	if _, exists := db.heads[id]; exists {
		return errorResponse(util.Rejectf(util.CodeDocumentExists, "document %s already exists", id))
	}

	rec := &record.Record{
		Type:          record.TypeInsert,
		Key:           id,
		Collection:    req.Collection,
		SchemaID:      req.SchemaID,
		SchemaVersion: req.SchemaVersion,
		Document:      canonical,
	}
	if err := db.commitLocked(rec, nil); err != nil {
		return errorResponse(err)
	}
	return &wire.Response{Status: "ok", ID: id}
}

// updateLocked re-points an existing document at a new record.
func (db *Database) updateLocked(req *wire.Request) *wire.Response {
	if err := db.authority.AdmitWrite(); err != nil {
		return errorResponse(err)
	}
	if req.ID == "" {
		return errorResponse(util.Reject(util.CodeInvalidRequest, "update requires an id"))
	}

	// Existence is checked before anything durable happens: an update of a
	// missing key writes no WAL record.
	prev, exists := db.heads[req.ID]
	if !exists {
		return errorResponse(util.Rejectf(util.CodeDocumentNotFound, "document %s does not exist", req.ID))
	}

	doc, canonical, err := db.validateDocument(req)
	if err != nil {
		return errorResponse(err)
	}
	if doc.id != req.ID {
		return errorResponse(util.Rejectf(util.CodeInvalidRequest,
			"document _id %q does not match request id %q", doc.id, req.ID))
	}

	rec := &record.Record{
		Type:          record.TypeUpdate,
		Key:           req.ID,
		Collection:    prev.rec.Collection,
		SchemaID:      req.SchemaID,
		SchemaVersion: req.SchemaVersion,
		Document:      canonical,
	}
	if err := db.commitLocked(rec, &prev); err != nil {
		return errorResponse(err)
	}
	return &wire.Response{Status: "ok", ID: req.ID}
}

// deleteLocked writes an explicit tombstone for an existing document.
func (db *Database) deleteLocked(req *wire.Request) *wire.Response {
	if err := db.authority.AdmitWrite(); err != nil {
		return errorResponse(err)
	}
	if req.ID == "" {
		return errorResponse(util.Reject(util.CodeInvalidRequest, "delete requires an id"))
	}

	prev, exists := db.heads[req.ID]
	if !exists {
		return errorResponse(util.Rejectf(util.CodeDocumentNotFound, "document %s does not exist", req.ID))
	}

	rec := &record.Record{
		Type:          record.TypeDelete,
		Key:           req.ID,
		Collection:    prev.rec.Collection,
		SchemaID:      prev.rec.SchemaID,
		SchemaVersion: prev.rec.SchemaVersion,
	}
	if err := db.commitLocked(rec, &prev); err != nil {
		return errorResponse(err)
	}
	return &wire.Response{Status: "ok", ID: req.ID}
}

// queryLocked plans (and unless explain, executes) a bounded query.
func (db *Database) queryLocked(req *wire.Request, explainOnly bool) *wire.Response {
	q := &query.Query{
		Collection:    req.Collection,
		SchemaID:      req.SchemaID,
		SchemaVersion: req.SchemaVersion,
		Limit:         req.Limit,
	}
	for _, f := range req.Filter {
		q.Filter = append(q.Filter, query.Filter{Field: f.Field, Op: f.Op, Value: f.Value})
	}
	for _, s := range req.Sort {
		q.Sort = append(q.Sort, query.SortKey{Field: s.Field, Dir: s.Dir})
	}

	plan, err := db.planner.Plan(q)
	if err != nil {
		return errorResponse(err)
	}

	if explainOnly {
		raw, err := json.Marshal(plan)
		if err != nil {
			return errorResponse(util.Failure(util.CodeInvalidRequest, "plan marshal failed", err))
		}
		return &wire.Response{Status: "ok", Plan: raw}
	}

	view := db.versions.AcquireView(db.commits.Current())
	defer db.versions.ReleaseView(view)

	rows, err := db.executor.Execute(plan, view)
	if err != nil {
		if util.IsFatal(err) {
			db.haltLocked(err)
		}
		return errorResponse(err)
	}
	return &wire.Response{Status: "ok", Rows: rows}
}

// validated carries the outcome of document validation.
type validated struct {
	id  string
	doc map[string]interface{}
}

// validateDocument resolves the schema reference and strictly validates the
// request document. Returns the decoded document and its canonical bytes
// (sorted keys, number literals preserved).
func (db *Database) validateDocument(req *wire.Request) (*validated, []byte, error) {
	if req.SchemaID == "" || req.SchemaVersion == "" {
		return nil, nil, util.Reject(util.CodeSchemaRequired, "writes require schema_id and schema_version")
	}
	sch, err := db.schemas.Get(req.SchemaID, req.SchemaVersion)
	if err != nil {
		return nil, nil, err
	}
	if len(req.Document) == 0 {
		return nil, nil, util.Reject(util.CodeInvalidRequest, "write requires a document")
	}

	if err := sch.Validate(req.Document); err != nil {
		return nil, nil, err
	}

	doc, err := record.DecodeDocument(req.Document)
	if err != nil {
		return nil, nil, util.Rejectf(util.CodeSchemaValidationFailed, "document decode: %v", err)
	}
	id, ok := doc["_id"].(string)
	if !ok || id == "" {
		return nil, nil, util.Reject(util.CodeSchemaValidationFailed, "document _id must be a non-empty string")
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, util.Rejectf(util.CodeInvalidRequest, "document canonicalization: %v", err)
	}
	return &validated{id: id, doc: doc}, canonical, nil
}

// commitLocked drives a mutation through the durable pipeline. prev is the
// key's live head for updates and deletes, nil for inserts.
func (db *Database) commitLocked(rec *record.Record, prev *docHead) error {
	// WalAppended
	if _, _, err := db.wal.Append(rec); err != nil {
		// A failed append can leave partial bytes under the write head; the
		// log is no longer appendable.
		ferr := util.Fatal(util.CodeWalIOFailed, "WAL append failed", err)
		db.haltLocked(ferr)
		return ferr
	}
	// WalFsynced. Only after this may the write be acknowledged.
	if err := db.wal.Sync(); err != nil {
		ferr := util.Fatal(util.CodeWalIOFailed, "WAL fsync failed", err)
		db.haltLocked(ferr)
		return ferr
	}

	// StorageWritten
	offset, err := db.store.Write(rec)
	if err != nil {
		ferr := util.Fatal(util.CodeStorageIOFailed, "storage append failed", err)
		db.haltLocked(ferr)
		return ferr
	}
	// StorageFsynced
	if err := db.store.Sync(); err != nil {
		ferr := util.Fatal(util.CodeStorageIOFailed, "storage fsync failed", err)
		db.haltLocked(ferr)
		return ferr
	}

	// IndexUpdated
	src := registrySource{reg: db.schemas}
	var prevRec *record.Record
	var prevOff int64
	if prev != nil {
		prevRec, prevOff = prev.rec, prev.offset
	}
	if err := db.indexes.Apply(src, rec, offset, prevRec, prevOff); err != nil {
		ferr := util.Fatal(util.CodeVerificationFailed, "index maintenance failed", err)
		db.haltLocked(ferr)
		return ferr
	}

	// VersionPublished
	cid := db.commits.Next()
	if err := db.versions.Publish(rec.Key, offset, rec.Type == record.TypeDelete, cid); err != nil {
		ferr := util.Fatal(util.CodeVerificationFailed, "version publish failed", err)
		db.haltLocked(ferr)
		return ferr
	}

	if rec.Type == record.TypeDelete {
		delete(db.heads, rec.Key)
	} else {
		db.heads[rec.Key] = docHead{offset: offset, rec: rec}
	}
	return nil
}

// errorResponse renders an engine error as a wire response.
func errorResponse(err error) *wire.Response {
	if e, ok := util.AsError(err); ok {
		return &wire.Response{Status: "error", Code: e.Code, Message: e.Message}
	}
	return &wire.Response{Status: "error", Code: "Internal", Message: fmt.Sprint(err)}
}

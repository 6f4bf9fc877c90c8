package durabase

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kartikbazzad/durabase/internal/fsio"
	"github.com/kartikbazzad/durabase/internal/record"
	"github.com/kartikbazzad/durabase/internal/util"
	"github.com/kartikbazzad/durabase/internal/wal"
	"github.com/kartikbazzad/durabase/replication"
	"github.com/kartikbazzad/durabase/schema"
	"github.com/kartikbazzad/durabase/wire"
)

// testClock hands out strictly increasing timestamps so snapshot IDs never
// collide within a test.
func testClock() func() time.Time {
	t := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

const userSchemaJSON = `{
  "id": "user",
  "version": "v1",
  "fields": [
    {"name": "_id", "type": "string", "required": true},
    {"name": "age", "type": "int64", "required": true, "indexed": true},
    {"name": "name", "type": "string"}
  ]
}`

func seedSchemas(t *testing.T, dir string) {
	t.Helper()
	schemaDir := filepath.Join(dir, "metadata", "schemas")
	if err := os.MkdirAll(schemaDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(schemaDir, "user_v1.json"), []byte(userSchemaJSON), 0644); err != nil {
		t.Fatal(err)
	}
}

func openTestDB(t *testing.T, dir string) *Database {
	t.Helper()
	opts := DefaultOptions(dir)
	opts.Clock = testClock()
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func insertReq(id string, age int) *wire.Request {
	doc := fmt.Sprintf(`{"_id":%q,"age":%d}`, id, age)
	return &wire.Request{
		Op:            "insert",
		Collection:    "users",
		SchemaID:      "user",
		SchemaVersion: "v1",
		Document:      json.RawMessage(doc),
	}
}

func queryReq(limit int) *wire.Request {
	return &wire.Request{
		Op:            "query",
		Collection:    "users",
		SchemaID:      "user",
		SchemaVersion: "v1",
		Filter:        []wire.FilterClause{{Field: "age", Op: "gte", Value: json.Number("18")}},
		Sort:          []wire.SortClause{{Field: "age", Dir: "asc"}},
		Limit:         limit,
	}
}

func mustOK(t *testing.T, resp *wire.Response) *wire.Response {
	t.Helper()
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %s %s: %s", resp.Status, resp.Code, resp.Message)
	}
	return resp
}

func queryIDs(t *testing.T, db *Database, limit int) []string {
	t.Helper()
	resp := mustOK(t, db.Handle(queryReq(limit)))
	ids := make([]string, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		ids = append(ids, row["_id"].(string))
	}
	return ids
}

// Scenario: insert then query by an indexed field.
func TestInsertAndQuery(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)
	db := openTestDB(t, dir)
	defer db.Close()

	mustOK(t, db.Handle(insertReq("u1", 30)))

	resp := mustOK(t, db.Handle(queryReq(10)))
	want := []map[string]interface{}{{"_id": "u1", "age": json.Number("30")}}
	if diff := cmp.Diff(want, resp.Rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

// Scenario: a crash between WAL fsync and storage fsync loses nothing. The
// WAL record exists, storage does not have it; recovery replays it.
func TestCrashAfterWalFsync(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)

	db := openTestDB(t, dir)
	mustOK(t, db.Handle(insertReq("u1", 30)))
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulate the crash window: the next write reached the WAL (fsynced)
	// but never reached storage.
	w, err := wal.Open(filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	rec := &record.Record{
		Type:          record.TypeInsert,
		Key:           "u2",
		Collection:    "users",
		SchemaID:      "user",
		SchemaVersion: "v1",
		Document:      []byte(`{"_id":"u2","age":25}`),
	}
	if _, _, err := w.Append(rec); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Failed to sync: %v", err)
	}
	w.Close()

	db2 := openTestDB(t, dir)
	defer db2.Close()

	got := queryIDs(t, db2, 10)
	want := []string{"u2", "u1"} // sorted by age asc: 25, 30
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("recovered documents mismatch (-want +got):\n%s", diff)
	}
}

// Scenario: checkpoint, then new writes; recovery combines snapshot-covered
// state with the replayed WAL tail.
func TestCheckpointThenNewWrites(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)

	db := openTestDB(t, dir)
	mustOK(t, db.Handle(insertReq("u1", 30)))

	if _, err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if db.Stats().WalSize != 0 {
		t.Errorf("WAL not empty after checkpoint: %d bytes", db.Stats().WalSize)
	}

	mustOK(t, db.Handle(insertReq("u2", 25)))
	db.Close()

	db2 := openTestDB(t, dir)
	defer db2.Close()

	got := queryIDs(t, db2, 10)
	want := []string{"u2", "u1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("post-checkpoint recovery mismatch (-want +got):\n%s", diff)
	}
}

// Idempotent redo: the crash window between the checkpoint marker and the
// WAL truncate leaves the full WAL next to a storage that already has
// everything; replaying it must change nothing.
func TestReplayIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)

	db := openTestDB(t, dir)
	mustOK(t, db.Handle(insertReq("u1", 30)))
	mustOK(t, db.Handle(insertReq("u2", 25)))
	db.Close()

	sumBefore, err := fsio.ChecksumFile(filepath.Join(dir, "storage.dat"))
	if err != nil {
		t.Fatal(err)
	}

	// Recover twice more; storage must stay bit-identical.
	for i := 0; i < 2; i++ {
		db2 := openTestDB(t, dir)
		db2.Close()

		sum, err := fsio.ChecksumFile(filepath.Join(dir, "storage.dat"))
		if err != nil {
			t.Fatal(err)
		}
		if sum != sumBefore {
			t.Fatalf("recovery %d changed storage bytes", i+1)
		}
	}
}

// Scenario: backup, restore into an empty directory, boot, read.
func TestBackupRestore(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)

	db := openTestDB(t, dir)
	mustOK(t, db.Handle(insertReq("u1", 30)))

	if _, err := db.Snapshot(); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	archive := filepath.Join(t.TempDir(), "backup.tar")
	if _, err := db.Backup(archive); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	db.Close()

	restored := filepath.Join(t.TempDir(), "restored")
	if err := Restore(archive, restored); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	db2 := openTestDB(t, restored)
	defer db2.Close()

	got := queryIDs(t, db2, 10)
	if diff := cmp.Diff([]string{"u1"}, got); diff != "" {
		t.Errorf("restored database mismatch (-want +got):\n%s", diff)
	}
}

// A backup taken right after a checkpoint carries an empty WAL; the restored
// directory still boots from the preserved snapshot.
func TestBackupAfterCheckpointBoots(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)

	db := openTestDB(t, dir)
	mustOK(t, db.Handle(insertReq("u1", 30)))
	if _, err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	archive := filepath.Join(t.TempDir(), "backup.tar")
	if _, err := db.Backup(archive); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	db.Close()

	restored := filepath.Join(t.TempDir(), "restored")
	if err := Restore(archive, restored); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	db2 := openTestDB(t, restored)
	defer db2.Close()
	if got := queryIDs(t, db2, 10); len(got) != 1 || got[0] != "u1" {
		t.Errorf("expected u1 from snapshot-only backup, got %v", got)
	}
}

// Scenario: schema violation leaves no trace. No WAL record, no document.
func TestSchemaViolationLeavesNoState(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)
	db := openTestDB(t, dir)
	defer db.Close()

	walBefore := db.Stats().WalSize

	req := &wire.Request{
		Op:            "insert",
		Collection:    "users",
		SchemaID:      "user",
		SchemaVersion: "v1",
		Document:      json.RawMessage(`{"_id":"u2","age":"thirty"}`),
	}
	resp := db.Handle(req)
	if resp.Status != "error" || resp.Code != util.CodeSchemaValidationFailed {
		t.Fatalf("expected SchemaValidationFailed, got %s %s", resp.Status, resp.Code)
	}

	if db.Stats().WalSize != walBefore {
		t.Errorf("rejected write changed the WAL: %d -> %d", walBefore, db.Stats().WalSize)
	}

	idReq := &wire.Request{
		Op: "query", Collection: "users", SchemaID: "user", SchemaVersion: "v1",
		Filter: []wire.FilterClause{{Field: "_id", Op: "eq", Value: "u2"}},
		Limit:  1,
	}
	rows := mustOK(t, db.Handle(idReq)).Rows
	if len(rows) != 0 {
		t.Errorf("rejected document is readable: %v", rows)
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)

	db := openTestDB(t, dir)
	mustOK(t, db.Handle(insertReq("u1", 30)))

	up := &wire.Request{
		Op: "update", ID: "u1",
		SchemaID: "user", SchemaVersion: "v1",
		Document: json.RawMessage(`{"_id":"u1","age":31}`),
	}
	mustOK(t, db.Handle(up))
	db.Close()

	db2 := openTestDB(t, dir)
	defer db2.Close()

	resp := mustOK(t, db2.Handle(queryReq(10)))
	if len(resp.Rows) != 1 || resp.Rows[0]["age"] != json.Number("31") {
		t.Errorf("expected updated age 31, got %v", resp.Rows)
	}
}

func TestUpdateMissingDocumentWritesNothing(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)
	db := openTestDB(t, dir)
	defer db.Close()

	walBefore := db.Stats().WalSize
	up := &wire.Request{
		Op: "update", ID: "ghost",
		SchemaID: "user", SchemaVersion: "v1",
		Document: json.RawMessage(`{"_id":"ghost","age":1}`),
	}
	resp := db.Handle(up)
	if resp.Code != util.CodeDocumentNotFound {
		t.Errorf("expected DocumentNotFound, got %s", resp.Code)
	}
	if db.Stats().WalSize != walBefore {
		t.Errorf("rejected update wrote a WAL record")
	}
}

func TestDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)

	db := openTestDB(t, dir)
	mustOK(t, db.Handle(insertReq("u1", 30)))
	mustOK(t, db.Handle(&wire.Request{Op: "delete", ID: "u1"}))
	db.Close()

	db2 := openTestDB(t, dir)
	defer db2.Close()

	if got := queryIDs(t, db2, 10); len(got) != 0 {
		t.Errorf("deleted document recovered: %v", got)
	}
}

func TestUnboundedQueryRejected(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)
	db := openTestDB(t, dir)
	defer db.Close()

	req := queryReq(0)
	resp := db.Handle(req)
	if resp.Code != util.CodeUnboundedQuery {
		t.Errorf("expected UnboundedQuery, got %s", resp.Code)
	}

	req = queryReq(10)
	req.Filter = []wire.FilterClause{{Field: "name", Op: "eq", Value: "Ada"}}
	resp = db.Handle(req)
	if resp.Code != util.CodeUnboundedQuery {
		t.Errorf("expected UnboundedQuery for unindexed filter, got %s", resp.Code)
	}
}

func TestExplainReturnsPlan(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)
	db := openTestDB(t, dir)
	defer db.Close()

	req := queryReq(10)
	req.Op = "explain"
	resp := mustOK(t, db.Handle(req))

	var plan map[string]interface{}
	if err := json.Unmarshal(resp.Plan, &plan); err != nil {
		t.Fatalf("plan not parseable: %v", err)
	}
	if plan["chosen_index"] != "age" {
		t.Errorf("expected chosen_index age, got %v", plan["chosen_index"])
	}
	if plan["limit"] != float64(10) {
		t.Errorf("expected limit 10, got %v", plan["limit"])
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)
	db := openTestDB(t, dir)
	defer db.Close()

	mustOK(t, db.Handle(insertReq("u1", 30)))
	resp := db.Handle(insertReq("u1", 31))
	if resp.Code != util.CodeDocumentExists {
		t.Errorf("expected DocumentExists, got %s", resp.Code)
	}
}

func TestWritesDeniedOnReplica(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)

	opts := DefaultOptions(dir)
	opts.Clock = testClock()
	opts.Replication = replication.Config{Role: replication.RoleReplica, PrimaryAddr: "127.0.0.1:1"}
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Failed to open replica: %v", err)
	}
	defer db.Close()

	resp := db.Handle(insertReq("u1", 30))
	if resp.Code != util.CodeAuthorityDenied {
		t.Errorf("expected AuthorityDenied on replica, got %s", resp.Code)
	}
}

func TestPromotedReplicaAdmitsWrites(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)

	opts := DefaultOptions(dir)
	opts.Clock = testClock()
	opts.Replication = replication.Config{Role: replication.RoleReplica, PrimaryAddr: "127.0.0.1:1"}
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Failed to open replica: %v", err)
	}

	checks := replication.PromotionChecks{
		CaughtUp:         func() (bool, error) { return true, nil },
		PrimaryReachable: func() bool { return false },
	}
	if err := db.Promote(wire.PromoteRequest{}, checks); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	mustOK(t, db.Handle(insertReq("u1", 30)))
	db.Close()

	// The durable marker outlives the restart; the node reopens as primary.
	db2, err := Open(&Options{Path: dir, Clock: testClock(),
		Replication: replication.Config{Role: replication.RoleReplica, PrimaryAddr: "127.0.0.1:1"}})
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer db2.Close()

	if db2.Authority().State() != replication.StatePrimaryActive {
		t.Errorf("expected PrimaryActive after restart, got %s", db2.Authority().State())
	}
	mustOK(t, db2.Handle(insertReq("u2", 25)))
}

func TestRecoverySchemaMissingIsFatal(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)

	db := openTestDB(t, dir)
	mustOK(t, db.Handle(insertReq("u1", 30)))
	db.Close()

	// Remove the schema the stored document references.
	if err := os.Remove(filepath.Join(dir, "metadata", "schemas", "user_v1.json")); err != nil {
		t.Fatal(err)
	}

	opts := DefaultOptions(dir)
	opts.Clock = testClock()
	_, err := Open(opts)
	if err == nil {
		t.Fatal("expected startup to fail with a missing schema")
	}
	if e, ok := util.AsError(err); !ok || e.Code != util.CodeRecoverySchemaMissing {
		t.Errorf("expected RecoverySchemaMissing, got %v", err)
	}
}

func TestInteriorWalCorruptionRefusesToServe(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)

	db := openTestDB(t, dir)
	mustOK(t, db.Handle(insertReq("u1", 30)))
	mustOK(t, db.Handle(insertReq("u2", 25)))
	db.Close()

	// Flip a byte inside the first WAL record.
	path := filepath.Join(dir, "wal", "wal.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[12] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	opts := DefaultOptions(dir)
	opts.Clock = testClock()
	_, err = Open(opts)
	if err == nil {
		t.Fatal("expected startup to fail on interior WAL corruption")
	}
	if e, ok := util.AsError(err); !ok || e.Code != util.CodeWalCorruption {
		t.Errorf("expected WalCorruption, got %v", err)
	}
}

func TestCleanShutdownMarkerLifecycle(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)

	db := openTestDB(t, dir)
	db.Close()

	markerPath := filepath.Join(dir, "clean_shutdown")
	if _, err := os.Stat(markerPath); err != nil {
		t.Fatalf("clean shutdown marker missing after Close: %v", err)
	}

	db2 := openTestDB(t, dir)
	defer db2.Close()
	if _, err := os.Stat(markerPath); !os.IsNotExist(err) {
		t.Errorf("recovery must remove the clean shutdown marker")
	}
}

func TestSchemaRegistrationImmutable(t *testing.T) {
	dir := t.TempDir()
	seedSchemas(t, dir)
	db := openTestDB(t, dir)
	defer db.Close()

	dup := &schema.Schema{
		ID:      "user",
		Version: "v1",
		Fields: []schema.Field{
			{Name: "_id", Type: schema.TypeString, Required: true},
		},
	}
	err := db.RegisterSchema(dup)
	if e, ok := util.AsError(err); !ok || e.Code != util.CodeSchemaImmutable {
		t.Errorf("expected SchemaImmutable, got %v", err)
	}
}

func TestReplicatedApplyPath(t *testing.T) {
	// Build a history on a primary, then stream its WAL records into a
	// fresh replica through the apply path and compare.
	primaryDir := t.TempDir()
	seedSchemas(t, primaryDir)
	primary := openTestDB(t, primaryDir)
	mustOK(t, primary.Handle(insertReq("u1", 30)))
	mustOK(t, primary.Handle(insertReq("u2", 25)))
	mustOK(t, primary.Handle(&wire.Request{Op: "delete", ID: "u2"}))

	replicaDir := t.TempDir()
	seedSchemas(t, replicaDir)
	opts := DefaultOptions(replicaDir)
	opts.Clock = testClock()
	opts.Replication = replication.Config{Role: replication.RoleReplica, PrimaryAddr: "127.0.0.1:1"}
	replica, err := Open(opts)
	if err != nil {
		t.Fatalf("Failed to open replica: %v", err)
	}
	defer replica.Close()

	r, err := primary.WalReader()
	if err != nil {
		t.Fatalf("Failed to open WAL reader: %v", err)
	}
	defer r.Close()
	for {
		rec, _, err := r.Next()
		if err == wal.ErrEndOfLog {
			break
		}
		if err != nil {
			t.Fatalf("WAL read failed: %v", err)
		}
		if err := replica.ApplyReplicated(rec); err != nil {
			t.Fatalf("ApplyReplicated failed: %v", err)
		}
	}
	primary.Close()

	// The replica's applied position matches the primary's history.
	epoch, seq := replica.LastApplied()
	if epoch != 0 || seq != 3 {
		t.Errorf("expected applied position (0,3), got (%d,%d)", epoch, seq)
	}

	// Reads on the replica see the same state.
	got := queryIDs(t, replica, 10)
	if diff := cmp.Diff([]string{"u1"}, got); diff != "" {
		t.Errorf("replica state mismatch (-want +got):\n%s", diff)
	}
}

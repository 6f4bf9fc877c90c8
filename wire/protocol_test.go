package wire

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req := Request{
		Op:            "insert",
		Collection:    "users",
		SchemaID:      "user",
		SchemaVersion: "v1",
		Document:      json.RawMessage(`{"_id":"u1","age":30}`),
	}
	if err := WriteMessage(&buf, OpInsert, req); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	hdr, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if hdr.OpCode != OpInsert {
		t.Errorf("expected OpInsert, got %d", hdr.OpCode)
	}

	var got Request
	if err := ReadBody(&buf, hdr.Length, &got); err != nil {
		t.Fatalf("ReadBody failed: %v", err)
	}
	if got.Collection != "users" || got.SchemaID != "user" {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, OpReply, nil); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	hdr, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if hdr.Length != 0 {
		t.Errorf("expected zero-length body, got %d", hdr.Length)
	}

	var v map[string]interface{}
	if err := ReadBody(&buf, hdr.Length, &v); err != nil {
		t.Errorf("ReadBody on empty body failed: %v", err)
	}
}

func TestReadBodyPreservesNumbers(t *testing.T) {
	var buf bytes.Buffer
	body := map[string]interface{}{"value": 42}
	if err := WriteMessage(&buf, OpQuery, body); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	hdr, _ := ReadHeader(&buf)
	var got map[string]interface{}
	if err := ReadBody(&buf, hdr.Length, &got); err != nil {
		t.Fatalf("ReadBody failed: %v", err)
	}
	if _, ok := got["value"].(json.Number); !ok {
		t.Errorf("expected json.Number, got %T", got["value"])
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpInsert))
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // absurd length

	if _, err := ReadHeader(&buf); err == nil {
		t.Error("expected oversized body to be rejected")
	}
}

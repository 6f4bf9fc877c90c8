// Package wire defines the binary network protocol for durabase.
//
// Protocol Format:
//
//	[Header (5 bytes)] + [Body (JSON)]
//
// Header:
//   - OpCode (1 byte): Operation type (Insert, Query, etc.)
//   - Length (4 bytes): Uint32 Big-Endian size of Body
//
// Body:
//   - JSON encoded payload corresponding to the OpCode.
//
// The same framing carries client requests, WAL streaming between primary
// and replicas, and the promotion control operation.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// OpCode defines the operation type for the wire protocol.
type OpCode uint8

const (
	OpInsert  OpCode = 1
	OpQuery   OpCode = 2
	OpUpdate  OpCode = 3
	OpDelete  OpCode = 4
	OpExplain OpCode = 5

	// Server responses
	OpReply OpCode = 10
	OpError OpCode = 11

	// Replication (internal)
	OpSubscribe     OpCode = 20
	OpWALRecord     OpCode = 21
	OpSnapshotBegin OpCode = 22
	OpSnapshotChunk OpCode = 23
	OpSnapshotEnd   OpCode = 24

	// Operator control
	OpPromote OpCode = 30
)

// Header is the fixed-size message header (5 bytes)
type Header struct {
	OpCode OpCode
	Length uint32 // Length of the JSON body
}

const HeaderSize = 5

// MaxBodySize bounds a single message body (32MB).
const MaxBodySize = 32 * 1024 * 1024

// WriteMessage writes a message (OpCode + Body) to the writer
func WriteMessage(w io.Writer, op OpCode, body interface{}) error {
	var bodyBytes []byte
	var err error
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
	}

	buf := make([]byte, HeaderSize+len(bodyBytes))
	buf[0] = byte(op)
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(len(bodyBytes)))
	copy(buf[HeaderSize:], bodyBytes)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// ReadHeader reads and decodes the message header
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}

	h := Header{
		OpCode: OpCode(buf[0]),
		Length: binary.BigEndian.Uint32(buf[1:]),
	}
	if h.Length > MaxBodySize {
		return Header{}, fmt.Errorf("message body too large: %d bytes", h.Length)
	}
	return h, nil
}

// ReadBody reads the body into the provided interface
func ReadBody(r io.Reader, length uint32, v interface{}) error {
	if length == 0 {
		return nil
	}

	lr := io.LimitReader(r, int64(length))
	decoder := json.NewDecoder(lr)
	decoder.UseNumber()
	return decoder.Decode(v)
}

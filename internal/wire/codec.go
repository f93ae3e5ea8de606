// Package wire implements the framed wire protocol shared by every
// TLS client session and every Unix helper socket: an 8-byte header
// (version, tag, length, all network byte order) followed by that
// many opaque body bytes. Bodies are gob-encoded: the request id rides
// in the first body field, and gob's self-describing framing saves
// hand-packing every message type.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
)

// ProtocolVersion is the only version this engine speaks (AV0).
const ProtocolVersion uint16 = 0

// HeaderSize is the fixed length of every frame header.
const HeaderSize = 8

// MaxBodySize is the largest body length the header's 32-bit length
// field can represent; anything larger is a framing error.
const MaxBodySize = 1<<32 - 1

// Tag identifies what a frame's body contains.
type Tag uint16

const (
	// Command space.
	TagInfo Tag = iota
	TagCreate
	TagDestroy
	TagStatistics
	TagConsole
	TagLog
	TagCrl
	TagForceCreate

	// Reply space.
	TagSuccess
	TagFailure

	// Event space.
	TagEventConsoleLine
	TagEventLogLine
	TagEventStatsSample

	// Helper control space: engine -> console/stats helper only, never
	// seen on a TLS session.
	TagAttach
	TagDetach
	TagAddPid
	TagRemovePid
)

func (t Tag) String() string {
	switch t {
	case TagInfo:
		return "info"
	case TagCreate:
		return "create"
	case TagDestroy:
		return "destroy"
	case TagStatistics:
		return "statistics"
	case TagConsole:
		return "console"
	case TagLog:
		return "log"
	case TagCrl:
		return "crl"
	case TagForceCreate:
		return "force-create"
	case TagSuccess:
		return "success"
	case TagFailure:
		return "failure"
	case TagEventConsoleLine:
		return "console-line"
	case TagEventLogLine:
		return "log-line"
	case TagEventStatsSample:
		return "stats-sample"
	case TagAttach:
		return "attach"
	case TagDetach:
		return "detach"
	case TagAddPid:
		return "add-pid"
	case TagRemovePid:
		return "remove-pid"
	}
	return fmt.Sprintf("tag(%d)", uint16(t))
}

// Header is the fixed 8-byte frame prefix.
type Header struct {
	Version uint16
	Tag     Tag
	Length  uint32
}

// ErrTooLarge is returned when a body would not fit in the header's
// 32-bit length field.
var ErrTooLarge = errors.New("wire: message exceeds maximum frame size")

// EncodeHeader writes h to exactly HeaderSize bytes, network byte order.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.Tag))
	binary.BigEndian.PutUint32(buf[4:8], h.Length)
	return buf
}

// DecodeHeader parses exactly HeaderSize bytes into a Header.
func DecodeHeader(buf []byte) Header {
	return Header{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Tag:     Tag(binary.BigEndian.Uint16(buf[2:4])),
		Length:  binary.BigEndian.Uint32(buf[4:8]),
	}
}

// EncodeBody gob-encodes payload into a body and checks it against
// MaxBodySize.
func EncodeBody(payload interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("wire: encode body: %w", err)
	}
	if uint64(buf.Len()) > MaxBodySize {
		return nil, ErrTooLarge
	}
	return buf.Bytes(), nil
}

// DecodeBody gob-decodes body into payload, which must be a pointer.
func DecodeBody(body []byte, payload interface{}) error {
	dec := gob.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(payload); err != nil {
		return fmt.Errorf("wire: decode body: %w", err)
	}
	return nil
}

// Encode builds a complete frame (header bytes followed by the
// gob-encoded body) for tag/payload at the given protocol version.
func Encode(version uint16, tag Tag, payload interface{}) ([]byte, error) {
	body, err := EncodeBody(payload)
	if err != nil {
		return nil, err
	}
	h := Header{Version: version, Tag: tag, Length: uint32(len(body))}
	return append(EncodeHeader(h), body...), nil
}

// FailureBody is the body of every TagFailure reply.
type FailureBody struct {
	ID      uint32
	For     Tag
	Message string
}

// Fail constructs a TagFailure frame for request id, replying to the
// command tag for, carrying a human-readable message.
func Fail(version uint16, id uint32, forTag Tag, msg string) ([]byte, error) {
	return Encode(version, TagFailure, FailureBody{ID: id, For: forTag, Message: msg})
}

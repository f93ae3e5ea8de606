// Package transport implements the uniform framed read/write used
// over every stream transport the engine talks to — TLS client
// sessions and Unix helper sockets alike. It never looks past
// io.Reader/io.Writer, so the same two functions drive both.
package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/bramford/albatross/internal/wire"
)

// Error kinds callers branch on.
var (
	ErrEOF      = errors.New("transport: connection closed")
	ErrTooLarge = wire.ErrTooLarge
)

// TransportError wraps any I/O failure that isn't a clean EOF or an
// oversized frame.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrEOF
	}
	return &TransportError{Err: err}
}

// ReadFrame retries short reads until the 8-byte header is complete,
// then reads exactly Length body bytes. It never returns a partial
// header or body.
func ReadFrame(r io.Reader) (wire.Header, []byte, error) {
	hdr := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return wire.Header{}, nil, wrapErr(err)
	}

	h := wire.DecodeHeader(hdr)
	if uint64(h.Length) > wire.MaxBodySize {
		return wire.Header{}, nil, ErrTooLarge
	}

	body := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return wire.Header{}, nil, wrapErr(err)
		}
	}
	return h, body, nil
}

// WriteRaw sends every byte of buf, looping on short writes, and
// wraps any failure as a TransportError (ErrEOF on broken pipes is
// surfaced the same way a read EOF is — both mean the peer is gone).
func WriteRaw(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return wrapErr(err)
		}
		buf = buf[n:]
	}
	return nil
}

// WriteFrame encodes header and body and writes the resulting frame
// in one WriteRaw call.
func WriteFrame(w io.Writer, h wire.Header, body []byte) error {
	if uint64(len(body)) > wire.MaxBodySize {
		return ErrTooLarge
	}
	h.Length = uint32(len(body))
	buf := append(wire.EncodeHeader(h), body...)
	return WriteRaw(w, buf)
}

// WriteMessage gob-encodes payload under tag/version and writes the
// resulting frame.
func WriteMessage(w io.Writer, version uint16, tag wire.Tag, payload interface{}) error {
	frame, err := wire.Encode(version, tag, payload)
	if err != nil {
		return err
	}
	return WriteRaw(w, frame)
}

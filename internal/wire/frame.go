// Package wire defines the framed protocol spoken between the neildev daemon
// and its consumers over the published endpoint.
//
// Every frame is [4-byte LE opcode][4-byte LE length][payload], with the
// payload msgpack-encoded. A session opens with Hello/Welcome, then carries
// Request/Response pairs matched by nonce and unsolicited Wake frames for
// subscribed connections.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Opcode identifies a frame type.
type Opcode uint32

const (
	// OpHello is sent by the client to open a session.
	OpHello Opcode = 0
	// OpRequest carries a [Request].
	OpRequest Opcode = 1
	// OpResponse carries a [Response].
	OpResponse Opcode = 2
	// OpWake is pushed to subscribed clients when readiness may have changed.
	OpWake Opcode = 3
	// OpClose ends the session.
	OpClose Opcode = 4
	// OpWelcome answers OpHello.
	OpWelcome Opcode = 5

	// headerSize is the opcode plus length prefix.
	headerSize = 8

	// MaxPayloadSize caps a single frame payload (1 MiB).
	MaxPayloadSize = 1 << 20

	// Version is the protocol version sent in Hello.
	Version = 1
)

// String returns the opcode name.
func (o Opcode) String() string {
	switch o {
	case OpHello:
		return "hello"
	case OpRequest:
		return "request"
	case OpResponse:
		return "response"
	case OpWake:
		return "wake"
	case OpClose:
		return "close"
	case OpWelcome:
		return "welcome"
	default:
		return fmt.Sprintf("op(%d)", uint32(o))
	}
}

// ErrPayloadTooLarge is returned when a frame payload exceeds MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("payload too large")

// ///////////////////////////////////////////////
// Frame Encoding
// ///////////////////////////////////////////////

// EncodeFrame builds a frame from an opcode and raw payload.
func EncodeFrame(op Opcode, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	frame := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(op))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// DecodeFrame reads one frame from r, handling short reads.
func DecodeFrame(r io.Reader) (Opcode, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("reading frame header: %w", err)
	}
	op := Opcode(binary.LittleEndian.Uint32(header[0:4]))
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, length, MaxPayloadSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return op, payload, nil
}

// ///////////////////////////////////////////////
// Message Framing
// ///////////////////////////////////////////////

// Marshal msgpack-encodes v and frames it under op. A nil v yields an empty
// payload.
func Marshal(op Opcode, v any) ([]byte, error) {
	if v == nil {
		return EncodeFrame(op, nil)
	}
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", op, err)
	}
	return EncodeFrame(op, payload)
}

// Unmarshal decodes a msgpack payload into v.
func Unmarshal(payload []byte, v any) error {
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}

// WriteMessage frames v under op and writes it to w in a single call.
func WriteMessage(w io.Writer, op Opcode, v any) error {
	frame, err := Marshal(op, v)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing %s frame: %w", op, err)
	}
	return nil
}

// ///////////////////////////////////////////////
// Requests
// ///////////////////////////////////////////////

// nonceSize is the LE nonce prefix of every request payload.
const nonceSize = 8

// ErrShortRequest is returned for a request payload too short to carry a
// nonce.
var ErrShortRequest = errors.New("request shorter than its nonce")

// WriteRequest frames req under OpRequest as [8-byte LE nonce][msgpack body].
func WriteRequest(w io.Writer, req Request) error {
	body, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", OpRequest, err)
	}
	payload := make([]byte, nonceSize+len(body))
	binary.LittleEndian.PutUint64(payload[:nonceSize], req.Nonce)
	copy(payload[nonceSize:], body)
	frame, err := EncodeFrame(OpRequest, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing %s frame: %w", OpRequest, err)
	}
	return nil
}

// DecodeRequest parses an OpRequest payload. The returned Nonce is set
// whenever the prefix is present, even if the body fails to decode.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if len(payload) < nonceSize {
		return req, fmt.Errorf("%w: %d bytes", ErrShortRequest, len(payload))
	}
	nonce := binary.LittleEndian.Uint64(payload[:nonceSize])
	err := Unmarshal(payload[nonceSize:], &req)
	req.Nonce = nonce
	return req, err
}

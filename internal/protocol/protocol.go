// Package protocol implements the stateless wire codec for the live-posting
// gateway.
//
// Two frame families exist. Text frames are a two-ASCII-digit zero-padded
// type code followed directly by an optional JSON payload. Binary frames end
// with a one-byte type; server-to-client binary frames additionally lead with
// the post id encoded as a float64 little-endian, chosen so browsers can read
// it with a single DataView.getFloat64 call.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/ashchan/livefeed"
)

// SafeIntegerMax is the IEEE 754 double-precision safe integer ceiling
// (2^53). Post ids above it are ambiguous between adjacent integers after a
// float64 round trip and are rejected at encode time.
const SafeIntegerMax = uint64(1) << 53

const postIDSize = 8

var (
	// ErrFrameTooShort reports a truncated frame or payload.
	ErrFrameTooShort = errors.New("protocol: frame too short")

	// ErrEmptyFrame reports a zero-length binary frame.
	ErrEmptyFrame = errors.New("protocol: empty binary frame")

	// ErrPrecisionLoss reports a post id that does not round-trip through
	// float64 within the 0.5 tolerance.
	ErrPrecisionLoss = errors.New("protocol: post id lost precision in float64 decode")
)

// EncodePostID encodes a post id as 8 bytes of float64 little-endian.
// Ids above 2^53 fail rather than silently losing precision.
func EncodePostID(postID uint64) ([]byte, error) {
	if postID > SafeIntegerMax {
		return nil, fmt.Errorf("protocol: post id %d exceeds float64 safe integer range [0, 2^53]", postID)
	}
	buf := make([]byte, postIDSize)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(float64(postID)))
	return buf, nil
}

// DecodePostID decodes a post id from the first 8 bytes of data. The
// recovered integer must be within 0.5 of the decoded float, else the id was
// large enough to be ambiguous and the frame is rejected.
func DecodePostID(data []byte) (uint64, error) {
	if len(data) < postIDSize {
		return 0, fmt.Errorf("%w: need %d bytes for post id, got %d", ErrFrameTooShort, postIDSize, len(data))
	}
	f := math.Float64frombits(binary.LittleEndian.Uint64(data[:postIDSize]))
	if f < 0 || f > float64(SafeIntegerMax) {
		return 0, fmt.Errorf("protocol: post id %v outside float64 safe integer range [0, 2^53]", f)
	}
	id := uint64(f)
	if math.Abs(f-float64(id)) >= 0.5 {
		return 0, fmt.Errorf("%w: float=%v int=%d", ErrPrecisionLoss, f, id)
	}
	return id, nil
}

// EncodeAppend builds an append broadcast frame:
// [postID:f64LE][char:utf8][0x02].
func EncodeAppend(postID uint64, char []byte) ([]byte, error) {
	id, err := EncodePostID(postID)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(id)+len(char)+1)
	frame = append(frame, id...)
	frame = append(frame, char...)
	return append(frame, livefeed.BinaryAppend), nil
}

// EncodeBackspace builds a backspace broadcast frame: [postID:f64LE][0x03].
func EncodeBackspace(postID uint64) ([]byte, error) {
	id, err := EncodePostID(postID)
	if err != nil {
		return nil, err
	}
	return append(id, livefeed.BinaryBackspace), nil
}

// EncodeSplice builds a splice broadcast frame:
// [postID:f64LE][start:u16LE][len:u16LE][text:utf8][0x04].
func EncodeSplice(postID uint64, start, deleteCount uint16, text string) ([]byte, error) {
	id, err := EncodePostID(postID)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(id)+4+len(text)+1)
	frame = append(frame, id...)
	frame = binary.LittleEndian.AppendUint16(frame, start)
	frame = binary.LittleEndian.AppendUint16(frame, deleteCount)
	frame = append(frame, text...)
	return append(frame, livefeed.BinarySplice), nil
}

// DecodeClientFrame splits a client-sent binary frame into its trailing type
// byte and payload. Client frames carry no post id; the server infers the
// owning post from connection state.
func DecodeClientFrame(data []byte) (typ byte, payload []byte, err error) {
	if len(data) < 1 {
		return 0, nil, ErrEmptyFrame
	}
	return data[len(data)-1], data[:len(data)-1], nil
}

// SplicePayload is a decoded client splice request.
type SplicePayload struct {
	Start       uint16
	DeleteCount uint16
	Text        string
}

// DecodeSplicePayload decodes [start:u16LE][len:u16LE][text:utf8] from a
// client splice frame (type byte already stripped).
func DecodeSplicePayload(payload []byte) (SplicePayload, error) {
	if len(payload) < 4 {
		return SplicePayload{}, fmt.Errorf("%w: need >= 4 bytes for splice header, got %d", ErrFrameTooShort, len(payload))
	}
	return SplicePayload{
		Start:       binary.LittleEndian.Uint16(payload[0:2]),
		DeleteCount: binary.LittleEndian.Uint16(payload[2:4]),
		Text:        string(payload[4:]),
	}, nil
}

// EncodeText builds a text frame: two-digit zero-padded type code followed
// directly by the JSON-encoded payload. A nil payload produces the bare
// prefix.
func EncodeText(typ int, payload any) (string, error) {
	if typ < 0 || typ > 99 {
		return "", fmt.Errorf("protocol: text type %d outside [0, 99]", typ)
	}
	prefix := fmt.Sprintf("%02d", typ)
	if payload == nil {
		return prefix, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("protocol: encode text payload: %w", err)
	}
	return prefix + string(data), nil
}

// EncodeConcat wraps several raw text messages into one concat frame
// (type 33, JSON array of the raw strings in order).
func EncodeConcat(messages []string) (string, error) {
	return EncodeText(livefeed.TextConcat, messages)
}

// EncodeError builds a connection-local error frame (type 0).
func EncodeError(message string) string {
	// The payload is two fixed JSON-safe fields; marshalling cannot fail.
	msg, _ := EncodeText(livefeed.TextError, map[string]string{"error": message})
	return msg
}

// DecodeText splits a text frame into its type code and raw JSON payload.
// The payload is returned unparsed; callers unmarshal into their own shapes.
func DecodeText(data string) (typ int, payload []byte, err error) {
	if len(data) < 2 {
		return 0, nil, fmt.Errorf("%w: need >= 2 chars for text type", ErrFrameTooShort)
	}
	d0, d1 := data[0], data[1]
	if d0 < '0' || d0 > '9' || d1 < '0' || d1 > '9' {
		return 0, nil, fmt.Errorf("protocol: malformed text type code %q", data[:2])
	}
	return int(d0-'0')*10 + int(d1-'0'), []byte(data[2:]), nil
}

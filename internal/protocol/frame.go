package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyPacket       = errors.New("empty packet")
	ErrMissingLengthByte = errors.New("packet has no payload length byte")
	ErrPayloadTooLarge   = errors.New("payload exceeds single-byte length field")
	ErrInvalidWireText   = errors.New("invalid wire text")
)

// Envelope is one decoded request datagram.
//
// Length is advisory: Payload is everything after the header regardless of
// what Length declares. The per-kind decoders reconcile the two.
type Envelope struct {
	Kind    Kind
	Tag     byte // raw kind byte as received, kept for logging Invalid frames
	Length  uint8
	Payload []byte
}

// Decode splits a raw datagram into an Envelope. An unrecognized kind byte is
// not an error; it yields an Envelope of KindInvalid.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrMissingLengthByte, len(data))
	}

	// Copy so the envelope does not alias the caller's receive buffer.
	payload := make([]byte, len(data)-HeaderSize)
	copy(payload, data[HeaderSize:])

	return &Envelope{
		Kind:    ParseKind(data[0]),
		Tag:     data[0],
		Length:  data[2],
		Payload: payload,
	}, nil
}

// newEnvelope builds an outgoing envelope, refusing payloads the length field
// cannot describe.
func newEnvelope(kind Kind, declared int, payload []byte) (*Envelope, error) {
	if len(payload) > MaxPayloadSize || declared > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %s payload is %d bytes", ErrPayloadTooLarge, kind, len(payload))
	}
	return &Envelope{
		Kind:    kind,
		Tag:     byte(kind),
		Length:  uint8(declared),
		Payload: payload,
	}, nil
}

// Bytes serializes the envelope. The reserved byte is always written as 0x00.
func (e *Envelope) Bytes() []byte {
	out := make([]byte, HeaderSize+len(e.Payload))
	out[0] = e.Tag
	out[1] = 0x00
	out[2] = e.Length
	copy(out[HeaderSize:], e.Payload)
	return out
}

// WireText renders the envelope in the spaced-hex audit form.
func (e *Envelope) WireText() string {
	return FormatWire(e.Bytes())
}

// EncodeWire renders a frame from its kind byte, length byte and the payload
// as a hex string, in the spaced uppercase form ("03 00 04 00 00 5F F4").
func EncodeWire(kind, length byte, payloadHex string) (string, error) {
	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWireText, err)
	}
	frame := make([]byte, 0, HeaderSize+len(payload))
	frame = append(frame, kind, 0x00, length)
	frame = append(frame, payload...)
	return FormatWire(frame), nil
}

// FormatWire renders bytes as two uppercase hex digits per byte separated by
// single spaces.
func FormatWire(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b)*3 - 1)
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{v})))
	}
	return sb.String()
}

// ParseWire is the inverse of FormatWire. Whitespace between byte pairs is
// ignored; each pair must be exactly two hex digits.
func ParseWire(s string) ([]byte, error) {
	fields := strings.Fields(s)
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		if len(f) != 2 {
			return nil, fmt.Errorf("%w: %q is not a byte pair", ErrInvalidWireText, f)
		}
		b, err := hex.DecodeString(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWireText, err)
		}
		out = append(out, b[0])
	}
	return out, nil
}

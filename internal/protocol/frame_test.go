package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeShortFrames(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrEmptyPacket) {
		t.Fatalf("nil: expected ErrEmptyPacket, got %v", err)
	}
	if _, err := Decode([]byte{}); !errors.Is(err, ErrEmptyPacket) {
		t.Fatalf("empty: expected ErrEmptyPacket, got %v", err)
	}
	for _, data := range [][]byte{{0x03}, {0x03, 0x00}} {
		if _, err := Decode(data); !errors.Is(err, ErrMissingLengthByte) {
			t.Fatalf("% X: expected ErrMissingLengthByte, got %v", data, err)
		}
	}
}

func TestDecodeHeaderOnly(t *testing.T) {
	env, err := Decode([]byte{0x03, 0x00, 0x04})
	if err != nil {
		t.Fatal(err)
	}
	if env.Kind != KindHeartbeat || env.Length != 4 || len(env.Payload) != 0 {
		t.Fatalf("got %+v", env)
	}
}

func TestDecodeIgnoresDeclaredLength(t *testing.T) {
	data := []byte{0x02, 0x00, 0x01, 1, 2, 3, 4, 5, 6}
	env, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(env.Payload, data[3:]) {
		t.Fatalf("payload: got % X, want % X", env.Payload, data[3:])
	}
	if env.Length != 1 {
		t.Fatalf("length: got %d, want 1", env.Length)
	}
}

func TestDecodeDoesNotAliasBuffer(t *testing.T) {
	data := []byte{0x03, 0x00, 0x04, 0, 0, 0x5F, 0xF4}
	env, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	data[5] = 0xFF
	if env.Payload[2] != 0x5F {
		t.Fatal("envelope payload aliases the receive buffer")
	}
}

func TestEnvelopeBytesRoundTrip(t *testing.T) {
	data := []byte{0x01, 0x00, 0x03, 'a', 0x00, 'b'}
	env, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(env.Bytes(), data) {
		t.Fatalf("got % X, want % X", env.Bytes(), data)
	}
}

func TestEncodeWire(t *testing.T) {
	got, err := EncodeWire(0x03, 0x04, "00005ff4")
	if err != nil {
		t.Fatal(err)
	}
	if want := "03 00 04 00 00 5F F4"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if _, err := EncodeWire(0x03, 0x04, "abc"); !errors.Is(err, ErrInvalidWireText) {
		t.Fatalf("odd hex: expected ErrInvalidWireText, got %v", err)
	}
}

func TestWireTextRoundTrip(t *testing.T) {
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	for _, b := range [][]byte{{}, {0x00}, {0x0A, 0x0A}, {0xAA}, all} {
		text := FormatWire(b)
		back, err := ParseWire(text)
		if err != nil {
			t.Fatalf("% X: %v", b, err)
		}
		if !bytes.Equal(back, b) {
			t.Fatalf("round trip: got % X, want % X", back, b)
		}
	}
}

func TestFormatWireIsFixedWidth(t *testing.T) {
	if got, want := FormatWire([]byte{0x0A, 0x0A}), "0A 0A"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseWireRejectsMalformed(t *testing.T) {
	for _, s := range []string{"0", "ABC", "ZZ", "00 1"} {
		if _, err := ParseWire(s); !errors.Is(err, ErrInvalidWireText) {
			t.Fatalf("%q: expected ErrInvalidWireText, got %v", s, err)
		}
	}
}

func TestParseKind(t *testing.T) {
	cases := map[byte]Kind{
		0x00: KindInvalid,
		0x01: KindLogin,
		0x02: KindCoordinates,
		0x03: KindHeartbeat,
		0x04: KindLogout,
		0x05: KindInvalid,
		0xFF: KindInvalid,
	}
	for b, want := range cases {
		if got := ParseKind(b); got != want {
			t.Fatalf("0x%02X: got %v, want %v", b, got, want)
		}
	}
}

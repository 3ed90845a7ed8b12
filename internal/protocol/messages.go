package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

var (
	ErrInvalidLoginPayload = errors.New("invalid login payload")
	ErrInvalidText         = errors.New("credential is not valid UTF-8")
	ErrInvalidClientID     = errors.New("invalid client id")
	ErrClientIDEmpty       = errors.New("client id is empty")
	ErrInvalidLatitude     = errors.New("invalid latitude")
	ErrInvalidLongitude    = errors.New("invalid longitude")
	ErrUnknownKind         = errors.New("unknown message kind") // hand-built envelopes only
)

// --- Request types ---

type Login struct {
	Username string
	Password string
}

type Heartbeat struct {
	ClientID uint32
}

type Logout struct {
	ClientID uint32
}

// Coordinates is a position sample without its timestamp; the collector
// stamps it on receipt.
type Coordinates struct {
	ClientID  uint32
	Latitude  float64
	Longitude float64
}

// Invalid is what DecodeRequest yields for a frame of KindInvalid. Tag is the
// unrecognized byte.
type Invalid struct {
	Tag byte
}

// --- Encoding ---

// EncodeRequest builds the request envelope for one of the request types.
func EncodeRequest(msg any) (*Envelope, error) {
	switch m := msg.(type) {
	case *Login:
		payload := make([]byte, 0, len(m.Username)+1+len(m.Password))
		payload = append(payload, m.Username...)
		payload = append(payload, 0x00)
		payload = append(payload, m.Password...)
		return newEnvelope(KindLogin, len(payload), payload)

	case *Heartbeat:
		return newEnvelope(KindHeartbeat, heartbeatDeclaredLength, encodeClientID(m.ClientID))

	case *Logout:
		return newEnvelope(KindLogout, logoutDeclaredLength, encodeClientID(m.ClientID))

	case *Coordinates:
		var payload [CoordinatesPayloadSize]byte
		binary.BigEndian.PutUint32(payload[0:4], m.ClientID)
		binary.BigEndian.PutUint64(payload[4:12], math.Float64bits(m.Latitude))
		binary.BigEndian.PutUint64(payload[12:20], math.Float64bits(m.Longitude))
		return newEnvelope(KindCoordinates, coordinatesDeclaredLength, payload[:])

	default:
		return nil, fmt.Errorf("unsupported request type: %T", msg)
	}
}

func encodeClientID(id uint32) []byte {
	var b [ClientIDSize]byte
	binary.BigEndian.PutUint32(b[:], id)
	return b[:]
}

// --- Decoding ---

// DecodeRequest decodes an envelope's payload according to its kind.
// Envelopes from Decode always carry one of the five kinds; an envelope built
// by hand with any other Kind fails with ErrUnknownKind.
func DecodeRequest(env *Envelope) (any, error) {
	switch env.Kind {
	case KindLogin:
		return DecodeLogin(int(env.Length), env.Payload)
	case KindHeartbeat:
		id, err := DecodeClientID(env.Payload)
		if err != nil {
			return nil, err
		}
		return &Heartbeat{ClientID: id}, nil
	case KindLogout:
		id, err := DecodeClientID(env.Payload)
		if err != nil {
			return nil, err
		}
		return &Logout{ClientID: id}, nil
	case KindCoordinates:
		return DecodeCoordinates(env.Payload)
	case KindInvalid:
		return &Invalid{Tag: env.Tag}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, env.Tag)
	}
}

// DecodeLogin splits the payload on its first zero byte into username and
// password. Either half may be empty.
func DecodeLogin(declared int, payload []byte) (*Login, error) {
	if len(payload) < declared {
		return nil, fmt.Errorf("%w: %d bytes, declared %d", ErrInvalidLoginPayload, len(payload), declared)
	}
	sep := bytes.IndexByte(payload, 0x00)
	if sep < 0 {
		return nil, fmt.Errorf("%w: no separator", ErrInvalidLoginPayload)
	}
	username, password := payload[:sep], payload[sep+1:]
	if !utf8.Valid(username) || !utf8.Valid(password) {
		return nil, ErrInvalidText
	}
	return &Login{Username: string(username), Password: string(password)}, nil
}

// DecodeClientID reads the leading 4-byte big-endian client id. Bytes past
// the id slot are ignored.
func DecodeClientID(payload []byte) (uint32, error) {
	if len(payload) < ClientIDSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidClientID, len(payload))
	}
	return binary.BigEndian.Uint32(payload[:ClientIDSize]), nil
}

// DecodeCoordinates reads a client id followed by latitude and longitude.
// Non-finite doubles are rejected.
func DecodeCoordinates(payload []byte) (*Coordinates, error) {
	if len(payload) < ClientIDSize {
		return nil, ErrClientIDEmpty
	}
	lat, err := decodeCoordinate(payload, ClientIDSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLatitude, err)
	}
	lon, err := decodeCoordinate(payload, ClientIDSize+CoordinateSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLongitude, err)
	}
	return &Coordinates{
		ClientID:  binary.BigEndian.Uint32(payload[:ClientIDSize]),
		Latitude:  lat,
		Longitude: lon,
	}, nil
}

func decodeCoordinate(payload []byte, off int) (float64, error) {
	if len(payload) < off+CoordinateSize {
		return 0, fmt.Errorf("need %d bytes, got %d", off+CoordinateSize, len(payload))
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(payload[off : off+CoordinateSize]))
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %v", v)
	}
	return v, nil
}

package protocol

import (
	"errors"
	"fmt"
	"strconv"
)

var ErrInvalidResponse = errors.New("invalid response frame")

// Response frame: [1B echoed kind][1B status][identity text...]
type Response struct {
	Kind     Kind
	Status   Status
	Identity string
}

// BuildResponse composes a response. The identity is carried as raw text with
// no further structure.
func BuildResponse(kind Kind, status Status, identity string) *Response {
	return &Response{Kind: kind, Status: status, Identity: identity}
}

// Success answers with the client id rendered in decimal.
func Success(kind Kind, clientID uint32) *Response {
	return BuildResponse(kind, StatusSuccess, strconv.FormatUint(uint64(clientID), 10))
}

// Failure answers with the placeholder identity.
func Failure(kind Kind) *Response {
	return BuildResponse(kind, StatusError, PlaceholderIdentity)
}

func (r *Response) Bytes() []byte {
	out := make([]byte, 2+len(r.Identity))
	out[0] = byte(r.Kind)
	out[1] = byte(r.Status)
	copy(out[2:], r.Identity)
	return out
}

// ParseResponse decodes a response datagram.
func ParseResponse(data []byte) (*Response, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidResponse, len(data))
	}
	return &Response{
		Kind:     ParseKind(data[0]),
		Status:   Status(data[1]),
		Identity: string(data[2:]),
	}, nil
}

// ClientID parses the identity as a decimal client id.
func (r *Response) ClientID() (uint32, error) {
	if r.Identity == "" {
		return 0, ErrClientIDEmpty
	}
	v, err := strconv.ParseUint(r.Identity, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClientID, r.Identity)
	}
	return uint32(v), nil
}

package protocol

// Request frame: [1B kind][1B reserved][1B declared payload length][payload...]
const HeaderSize = 3

// MaxPayloadSize is the largest length the single-byte length field can declare.
// Encoding a longer payload fails with ErrPayloadTooLarge rather than truncating.
const MaxPayloadSize = 255

// MaxFrameSize is the longest request frame the encoder can produce. A
// collector receive buffer at least this large never truncates a frame.
const MaxFrameSize = HeaderSize + MaxPayloadSize

// DatagramSize is the client's reply buffer. Responses carry at most a kind,
// a status and a decimal u32.
const DatagramSize = 64

// Kind identifies the operation carried by a request frame.
type Kind byte

const (
	KindInvalid     Kind = 0x00
	KindLogin       Kind = 0x01
	KindCoordinates Kind = 0x02
	KindHeartbeat   Kind = 0x03
	KindLogout      Kind = 0x04
)

// ParseKind maps a wire byte onto the closed set of kinds. Unknown values
// become KindInvalid.
func ParseKind(b byte) Kind {
	switch k := Kind(b); k {
	case KindLogin, KindCoordinates, KindHeartbeat, KindLogout:
		return k
	default:
		return KindInvalid
	}
}

func (k Kind) String() string {
	switch k {
	case KindLogin:
		return "login"
	case KindCoordinates:
		return "coordinates"
	case KindHeartbeat:
		return "heartbeat"
	case KindLogout:
		return "logout"
	default:
		return "invalid"
	}
}

// Status is the second byte of every response frame.
type Status byte

const (
	StatusSuccess Status = 0x06
	StatusError   Status = 0x07
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Fixed payload layouts.
const (
	ClientIDSize           = 4 // u32 big-endian
	CoordinateSize         = 8 // IEEE-754 double big-endian
	CoordinatesPayloadSize = ClientIDSize + 2*CoordinateSize
)

// Declared lengths written by the encoder for the fixed-schema kinds.
// Coordinates frames declare the size of the client id slot only; deployed
// devices emit 0x04 and the collector must keep accepting it.
const (
	heartbeatDeclaredLength   = ClientIDSize
	logoutDeclaredLength      = ClientIDSize
	coordinatesDeclaredLength = ClientIDSize
)

// PlaceholderIdentity stands in for an unresolved identity in Error responses.
// It is never a real client id.
const PlaceholderIdentity = "0"

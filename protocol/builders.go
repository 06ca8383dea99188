package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Handshake (KindHandshake)
// Payload = [version u8][guid 16 bytes]
// ---------------------------------------------------------------------------

// Version is the handshake protocol version spoken by this package.
const Version uint8 = 1

const handshakePayloadSize = u8Size + 16

// Hello is the parsed payload of a handshake message.
type Hello struct {
	Version uint8
	GUID    uuid.UUID
}

// NewHandshake builds the handshake message announcing guid.
func NewHandshake(guid uuid.UUID) Message {
	payload := make([]byte, handshakePayloadSize)
	payload[0] = Version
	copy(payload[1:], guid[:])
	return Message{Kind: KindHandshake, Payload: payload}
}

// ParseHandshake extracts the peer's version and GUID.
func ParseHandshake(m Message) (Hello, error) {
	if m.Kind != KindHandshake {
		return Hello{}, fmt.Errorf("%w: expected handshake, got %s", ErrInvalidMessage, m.Kind)
	}
	if len(m.Payload) != handshakePayloadSize {
		return Hello{}, fmt.Errorf("%w: handshake payload %d bytes", ErrInvalidMessage, len(m.Payload))
	}
	var h Hello
	h.Version = m.Payload[0]
	copy(h.GUID[:], m.Payload[1:])
	return h, nil
}

// ---------------------------------------------------------------------------
// Calls (KindCall, KindResponse, KindException)
// ---------------------------------------------------------------------------

// NewCall builds a call request.
func NewCall(id uint32, method string, args []byte) Message {
	return Message{Kind: KindCall, ID: id, Method: method, Payload: args}
}

// NewResponse builds the successful reply to call id.
func NewResponse(id uint32, result []byte) Message {
	return Message{Kind: KindResponse, ID: id, Payload: result}
}

// NewException builds the failure reply to call id.
func NewException(id uint32, reason string) Message {
	return Message{Kind: KindException, ID: id, Payload: []byte(reason)}
}

// ---------------------------------------------------------------------------
// Events (KindEvent)
// ---------------------------------------------------------------------------

// NewEvent builds a one-way message.
func NewEvent(method string, payload []byte) Message {
	return Message{Kind: KindEvent, Method: method, Payload: payload}
}

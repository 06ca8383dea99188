package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidMessage = errors.New("protocol: invalid message")
	ErrUnknownKind    = errors.New("protocol: unknown message kind")
	ErrMethodTooLong  = errors.New("protocol: method name too long")
)

const (
	u8Size  = 1
	u16Size = 2
	u32Size = 4

	// Frame: [bodyLen u32 LE][body]
	frameHeaderSize = u32Size

	// Body (all kinds):
	// [kind u8][id u32 LE][mlen u16 LE][method bytes][payload bytes]
	bodyHeaderSize = u8Size + u32Size + u16Size // 7 bytes
	bodyKindOff    = 0
	bodyIDOff      = bodyKindOff + u8Size // 1
	bodyMLenOff    = bodyIDOff + u32Size  // 5
	bodyMethodOff  = bodyHeaderSize       // 7

	MaxMethodLen = math.MaxUint16
)

// Kind identifies what a message means to the connection state machine.
type Kind uint8

const (
	KindHandshake Kind = 1 // Identity exchange, first frame on every connection
	KindCall      Kind = 2 // Call request, expects Response or Exception with the same id
	KindResponse  Kind = 3 // Successful call result
	KindException Kind = 4 // Remote failure; payload is the error text
	KindEvent     Kind = 5 // One-way message, no id, no reply

	kindMaxKnown = KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindCall:
		return "call"
	case KindResponse:
		return "response"
	case KindException:
		return "exception"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Correlated reports whether messages of this kind carry a correlation id.
func (k Kind) Correlated() bool {
	return k == KindCall || k == KindResponse || k == KindException
}

// Message is one decoded frame.
type Message struct {
	Kind Kind
	// ID is the correlation id. Non-zero for call/response/exception,
	// zero for handshake and event.
	ID uint32
	// Method routes calls and events, e.g. "rpc.ping". Empty for
	// handshake, response and exception.
	Method  string
	Payload []byte
}

// Validate checks the kind/id/method combination.
func (m Message) Validate() error {
	if m.Kind == 0 || m.Kind > kindMaxKnown {
		return ErrUnknownKind
	}
	if len(m.Method) > MaxMethodLen {
		return ErrMethodTooLong
	}
	if m.Kind.Correlated() != (m.ID != 0) {
		return fmt.Errorf("%w: %s with id %d", ErrInvalidMessage, m.Kind, m.ID)
	}
	switch m.Kind {
	case KindCall, KindEvent:
		if m.Method == "" {
			return fmt.Errorf("%w: %s without method", ErrInvalidMessage, m.Kind)
		}
	default:
		if m.Method != "" {
			return fmt.Errorf("%w: %s with method", ErrInvalidMessage, m.Kind)
		}
	}
	return nil
}

// Encode encodes m as a complete, self-delimiting frame:
//
//	[bodyLen u32 LE][kind u8][id u32 LE][mlen u16 LE][method][payload]
//
// The output depends only on m.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	bodyLen := bodyHeaderSize + len(m.Method) + len(m.Payload)
	if uint64(bodyLen) > uint64(math.MaxUint32) {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize+bodyLen)
	binary.LittleEndian.PutUint32(buf, uint32(bodyLen))
	body := buf[frameHeaderSize:]
	putBodyHeader(body, m)
	copy(body[bodyMethodOff:], m.Method)
	copy(body[bodyMethodOff+len(m.Method):], m.Payload)
	return buf, nil
}

func putBodyHeader(buf []byte, m Message) {
	buf[bodyKindOff] = byte(m.Kind)
	binary.LittleEndian.PutUint32(buf[bodyIDOff:bodyIDOff+u32Size], m.ID)
	binary.LittleEndian.PutUint16(buf[bodyMLenOff:bodyMLenOff+u16Size], uint16(len(m.Method)))
}

// DecodeBody decodes a body (without the outer frame length) into a Message.
// The returned payload does not alias body.
func DecodeBody(body []byte) (Message, error) {
	if len(body) < bodyHeaderSize {
		return Message{}, ErrInvalidMessage
	}
	mlen := int(binary.LittleEndian.Uint16(body[bodyMLenOff : bodyMLenOff+u16Size]))
	if len(body) < bodyHeaderSize+mlen {
		return Message{}, ErrInvalidMessage
	}
	m := Message{
		Kind:    Kind(body[bodyKindOff]),
		ID:      binary.LittleEndian.Uint32(body[bodyIDOff : bodyIDOff+u32Size]),
		Method:  string(body[bodyMethodOff : bodyMethodOff+mlen]),
		Payload: append([]byte(nil), body[bodyMethodOff+mlen:]...),
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

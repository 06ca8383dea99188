package protocol

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"
)

// DefaultMaxFrameSize bounds a frame body until SetMaxPayload changes it.
const DefaultMaxFrameSize = 16 << 20 // 16 MiB

const readChunkSize = 32 << 10

var (
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
	ErrInvalidTimeout = errors.New("protocol: invalid timeout")
	ErrNoDeadline     = errors.New("protocol: reader/writer does not support deadlines")
)

// Framer moves whole messages over a byte stream such as a net.Conn.
//
// Reads go through a Decoder, so a read cut short by a deadline keeps the
// partial frame and the next read continues from it. Writes are not
// synchronized; the owner serializes WriteMessage calls.
type Framer struct {
	r     *bufio.Reader
	w     *bufio.Writer
	dec   *Decoder
	chunk []byte

	// nil when the underlying stream has no deadlines
	setRead  func(time.Time) error
	setWrite func(time.Time) error
}

// NewConnFramer frames conn in both directions with deadline support.
func NewConnFramer(conn net.Conn) *Framer { return NewFramer(conn, conn) }

// NewFramer buffers r and w. Deadline variants work only when r (or w)
// implements SetReadDeadline (or SetWriteDeadline).
func NewFramer(r io.Reader, w io.Writer) *Framer {
	f := &Framer{
		r:     bufio.NewReader(r),
		w:     bufio.NewWriter(w),
		dec:   NewDecoder(DefaultMaxFrameSize),
		chunk: make([]byte, readChunkSize),
	}
	if v, ok := r.(interface{ SetReadDeadline(time.Time) error }); ok {
		f.setRead = v.SetReadDeadline
	}
	if v, ok := w.(interface{ SetWriteDeadline(time.Time) error }); ok {
		f.setWrite = v.SetWriteDeadline
	}
	return f
}

// SetMaxPayload caps the body length accepted from the peer.
func (f *Framer) SetMaxPayload(n int) { f.dec.SetMaxBody(n) }

// ReadMessage blocks until one whole message is available.
func (f *Framer) ReadMessage() (Message, error) {
	for {
		msg, ok, err := f.dec.Next()
		if err != nil {
			return Message{}, err
		}
		if ok {
			return msg, nil
		}

		// bufio.Reader reports errors only with n == 0.
		n, err := f.r.Read(f.chunk)
		if n > 0 {
			f.dec.Feed(f.chunk[:n])
			continue
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) && f.dec.Buffered() > 0 {
			return Message{}, io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
}

// ReadWithTimeout is ReadWithDeadline with a deadline timeout from now.
// A zero timeout waits forever.
func (f *Framer) ReadWithTimeout(timeout time.Duration) (Message, error) {
	deadline, err := deadlineIn(timeout)
	if err != nil {
		return Message{}, err
	}
	return f.ReadWithDeadline(deadline)
}

// ReadWithDeadline reads one message, failing with a timeout error if it is
// not complete by deadline. Bytes already received stay buffered.
func (f *Framer) ReadWithDeadline(deadline time.Time) (msg Message, err error) {
	err = withDeadline(deadline, f.setRead, func() error {
		msg, err = f.ReadMessage()
		return err
	})
	return msg, err
}

// WriteMessage encodes and writes one message.
func (f *Framer) WriteMessage(m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := f.w.Write(frame); err != nil {
		return err
	}
	return f.w.Flush()
}

// WriteWithTimeout is WriteWithDeadline with a deadline timeout from now.
func (f *Framer) WriteWithTimeout(m Message, timeout time.Duration) error {
	deadline, err := deadlineIn(timeout)
	if err != nil {
		return err
	}
	return f.WriteWithDeadline(m, deadline)
}

// WriteWithDeadline writes one message, failing if the write is not done by
// deadline. A partial write leaves the stream unusable.
func (f *Framer) WriteWithDeadline(m Message, deadline time.Time) error {
	return withDeadline(deadline, f.setWrite, func() error { return f.WriteMessage(m) })
}

func deadlineIn(timeout time.Duration) (time.Time, error) {
	switch {
	case timeout < 0:
		return time.Time{}, ErrInvalidTimeout
	case timeout == 0:
		return time.Time{}, nil
	}
	return time.Now().Add(timeout), nil
}

// withDeadline runs op with set(deadline) in effect and resets it after.
// A zero deadline runs op unbounded.
func withDeadline(deadline time.Time, set func(time.Time) error, op func() error) error {
	if deadline.IsZero() {
		return op()
	}
	if set == nil {
		return ErrNoDeadline
	}
	if err := set(deadline); err != nil {
		return err
	}
	defer func() { _ = set(time.Time{}) }()
	return op()
}

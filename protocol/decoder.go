package protocol

import "encoding/binary"

// Decoder reassembles messages from a byte stream fed in arbitrary chunks.
//
// Next never blocks: it returns ok=false until a whole frame is buffered.
// Bytes past the returned frame stay buffered for the next call. Once Next
// reports an error the stream is considered corrupt and every later call
// returns the same error.
type Decoder struct {
	buf     []byte
	off     int // start of the first undecoded frame in buf
	maxBody int
	err     error
}

// retainedBufferCap is the largest buffer kept across a drain; anything
// bigger, left behind by a large frame, is released.
const retainedBufferCap = 64 << 10

// NewDecoder returns a decoder rejecting bodies larger than maxBody.
// A non-positive maxBody means DefaultMaxFrameSize.
func NewDecoder(maxBody int) *Decoder {
	if maxBody <= 0 {
		maxBody = DefaultMaxFrameSize
	}
	return &Decoder{maxBody: maxBody}
}

// SetMaxBody changes the limit for frames not yet decoded.
func (d *Decoder) SetMaxBody(n int) {
	if n > 0 {
		d.maxBody = n
	}
}

// Feed appends p to the pending input. p may be reused by the caller.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
		if cap(d.buf) > retainedBufferCap && n+len(p) <= retainedBufferCap {
			d.buf = append(make([]byte, 0, retainedBufferCap), d.buf...)
		}
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held for incomplete frames.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }

// Next decodes one message if a complete frame is buffered.
func (d *Decoder) Next() (Message, bool, error) {
	if d.err != nil {
		return Message{}, false, d.err
	}
	pending := d.buf[d.off:]
	if len(pending) < frameHeaderSize {
		return Message{}, false, nil
	}

	ln := binary.LittleEndian.Uint32(pending[:frameHeaderSize])
	if uint64(ln) > uint64(d.maxBody) {
		d.err = ErrFrameTooLarge
		return Message{}, false, d.err
	}
	if ln < bodyHeaderSize {
		// Checked before the body arrives so a bogus header fails fast.
		d.err = ErrInvalidMessage
		return Message{}, false, d.err
	}

	end := frameHeaderSize + int(ln)
	if len(pending) < end {
		return Message{}, false, nil
	}

	msg, err := DecodeBody(pending[frameHeaderSize:end])
	if err != nil {
		d.err = err
		return Message{}, false, err
	}

	d.off += end
	if d.off == len(d.buf) {
		d.off = 0
		d.buf = d.buf[:0]
		if cap(d.buf) > retainedBufferCap {
			d.buf = nil
		}
	}
	return msg, true, nil
}

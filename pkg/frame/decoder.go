package frame

import (
	"bytes"
)

// Decoder turns an arbitrarily chunked byte stream into frames. A frame is
// only returned once its command line, header block and body terminator have
// all been buffered. Decoder is not safe for concurrent use.
type Decoder struct {
	// MaxFrameSize bounds the bytes buffered for a single incomplete frame
	// and the content-length a frame may declare. Zero means unbounded.
	MaxFrameSize int

	buf      []byte
	skipping bool
}

func NewDecoder(maxFrameSize int) *Decoder {
	return &Decoder{MaxFrameSize: maxFrameSize}
}

// Write buffers p. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame. A nil frame with a nil error means
// the buffer holds no complete frame yet. ErrMalformedFrame is returned once
// per discarded frame; calling Next again continues after it.
func (d *Decoder) Next() (*Frame, error) {
	if d.skipping {
		i := bytes.IndexByte(d.buf, nul)
		if i < 0 {
			d.buf = nil
			return nil, nil
		}
		d.skipping = false
		d.consume(i + 1)
	}

	f, n, err := parse(d.buf, d.MaxFrameSize)
	if err != nil {
		if n < 0 {
			d.buf = nil
			d.skipping = true
		} else {
			d.consume(n)
		}
		return nil, err
	}
	if f == nil {
		if d.MaxFrameSize > 0 && len(d.buf) > d.MaxFrameSize {
			d.buf = nil
			d.skipping = true
			return nil, malformedf("frame exceeds %d bytes", d.MaxFrameSize)
		}
		return nil, nil
	}
	d.consume(n)
	return f, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.buf = nil
	d.skipping = false
}

func (d *Decoder) consume(n int) {
	if n >= len(d.buf) {
		d.buf = nil
		return
	}
	d.buf = d.buf[n:]
}

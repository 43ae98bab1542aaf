package frame

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedFrame is returned for input that cannot be parsed as a frame.
	// It is not fatal: the decoder skips to the next NUL and carries on.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrSerialization is returned when a frame cannot be put on the wire.
	ErrSerialization = errors.New("frame cannot be serialized")
)

const (
	nul = 0
	lf  = '\n'
	cr  = '\r'

	// MaxContentLength is the largest content-length accepted from the wire.
	MaxContentLength = 1<<31 - 1

	// MaxHeartBeat caps a parsed heart-beat interval, in milliseconds.
	MaxHeartBeat = 24 * 60 * 60 * 1000
)

var escaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

// Encode serializes f. Header keys and values are escaped for every command
// except CONNECT, STOMP and CONNECTED, whose headers may not contain EOL characters.
func Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, errors.Wrap(ErrSerialization, "nil frame")
	}
	if f.Command == HEARTBEAT {
		return []byte{lf}, nil
	}
	if _, ok := wireCommands[string(f.Command)]; !ok {
		return nil, errors.Wrapf(ErrSerialization, "unknown command %q", f.Command)
	}

	n, declared, err := f.ContentLength()
	if err != nil {
		return nil, errors.Wrap(ErrSerialization, err.Error())
	}
	if declared && n != len(f.Body) {
		return nil, errors.Wrapf(ErrSerialization, "content-length %d does not match body length %d", n, len(f.Body))
	}
	if !declared && bytes.IndexByte(f.Body, nul) >= 0 {
		return nil, errors.Wrap(ErrSerialization, "body contains NUL without content-length")
	}

	var buf bytes.Buffer
	buf.Grow(64 + len(f.Body))
	buf.WriteString(string(f.Command))
	buf.WriteByte(lf)

	escape := f.Command.escapes()
	for _, h := range f.Headers {
		if h.Key == "" {
			return nil, errors.Wrap(ErrSerialization, "empty header name")
		}
		if escape {
			buf.WriteString(escaper.Replace(h.Key))
			buf.WriteByte(':')
			buf.WriteString(escaper.Replace(h.Value))
		} else {
			if strings.ContainsAny(h.Key, "\r\n:") || strings.ContainsAny(h.Value, "\r\n") {
				return nil, errors.Wrapf(ErrSerialization, "header %q cannot be sent unescaped on %s", h.Key, f.Command)
			}
			buf.WriteString(h.Key)
			buf.WriteByte(':')
			buf.WriteString(h.Value)
		}
		buf.WriteByte(lf)
	}
	buf.WriteByte(lf)
	buf.Write(f.Body)
	buf.WriteByte(nul)
	return buf.Bytes(), nil
}

// Decode parses one frame from the front of data and returns it with the
// unconsumed remainder. A nil frame with a nil error means more input is
// needed (or data was empty). On ErrMalformedFrame the remainder starts after
// the offending frame's NUL; if no NUL has arrived yet the remainder is nil.
func Decode(data []byte) (*Frame, []byte, error) {
	f, n, err := parse(data, 0)
	if err != nil {
		if n < 0 {
			return nil, nil, err
		}
		return nil, data[n:], err
	}
	if f == nil {
		return nil, data, nil
	}
	return f, data[n:], nil
}

// parse reads a single frame. It returns the number of bytes consumed. For a
// malformed frame n is the offset just past the next NUL, or -1 when that
// NUL is not buffered yet. A positive maxBody lowers the accepted
// content-length below MaxContentLength.
func parse(data []byte, maxBody int) (*Frame, int, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}

	switch data[0] {
	case lf:
		return Heartbeat(), 1, nil
	case cr:
		if len(data) < 2 {
			return nil, 0, nil
		}
		if data[1] == lf {
			return Heartbeat(), 2, nil
		}
	}

	line, next, ok := readLine(data, 0)
	if !ok {
		return pendingOrMalformed(data, 0)
	}
	if i := bytes.IndexByte(line, nul); i >= 0 {
		return nil, i + 1, malformed("NUL in command line")
	}
	cmd, known := wireCommands[string(line)]
	if !known {
		return nil, skip(data, next), malformedf("unknown command %q", truncate(line))
	}

	var headers Headers
	escaped := cmd.escapes()
	for {
		line, after, ok := readLine(data, next)
		if !ok {
			return pendingOrMalformed(data, next)
		}
		if i := bytes.IndexByte(line, nul); i >= 0 {
			return nil, next + i + 1, malformed("NUL in header block")
		}
		next = after
		if len(line) == 0 {
			break
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return nil, skip(data, next), malformedf("header line without colon %q", truncate(line))
		}
		key, value := string(line[:colon]), string(line[colon+1:])
		if escaped {
			var err error
			if key, err = unescape(key); err != nil {
				return nil, skip(data, next), err
			}
			if value, err = unescape(value); err != nil {
				return nil, skip(data, next), err
			}
		}
		headers.Add(key, value)
	}

	f := &Frame{Command: cmd, Headers: headers}
	length, declared, err := f.ContentLength()
	if err != nil {
		return nil, skip(data, next), errors.Wrap(ErrMalformedFrame, err.Error())
	}

	if declared {
		limit := MaxContentLength
		if maxBody > 0 && maxBody < limit {
			limit = maxBody
		}
		if length > limit {
			return nil, skip(data, next), malformedf("content-length %d exceeds %d", length, limit)
		}
		// The terminating NUL must be buffered too.
		if length >= len(data)-next {
			return nil, 0, nil
		}
		end := next + length
		if data[end] != nul {
			return nil, skip(data, end), malformedf("body is longer than content-length %d", length)
		}
		f.Body = append([]byte{}, data[next:end]...)
		return f, end + 1, nil
	}

	i := bytes.IndexByte(data[next:], nul)
	if i < 0 {
		return nil, 0, nil
	}
	f.Body = append([]byte{}, data[next:next+i]...)
	return f, next + i + 1, nil
}

// readLine returns the line starting at off without its EOL.
func readLine(data []byte, off int) ([]byte, int, bool) {
	i := bytes.IndexByte(data[off:], lf)
	if i < 0 {
		return nil, off, false
	}
	line := data[off : off+i]
	if n := len(line); n > 0 && line[n-1] == cr {
		line = line[:n-1]
	}
	return line, off + i + 1, true
}

// pendingOrMalformed decides whether an unterminated line is just incomplete
// or already broken by a NUL.
func pendingOrMalformed(data []byte, off int) (*Frame, int, error) {
	if n := skip(data, off); n >= 0 {
		return nil, n, malformed("frame terminated inside header block")
	}
	return nil, 0, nil
}

func skip(data []byte, off int) int {
	i := bytes.IndexByte(data[off:], nul)
	if i < 0 {
		return -1
	}
	return off + i + 1
}

func unescape(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(s) {
			return "", malformed("dangling escape")
		}
		switch s[i] {
		case 'n':
			b.WriteByte(lf)
		case 'r':
			b.WriteByte(cr)
		case 'c':
			b.WriteByte(':')
		case '\\':
			b.WriteByte('\\')
		default:
			return "", malformedf("invalid escape \\%c", s[i])
		}
	}
	return b.String(), nil
}

func malformed(reason string) error {
	return errors.Wrap(ErrMalformedFrame, reason)
}

func malformedf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformedFrame, format, args...)
}

func truncate(b []byte) string {
	const limit = 32
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// FormatHeartBeat renders a heart-beat header value from millisecond values.
func FormatHeartBeat(cx, cy int64) string {
	return strconv.FormatInt(cx, 10) + "," + strconv.FormatInt(cy, 10)
}

// ParseHeartBeat parses a heart-beat header value into millisecond values.
// Values above MaxHeartBeat are clamped.
func ParseHeartBeat(v string) (int64, int64, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("invalid heart-beat %q", v)
	}
	x, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || x < 0 {
		return 0, 0, errors.Errorf("invalid heart-beat %q", v)
	}
	y, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || y < 0 {
		return 0, 0, errors.Errorf("invalid heart-beat %q", v)
	}
	return min(x, MaxHeartBeat), min(y, MaxHeartBeat), nil
}

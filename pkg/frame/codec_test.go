package frame

import (
	"bytes"
	"errors"
	"testing"
)

func framesEqual(a, b *Frame) bool {
	if a.Command != b.Command || len(a.Headers) != len(b.Headers) {
		return false
	}
	for i := range a.Headers {
		if a.Headers[i] != b.Headers[i] {
			return false
		}
	}
	return bytes.Equal(a.Body, b.Body)
}

func TestEncodeSend(t *testing.T) {
	f := New(SEND, HdrDestination, "/topic/x", HdrContentLength, "2")
	f.Body = []byte("42")

	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	expected := "SEND\ndestination:/topic/x\ncontent-length:2\n\n42\x00"
	if string(data) != expected {
		t.Errorf("Encode() = %q, want %q", data, expected)
	}
}

func TestEncodeHeartbeat(t *testing.T) {
	data, err := Encode(Heartbeat())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(data) != "\n" {
		t.Errorf("Encode(heartbeat) = %q, want %q", data, "\n")
	}
}

func TestEncodeEscapesHeaders(t *testing.T) {
	f := New(MESSAGE, "a:b", "line1\nline2\r\\")

	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	expected := "MESSAGE\na\\cb:line1\\nline2\\r\\\\\n\n\x00"
	if string(data) != expected {
		t.Errorf("Encode() = %q, want %q", data, expected)
	}
}

func TestEncodeConnectIsNotEscaped(t *testing.T) {
	f := New(CONNECT, HdrLogin, `dom\user`)
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.Contains(data, []byte(`login:dom\user`)) {
		t.Errorf("CONNECT header was escaped: %q", data)
	}

	f = New(CONNECT, HdrLogin, "bad\nvalue")
	if _, err := Encode(f); !errors.Is(err, ErrSerialization) {
		t.Errorf("Encode() error = %v, want ErrSerialization", err)
	}
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{"nil frame", nil},
		{"unknown command", &Frame{Command: "PUBLISH"}},
		{"empty header name", New(SEND, "", "x")},
		{"content-length mismatch", &Frame{Command: SEND, Headers: NewHeaders(HdrContentLength, "5"), Body: []byte("abc")}},
		{"invalid content-length", &Frame{Command: SEND, Headers: NewHeaders(HdrContentLength, "abc")}},
		{"NUL without content-length", &Frame{Command: SEND, Body: []byte{'a', 0, 'b'}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.frame); !errors.Is(err, ErrSerialization) {
				t.Errorf("Encode() error = %v, want ErrSerialization", err)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{
			name:  "send with body",
			frame: &Frame{Command: SEND, Headers: NewHeaders(HdrDestination, "/topic/x", "x-order", "1"), Body: []byte(`{"price":42}`)},
		},
		{
			name:  "escaped headers",
			frame: &Frame{Command: MESSAGE, Headers: NewHeaders("key:with:colons", "multi\nline", "back\\slash", "\r")},
		},
		{
			name:  "binary body with content-length",
			frame: &Frame{Command: MESSAGE, Headers: NewHeaders(HdrContentLength, "3"), Body: []byte{0, 1, 0}},
		},
		{
			name:  "connected",
			frame: New(CONNECTED, HdrVersion, "1.2", HdrHeartBeat, "1000,1000"),
		},
		{
			name:  "error frame",
			frame: &Frame{Command: ERROR, Headers: NewHeaders(HdrMessage, "bad destination"), Body: []byte("details")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.frame)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			got, rest, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if len(rest) != 0 {
				t.Errorf("Decode() left %d bytes", len(rest))
			}
			if got == nil {
				t.Fatal("Decode() returned no frame")
			}
			if tt.frame.Body == nil {
				tt.frame.Body = []byte{}
			}
			if !framesEqual(got, tt.frame) {
				t.Errorf("round trip = %v, want %v", got, tt.frame)
			}
		})
	}
}

func TestDecodeDuplicateHeadersKeepFirst(t *testing.T) {
	f, _, err := Decode([]byte("MESSAGE\nfoo:first\nfoo:second\n\n\x00"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := f.Header("foo"); got != "first" {
		t.Errorf("Header(foo) = %q, want first", got)
	}
	if len(f.Headers) != 1 {
		t.Errorf("expected 1 header entry, got %d", len(f.Headers))
	}
}

func TestDecodeCRLF(t *testing.T) {
	f, rest, err := Decode([]byte("MESSAGE\r\ndestination:/topic/x\r\n\r\nhi\x00"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Header(HdrDestination) != "/topic/x" || string(f.Body) != "hi" {
		t.Errorf("Decode() = %v", f)
	}
	if len(rest) != 0 {
		t.Errorf("unexpected remainder %q", rest)
	}
}

func TestDecodeHeartbeatAndIdle(t *testing.T) {
	f, rest, err := Decode(nil)
	if f != nil || err != nil || len(rest) != 0 {
		t.Errorf("Decode(nil) = %v, %q, %v", f, rest, err)
	}

	f, rest, err = Decode([]byte("\nMESSAGE\n\n\x00"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Command != HEARTBEAT {
		t.Errorf("Decode() command = %s, want HEARTBEAT", f.Command)
	}
	if string(rest) != "MESSAGE\n\n\x00" {
		t.Errorf("remainder = %q", rest)
	}

	f, _, err = Decode([]byte("\r\n"))
	if err != nil || f == nil || f.Command != HEARTBEAT {
		t.Errorf("Decode(CRLF) = %v, %v", f, err)
	}
}

func TestDecodeContentLengthBodyWithNUL(t *testing.T) {
	f, rest, err := Decode([]byte("MESSAGE\ncontent-length:3\n\na\x00b\x00SEND"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(f.Body, []byte{'a', 0, 'b'}) {
		t.Errorf("Body = %q", f.Body)
	}
	if string(rest) != "SEND" {
		t.Errorf("remainder = %q", rest)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
		rest string
	}{
		{"unknown command", "BOGUS\n\n\x00MESSAGE", "MESSAGE"},
		{"header without colon", "MESSAGE\nnocolon\n\nbody\x00X", "X"},
		{"invalid escape", "MESSAGE\nkey:va\\tlue\n\n\x00", ""},
		{"invalid content-length", "MESSAGE\ncontent-length:-1\n\n\x00", ""},
		{"content-length too short", "MESSAGE\ncontent-length:1\n\nabc\x00Y", "Y"},
		{"NUL inside headers", "MESSAGE\nfoo\x00bar\n\n\x00", "bar\n\n\x00"},
		{"content-length near max int", "MESSAGE\ncontent-length:9223372036854775807\n\nabc\x00Z", "Z"},
		{"content-length above limit", "MESSAGE\ncontent-length:2147483648\n\nabc\x00", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, rest, err := Decode([]byte(tt.data))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("Decode() error = %v, want ErrMalformedFrame", err)
			}
			if f != nil {
				t.Errorf("Decode() returned frame %v", f)
			}
			if string(rest) != tt.rest {
				t.Errorf("remainder = %q, want %q", rest, tt.rest)
			}
		})
	}
}

func TestDecodeIncomplete(t *testing.T) {
	inputs := []string{
		"MESS",
		"MESSAGE\n",
		"MESSAGE\ndestination:/x\n",
		"MESSAGE\n\nbody",
		"MESSAGE\ncontent-length:4\n\nbo",
		"\r",
	}
	for _, in := range inputs {
		f, rest, err := Decode([]byte(in))
		if f != nil || err != nil {
			t.Errorf("Decode(%q) = %v, %v; want incomplete", in, f, err)
		}
		if string(rest) != in {
			t.Errorf("Decode(%q) consumed input", in)
		}
	}
}

func TestParseHeartBeat(t *testing.T) {
	x, y, err := ParseHeartBeat("1000, 500")
	if err != nil || x != 1000 || y != 500 {
		t.Errorf("ParseHeartBeat() = %d, %d, %v", x, y, err)
	}
	x, y, err = ParseHeartBeat("20000000000000,9223372036854775807")
	if err != nil || x != MaxHeartBeat || y != MaxHeartBeat {
		t.Errorf("ParseHeartBeat() of huge values = %d, %d, %v, want both clamped to %d", x, y, err, MaxHeartBeat)
	}
	for _, bad := range []string{"", "1", "a,b", "-1,0", "1,2,3"} {
		if _, _, err := ParseHeartBeat(bad); err == nil {
			t.Errorf("ParseHeartBeat(%q) expected error", bad)
		}
	}
	if got := FormatHeartBeat(0, 250); got != "0,250" {
		t.Errorf("FormatHeartBeat() = %q", got)
	}
}

func TestHeadersOperations(t *testing.T) {
	h := NewHeaders("a", "1", "b", "2")
	h.Set("a", "3")
	h.Add("b", "ignored")
	h.Add("c", "4")
	h.Del("b")

	expected := Headers{{Key: "a", Value: "3"}, {Key: "c", Value: "4"}}
	if len(h) != len(expected) {
		t.Fatalf("headers = %v, want %v", h, expected)
	}
	for i := range expected {
		if h[i] != expected[i] {
			t.Errorf("headers[%d] = %v, want %v", i, h[i], expected[i])
		}
	}

	m := h.Map()
	if m["a"] != "3" || m["c"] != "4" {
		t.Errorf("Map() = %v", m)
	}
}

func TestFrameStringMasksPasscode(t *testing.T) {
	f := New(CONNECT, HdrLogin, "guest", HdrPasscode, "secret")
	if s := f.String(); bytes.Contains([]byte(s), []byte("secret")) {
		t.Errorf("String() leaked passcode: %s", s)
	}
}

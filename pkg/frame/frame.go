// Package frame implements the STOMP 1.1/1.2 text frame codec.
package frame

import (
	"fmt"
	"strconv"
	"strings"
)

type Command string

const (
	CONNECT     Command = "CONNECT"
	STOMP       Command = "STOMP"
	CONNECTED   Command = "CONNECTED"
	SEND        Command = "SEND"
	SUBSCRIBE   Command = "SUBSCRIBE"
	UNSUBSCRIBE Command = "UNSUBSCRIBE"
	ACK         Command = "ACK"
	NACK        Command = "NACK"
	BEGIN       Command = "BEGIN"
	COMMIT      Command = "COMMIT"
	ABORT       Command = "ABORT"
	DISCONNECT  Command = "DISCONNECT"
	MESSAGE     Command = "MESSAGE"
	RECEIPT     Command = "RECEIPT"
	ERROR       Command = "ERROR"

	// HEARTBEAT is not a wire command. It stands for a lone EOL between frames.
	HEARTBEAT Command = "HEARTBEAT"
)

var wireCommands = map[string]Command{
	"CONNECT":     CONNECT,
	"STOMP":       STOMP,
	"CONNECTED":   CONNECTED,
	"SEND":        SEND,
	"SUBSCRIBE":   SUBSCRIBE,
	"UNSUBSCRIBE": UNSUBSCRIBE,
	"ACK":         ACK,
	"NACK":        NACK,
	"BEGIN":       BEGIN,
	"COMMIT":      COMMIT,
	"ABORT":       ABORT,
	"DISCONNECT":  DISCONNECT,
	"MESSAGE":     MESSAGE,
	"RECEIPT":     RECEIPT,
	"ERROR":       ERROR,
}

// ParseCommand returns the command for a wire command line.
func ParseCommand(s string) (Command, bool) {
	c, ok := wireCommands[s]
	return c, ok
}

func (c Command) String() string {
	return string(c)
}

// escapes reports whether header escaping applies to frames with this command.
func (c Command) escapes() bool {
	return c != CONNECT && c != CONNECTED && c != STOMP
}

// Well-known header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrHost          = "host"
	HdrLogin         = "login"
	HdrPasscode      = "passcode"
	HdrHeartBeat     = "heart-beat"
	HdrVersion       = "version"
	HdrSession       = "session"
	HdrServer        = "server"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrAck           = "ack"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrContentLength = "content-length"
	HdrContentType   = "content-type"
	HdrMessage       = "message"
)

type Header struct {
	Key   string
	Value string
}

// Headers is an ordered list of header entries. Keys are case sensitive.
// When a key repeats, the first entry wins.
type Headers []Header

// NewHeaders builds Headers from alternating key/value strings.
func NewHeaders(kv ...string) Headers {
	if len(kv)%2 != 0 {
		panic("frame: NewHeaders needs an even number of arguments")
	}
	h := make(Headers, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		h = append(h, Header{Key: kv[i], Value: kv[i+1]})
	}
	return h
}

func (h Headers) Get(key string) string {
	v, _ := h.Lookup(key)
	return v
}

func (h Headers) Lookup(key string) (string, bool) {
	for _, e := range h {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

func (h Headers) Contains(key string) bool {
	_, ok := h.Lookup(key)
	return ok
}

// Set replaces the first entry for key, or appends one.
func (h *Headers) Set(key, value string) {
	for i, e := range *h {
		if e.Key == key {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Key: key, Value: value})
}

// Add appends an entry unless key is already present.
func (h *Headers) Add(key, value string) {
	if h.Contains(key) {
		return
	}
	*h = append(*h, Header{Key: key, Value: value})
}

func (h *Headers) Del(key string) {
	out := (*h)[:0]
	for _, e := range *h {
		if e.Key != key {
			out = append(out, e)
		}
	}
	*h = out
}

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Map flattens the headers; the first value of a repeated key is kept.
func (h Headers) Map() map[string]string {
	m := make(map[string]string, len(h))
	for _, e := range h {
		if _, ok := m[e.Key]; !ok {
			m[e.Key] = e.Value
		}
	}
	return m
}

type Frame struct {
	Command Command
	Headers Headers
	Body    []byte
}

// New creates a frame with headers from alternating key/value strings.
func New(cmd Command, kv ...string) *Frame {
	return &Frame{Command: cmd, Headers: NewHeaders(kv...)}
}

// Heartbeat returns the frame that encodes to a single EOL.
func Heartbeat() *Frame {
	return &Frame{Command: HEARTBEAT}
}

func (f *Frame) Header(key string) string {
	return f.Headers.Get(key)
}

// ContentLength returns the declared body length, if any.
func (f *Frame) ContentLength() (int, bool, error) {
	v, ok := f.Headers.Lookup(HdrContentLength)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, true, fmt.Errorf("invalid content-length %q", v)
	}
	return n, true, nil
}

func (f *Frame) Clone() *Frame {
	c := &Frame{Command: f.Command, Headers: f.Headers.Clone()}
	if f.Body != nil {
		c.Body = append([]byte(nil), f.Body...)
	}
	return c
}

// String renders the frame for logs. Passcodes are masked and the body is summarised.
func (f *Frame) String() string {
	var b strings.Builder
	b.WriteString(string(f.Command))
	for _, h := range f.Headers {
		v := h.Value
		if h.Key == HdrPasscode {
			v = "****"
		}
		fmt.Fprintf(&b, " %s=%s", h.Key, v)
	}
	if len(f.Body) > 0 {
		fmt.Fprintf(&b, " body=%dB", len(f.Body))
	}
	return b.String()
}

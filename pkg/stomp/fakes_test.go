package stomp

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/denwilliams/go-stomp-console/pkg/frame"
	"github.com/denwilliams/go-stomp-console/pkg/transport"
)

const waitTimeout = 5 * time.Second

// fakeConn records what the client writes and lets the test play the broker.
type fakeConn struct {
	r       transport.Receiver
	mu      sync.Mutex
	decoder *frame.Decoder
	bytes   int
	closed  bool
	sendErr error
	frames  chan *frame.Frame
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &transport.TransportFault{Transport: "fake", Err: errors.New("closed")}
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.bytes += len(data)
	c.decoder.Write(data)
	for {
		f, err := c.decoder.Next()
		if err != nil || f == nil {
			return nil
		}
		c.frames <- f
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Name() string { return "fake" }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) bytesSent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// expect waits for the next non-heartbeat frame and checks its command.
func (c *fakeConn) expect(t *testing.T, cmd frame.Command) *frame.Frame {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case f := <-c.frames:
			if f.Command == frame.HEARTBEAT && cmd != frame.HEARTBEAT {
				continue
			}
			if f.Command != cmd {
				t.Fatalf("client sent %s, want %s", f, cmd)
			}
			return f
		case <-timeout:
			t.Fatalf("timed out waiting for %s", cmd)
			return nil
		}
	}
}

// expectNothing fails if a non-heartbeat frame arrives within d.
func (c *fakeConn) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case f := <-c.frames:
			if f.Command != frame.HEARTBEAT {
				t.Fatalf("unexpected frame %s", f)
			}
		case <-timeout:
			return
		}
	}
}

func (c *fakeConn) deliver(t *testing.T, frames ...*frame.Frame) {
	t.Helper()
	var data []byte
	for _, f := range frames {
		b, err := frame.Encode(f)
		if err != nil {
			t.Fatalf("Encode(%s) error = %v", f, err)
		}
		data = append(data, b...)
	}
	c.r.Receive(data)
}

func (c *fakeConn) connected(t *testing.T, kv ...string) {
	t.Helper()
	c.expect(t, frame.CONNECT)
	c.deliver(t, frame.New(frame.CONNECTED, append([]string{frame.HdrVersion, "1.2"}, kv...)...))
}

type fakeBroker struct {
	mu      sync.Mutex
	dialErr error
	dials   int
	conns   chan *fakeConn
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{conns: make(chan *fakeConn, 8)}
}

func (b *fakeBroker) dial(ctx context.Context, u *url.URL, cfg transport.Config, r transport.Receiver) (transport.Conn, error) {
	b.mu.Lock()
	b.dials++
	err := b.dialErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := &fakeConn{r: r, decoder: frame.NewDecoder(0), frames: make(chan *frame.Frame, 128)}
	b.conns <- c
	return c, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) waitConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-b.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type recordedError struct {
	message string
	err     error
}

type recorder struct {
	connects    chan struct{}
	disconnects chan struct{}
	errors      chan recordedError
	errorCount  atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{
		connects:    make(chan struct{}, 8),
		disconnects: make(chan struct{}, 8),
		errors:      make(chan recordedError, 8),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnConnect:    func() { r.connects <- struct{}{} },
		OnDisconnect: func() { r.disconnects <- struct{}{} },
		OnError: func(message string, err error) {
			r.errorCount.Add(1)
			r.errors <- recordedError{message: message, err: err}
		},
	}
}

func (r *recorder) waitConnect(t *testing.T) {
	t.Helper()
	select {
	case <-r.connects:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for OnConnect")
	}
}

func (r *recorder) waitDisconnect(t *testing.T) {
	t.Helper()
	select {
	case <-r.disconnects:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for OnDisconnect")
	}
}

func (r *recorder) waitError(t *testing.T) recordedError {
	t.Helper()
	select {
	case e := <-r.errors:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for OnError")
		return recordedError{}
	}
}

func newTestClient(t *testing.T, cfg Config, h Handlers) (*Client, *fakeBroker) {
	t.Helper()
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "ws://broker.test/ws"
	}
	broker := newFakeBroker()
	c := NewClient(cfg, h, WithDialer(broker.dial))
	t.Cleanup(func() { c.Close() })
	return c, broker
}

// connectClient runs the handshake and waits for OnConnect.
func connectClient(t *testing.T, c *Client, broker *fakeBroker, rec *recorder, kv ...string) *fakeConn {
	t.Helper()
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := broker.waitConn(t)
	conn.connected(t, kv...)
	rec.waitConnect(t)
	return conn
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

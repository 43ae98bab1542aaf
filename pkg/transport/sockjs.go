package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SockJS sub-transport names accepted in Config.SockJSTransports.
const (
	SockJSWebSocket  = "websocket"
	SockJSXHRPolling = "xhr-polling"
)

var errCleanClose = errors.New("closed by server")

type sockjsInfo struct {
	WebSocket    bool     `json:"websocket"`
	CookieNeeded bool     `json:"cookie_needed"`
	Origins      []string `json:"origins"`
	Entropy      int64    `json:"entropy"`
}

// sockjsFrame is one server frame: o (open), h (heartbeat), a (messages),
// m (single message) or c (close).
type sockjsFrame struct {
	kind     byte
	messages []string
	code     int
	reason   string
}

func decodeSockJSFrame(b []byte) (sockjsFrame, error) {
	b = bytes.TrimRight(b, "\r\n")
	if len(b) == 0 {
		return sockjsFrame{}, errors.New("empty sockjs frame")
	}

	f := sockjsFrame{kind: b[0]}
	switch f.kind {
	case 'o', 'h':
	case 'a':
		if err := json.Unmarshal(b[1:], &f.messages); err != nil {
			return f, errors.Wrap(err, "invalid sockjs message array")
		}
	case 'm':
		var msg string
		if err := json.Unmarshal(b[1:], &msg); err != nil {
			return f, errors.Wrap(err, "invalid sockjs message")
		}
		f.messages = []string{msg}
	case 'c':
		var payload []json.RawMessage
		if err := json.Unmarshal(b[1:], &payload); err != nil || len(payload) != 2 {
			return f, errors.Errorf("invalid sockjs close frame %q", b)
		}
		if err := json.Unmarshal(payload[0], &f.code); err != nil {
			return f, errors.Wrap(err, "invalid sockjs close code")
		}
		if err := json.Unmarshal(payload[1], &f.reason); err != nil {
			return f, errors.Wrap(err, "invalid sockjs close reason")
		}
	default:
		return f, errors.Errorf("unknown sockjs frame type %q", f.kind)
	}
	return f, nil
}

// deliver passes a frame's messages to r. It returns errCleanClose or a
// close error when the server closed the session.
func (f sockjsFrame) deliver(r Receiver) error {
	switch f.kind {
	case 'a', 'm':
		for _, msg := range f.messages {
			r.Receive([]byte(msg))
		}
	case 'c':
		if f.code == 1000 || f.code == 3000 {
			return errCleanClose
		}
		return errors.Errorf("session closed by server: %d %s", f.code, f.reason)
	}
	return nil
}

func encodeSockJSSend(data []byte) ([]byte, error) {
	return json.Marshal([]string{string(data)})
}

func dialSockJS(ctx context.Context, u *url.URL, cfg Config, r Receiver) (Conn, error) {
	base := *u
	base.Path = strings.TrimSuffix(base.Path, "/")
	base.RawQuery = ""
	base.Fragment = ""

	info, err := probeSockJS(ctx, &base, cfg)
	if err != nil {
		return nil, err
	}

	serverID := fmt.Sprintf("%03d", rand.Intn(1000))
	sessionID := strings.ReplaceAll(uuid.NewString(), "-", "")
	log := cfg.Logger.WithField("session", sessionID)

	var lastErr error
	for _, name := range cfg.SockJSTransports {
		var conn Conn
		switch name {
		case SockJSWebSocket:
			if !info.WebSocket {
				log.Debug("SockJS server has websocket disabled")
				continue
			}
			conn, err = dialSockJSWebSocket(ctx, &base, serverID, sessionID, cfg, r)
		case SockJSXHRPolling:
			conn, err = dialSockJSXHR(ctx, &base, serverID, sessionID, cfg, r)
		default:
			log.Warnf("Unknown SockJS transport %q", name)
			continue
		}
		if err == nil {
			return conn, nil
		}
		log.WithError(err).Warnf("SockJS %s transport failed", name)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no usable sockjs transport")
	}
	return nil, lastErr
}

func probeSockJS(ctx context.Context, base *url.URL, cfg Config) (*sockjsInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String()+"/info", nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, cfg.Header)

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sockjs info request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("sockjs info returned status %d", resp.StatusCode)
	}

	var info sockjsInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errors.Wrap(err, "invalid sockjs info response")
	}
	return &info, nil
}

func dialSockJSWebSocket(ctx context.Context, base *url.URL, serverID, sessionID string, cfg Config, r Receiver) (Conn, error) {
	wsURL := *base
	switch base.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = fmt.Sprintf("%s/%s/%s/websocket", base.Path, serverID, sessionID)

	dialer := newWebSocketDialer(cfg)
	dialer.Subprotocols = nil
	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), cfg.Header)
	if err != nil {
		return nil, errors.Wrap(err, "sockjs websocket handshake failed")
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "waiting for sockjs open frame")
	}
	if f, err := decodeSockJSFrame(msg); err != nil || f.kind != 'o' {
		conn.Close()
		return nil, errors.Errorf("expected sockjs open frame, got %q", msg)
	}
	conn.SetReadDeadline(time.Time{})

	c := &wsConn{
		name:   "sockjs-websocket",
		conn:   conn,
		notify: &closeNotifier{r: r},
		wrap:   encodeSockJSSend,
	}
	go c.readLoop(func(data []byte) error {
		f, err := decodeSockJSFrame(data)
		if err != nil {
			return err
		}
		return f.deliver(r)
	})
	return c, nil
}

type xhrConn struct {
	sessionURL string
	client     *http.Client
	header     http.Header
	notify     *closeNotifier
	r          Receiver

	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	sendMu  sync.Mutex
}

func dialSockJSXHR(ctx context.Context, base *url.URL, serverID, sessionID string, cfg Config, r Receiver) (Conn, error) {
	loopCtx, cancel := context.WithCancel(context.Background())
	c := &xhrConn{
		sessionURL: fmt.Sprintf("%s/%s/%s", base.String(), serverID, sessionID),
		client:     cfg.HTTPClient,
		header:     cfg.Header,
		notify:     &closeNotifier{r: r},
		r:          r,
		ctx:        loopCtx,
		cancel:     cancel,
	}

	frames, err := c.poll(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	if len(frames) == 0 || frames[0].kind != 'o' {
		cancel()
		return nil, errors.New("expected sockjs open frame on xhr")
	}

	go c.pollLoop(frames[1:])
	return c, nil
}

func (c *xhrConn) poll(ctx context.Context) ([]sockjsFrame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL+"/xhr", nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, c.header)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("sockjs xhr returned status %d", resp.StatusCode)
	}

	var frames []sockjsFrame
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		f, err := decodeSockJSFrame(line)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, scanner.Err()
}

func (c *xhrConn) pollLoop(pending []sockjsFrame) {
	for {
		for _, f := range pending {
			if err := f.deliver(c.r); err != nil {
				c.cancel()
				c.finish(err)
				return
			}
		}

		frames, err := c.poll(c.ctx)
		if err != nil {
			c.finish(err)
			return
		}
		pending = frames
	}
}

func (c *xhrConn) finish(err error) {
	if errors.Is(err, errCleanClose) || c.closing.Load() {
		c.notify.notify(nil)
		return
	}
	c.notify.notify(&TransportFault{Transport: c.Name(), Err: err})
}

func (c *xhrConn) Send(data []byte) error {
	body, err := encodeSockJSSend(data)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closing.Load() {
		return &TransportFault{Transport: c.Name(), Err: errors.New("connection closed")}
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeWait)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL+"/xhr_send", bytes.NewReader(body))
	if err != nil {
		return &TransportFault{Transport: c.Name(), Err: err}
	}
	copyHeader(req.Header, c.header)
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportFault{Transport: c.Name(), Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return &TransportFault{Transport: c.Name(), Err: errors.Errorf("xhr_send returned status %d", resp.StatusCode)}
	}
	return nil
}

func (c *xhrConn) Close() error {
	if c.closing.CompareAndSwap(false, true) {
		c.cancel()
	}
	return nil
}

func (c *xhrConn) Name() string {
	return "sockjs-xhr"
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

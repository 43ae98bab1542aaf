package transport

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Subprotocols offered on the WebSocket handshake.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

const writeWait = 10 * time.Second

type wsConn struct {
	name    string
	conn    *websocket.Conn
	writeMu sync.Mutex
	closing atomic.Bool
	notify  *closeNotifier
	// wrap converts outgoing bytes into a message payload.
	wrap func([]byte) ([]byte, error)
}

func newWebSocketDialer(cfg Config) *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.ConnectTimeout,
		Subprotocols:     Subprotocols,
		TLSClientConfig:  cfg.TLSConfig,
	}
}

func dialWebSocket(ctx context.Context, u *url.URL, cfg Config, r Receiver) (Conn, error) {
	conn, resp, err := newWebSocketDialer(cfg).DialContext(ctx, u.String(), cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "websocket handshake failed with status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "websocket handshake failed")
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &wsConn{
		name:   "websocket",
		conn:   conn,
		notify: &closeNotifier{r: r},
	}
	go c.readLoop(func(data []byte) error {
		r.Receive(data)
		return nil
	})
	return c, nil
}

func (c *wsConn) readLoop(handle func([]byte) error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if err := handle(data); err != nil {
			c.finish(err)
			c.conn.Close()
			return
		}
	}
}

func (c *wsConn) finish(err error) {
	if err == nil || errors.Is(err, errCleanClose) || c.closing.Load() ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.notify.notify(nil)
		return
	}
	c.notify.notify(&TransportFault{Transport: c.name, Err: err})
}

func (c *wsConn) Send(data []byte) error {
	payload := data
	if c.wrap != nil {
		var err error
		if payload, err = c.wrap(data); err != nil {
			return err
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closing.Load() {
		return &TransportFault{Transport: c.name, Err: errors.New("connection closed")}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &TransportFault{Transport: c.name, Err: err}
	}
	return nil
}

func (c *wsConn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsConn) Name() string {
	return c.name
}

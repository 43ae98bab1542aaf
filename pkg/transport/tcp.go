package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const readBufferSize = 32 * 1024

type tcpConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	closing atomic.Bool
	notify  *closeNotifier
}

func dialTCP(ctx context.Context, u *url.URL, cfg Config, r Receiver) (Conn, error) {
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "61613")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}
	if cfg.TLSConfig != nil {
		tlsConn := tls.Client(conn, cfg.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "tls handshake failed")
		}
		conn = tlsConn
	}

	c := &tcpConn{conn: conn, notify: &closeNotifier{r: r}}
	go c.readLoop(r)
	return c, nil
}

func (c *tcpConn) readLoop(r Receiver) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			r.Receive(data)
		}
		if err != nil {
			if err == io.EOF || c.closing.Load() {
				c.notify.notify(nil)
			} else {
				c.notify.notify(&TransportFault{Transport: c.Name(), Err: err})
			}
			return
		}
	}
}

func (c *tcpConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closing.Load() {
		return &TransportFault{Transport: c.Name(), Err: errors.New("connection closed")}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := c.conn.Write(data); err != nil {
		return &TransportFault{Transport: c.Name(), Err: err}
	}
	return nil
}

func (c *tcpConn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *tcpConn) Name() string {
	return "tcp"
}

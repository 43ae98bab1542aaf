// Package transport gives the STOMP session a uniform byte channel over raw
// WebSocket, SockJS and plain TCP connections.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Receiver gets the bytes a connection reads. Receive is called sequentially
// from a single goroutine per connection. Closed is called exactly once after
// the last Receive: with nil on a clean close (either side), otherwise with a
// *TransportFault.
type Receiver interface {
	Receive(data []byte)
	Closed(err error)
}

// Conn is an open transport. Send preserves order; frames may be split or
// coalesced by the underlying transport.
type Conn interface {
	Send(data []byte) error
	Close() error
	// Name identifies the transport in use, e.g. "websocket" or "sockjs-xhr".
	Name() string
}

type Config struct {
	ConnectTimeout time.Duration
	Header         http.Header
	TLSConfig      *tls.Config
	HTTPClient     *http.Client
	// SockJSTransports lists SockJS sub-transports in preference order.
	// Supported values are "websocket" and "xhr-polling".
	SockJSTransports []string
	Logger           *logrus.Entry
}

const DefaultConnectTimeout = 10 * time.Second

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: c.TLSConfig,
		}}
	}
	if len(c.SockJSTransports) == 0 {
		c.SockJSTransports = []string{SockJSWebSocket, SockJSXHRPolling}
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("pkg", "transport")
	}
	return c
}

// DialFunc opens a connection to u.
type DialFunc func(ctx context.Context, u *url.URL, cfg Config, r Receiver) (Conn, error)

var (
	dialersMu sync.RWMutex
	dialers   = map[string]DialFunc{
		"ws":    dialWebSocket,
		"wss":   dialWebSocket,
		"http":  dialSockJS,
		"https": dialSockJS,
		"tcp":   dialTCP,
		"stomp": dialTCP,
	}
)

// Register installs a dialer for a URL scheme, replacing any existing one.
func Register(scheme string, fn DialFunc) {
	dialersMu.Lock()
	defer dialersMu.Unlock()
	dialers[strings.ToLower(scheme)] = fn
}

// Dial opens a transport chosen by the scheme of rawURL. Failures are
// returned as *ConnectError.
func Dial(ctx context.Context, rawURL string, cfg Config, r Receiver) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ConnectError{URL: rawURL, Err: err}
	}
	if u.Host == "" {
		return nil, &ConnectError{URL: rawURL, Err: fmt.Errorf("missing host")}
	}

	dialersMu.RLock()
	fn, ok := dialers[strings.ToLower(u.Scheme)]
	dialersMu.RUnlock()
	if !ok {
		return nil, &ConnectError{URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	conn, err := fn(ctx, u, cfg, r)
	if err != nil {
		if _, ok := err.(*ConnectError); ok {
			return nil, err
		}
		return nil, &ConnectError{URL: rawURL, Err: err}
	}
	cfg.Logger.WithField("transport", conn.Name()).Debugf("Opened transport to %s", redact(u))
	return conn, nil
}

// redact strips user info from u for logging.
func redact(u *url.URL) string {
	c := *u
	c.User = nil
	return c.String()
}

// closeNotifier makes sure Receiver.Closed fires once.
type closeNotifier struct {
	once sync.Once
	r    Receiver
}

func (n *closeNotifier) notify(err error) {
	n.once.Do(func() { n.r.Closed(err) })
}

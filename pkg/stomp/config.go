package stomp

import (
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/denwilliams/go-stomp-console/pkg/transport"
)

const (
	DefaultBrokerURL      = "http://localhost:8080/ws"
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxFrameSize   = 16 * 1024 * 1024

	// heartbeatGrace multiplies the negotiated incoming interval before the
	// broker is considered gone.
	heartbeatGrace = 2
)

// Config controls a Client. Zero heartbeat values disable that direction.
type Config struct {
	BrokerURL         string
	Login             string
	Passcode          string
	Host              string
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	ConnectTimeout    time.Duration
	// Headers are added to the CONNECT frame.
	Headers      map[string]string
	MaxFrameSize int
	Transport    transport.Config
}

func DefaultConfig() Config {
	return Config{
		BrokerURL:      DefaultBrokerURL,
		ConnectTimeout: DefaultConnectTimeout,
		MaxFrameSize:   DefaultMaxFrameSize,
	}
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HeartbeatOutgoing < 0 {
		c.HeartbeatOutgoing = 0
	}
	if c.HeartbeatIncoming < 0 {
		c.HeartbeatIncoming = 0
	}
	return c
}

// virtualHost returns the CONNECT host header value.
func (c Config) virtualHost() string {
	if c.Host != "" {
		return c.Host
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil || u.Hostname() == "" {
		return "/"
	}
	return u.Hostname()
}

func parseBrokerURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, ErrNoBrokerURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid broker url")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("invalid broker url %q", rawURL)
	}
	return u, nil
}

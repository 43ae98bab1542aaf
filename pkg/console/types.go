package console

import (
	"time"

	"github.com/pkg/errors"

	"github.com/denwilliams/go-stomp-console/pkg/history"
	"github.com/denwilliams/go-stomp-console/pkg/reconnect"
	"github.com/denwilliams/go-stomp-console/pkg/stomp"
	"github.com/denwilliams/go-stomp-console/pkg/transport"
)

var (
	// ErrInvalidJSON wraps stomp.ErrSerialization so callers can treat it
	// like any other unserializable publish.
	ErrInvalidJSON     = errors.Wrap(stomp.ErrSerialization, "body is not valid JSON")
	ErrInvalidScript   = errors.New("invalid script")
	ErrHistoryDisabled = errors.New("message history is disabled")
)

// History is the message store the console writes to.
type History interface {
	SaveMessage(record history.Record) (int64, error)
	LoadMessages(destination string, limit int) ([]history.Record, error)
}

// Mirror republishes received messages elsewhere.
type Mirror interface {
	Publish(destination string, body []byte) error
}

type Options struct {
	Client    stomp.Config
	Reconnect reconnect.Policy
	// Subscriptions are subscribed whenever the session connects.
	Subscriptions []string
	// Scripts maps a destination to its process script.
	Scripts       map[string]string
	ScriptTimeout time.Duration
	InboxSize     int
	// Dialer replaces transport.Dial, mainly for tests.
	Dialer transport.DialFunc
}

type SubscriptionInfo struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	CreatedAt   time.Time `json:"created_at"`
	Script      bool      `json:"script"`
}

type Status struct {
	State             string             `json:"state"`
	BrokerURL         string             `json:"broker_url"`
	Transport         string             `json:"transport,omitempty"`
	Version           string             `json:"version,omitempty"`
	Session           string             `json:"session,omitempty"`
	Server            string             `json:"server,omitempty"`
	HeartbeatOutgoing int64              `json:"heartbeat_outgoing_ms"`
	HeartbeatIncoming int64              `json:"heartbeat_incoming_ms"`
	Subscriptions     []SubscriptionInfo `json:"subscriptions"`
	Destinations      []string           `json:"wanted_destinations"`
	MessageCount      int                `json:"message_count"`
	LastError         string             `json:"last_error,omitempty"`
	LastErrorAt       *time.Time         `json:"last_error_at,omitempty"`
	ReconnectPending  bool               `json:"reconnect_pending"`
	History           bool               `json:"history"`
	Mirror            bool               `json:"mirror"`
}

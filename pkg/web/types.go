package web

import (
	"time"

	"github.com/denwilliams/go-stomp-console/pkg/console"
	"github.com/denwilliams/go-stomp-console/pkg/history"
	"github.com/denwilliams/go-stomp-console/pkg/inbox"
	"github.com/denwilliams/go-stomp-console/pkg/script"
)

// Console is the part of console.Service the HTTP API drives.
type Console interface {
	Status() console.Status
	Connect(url string) error
	Disconnect() error
	Subscribe(destination string, replace bool, code string) (string, error)
	Unsubscribe(id string) error
	Subscriptions() []console.SubscriptionInfo
	Publish(destination, body string, headers map[string]string, raw bool) error
	Messages(limit int) []inbox.Entry
	Clear()
	Destinations() []inbox.Destination
	History(destination string, limit int) ([]history.Record, error)
	Watch(buffer int) (<-chan inbox.Entry, func())
	Scripts() *script.Engine
}

type ConnectRequest struct {
	URL string `json:"url,omitempty"`
}

type SubscribeRequest struct {
	Destination string `json:"destination"`
	Replace     bool   `json:"replace,omitempty"`
	Script      string `json:"script,omitempty"`
}

type SubscribeResponse struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
}

type PublishRequest struct {
	Destination string            `json:"destination"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	Raw         bool              `json:"raw,omitempty"`
}

type PublishResponse struct {
	Destination string `json:"destination"`
	Bytes       int    `json:"bytes"`
}

type MessageListResponse struct {
	Messages []inbox.Entry `json:"messages"`
	Total    int           `json:"total"`
}

type HistoryResponse struct {
	Destination string           `json:"destination,omitempty"`
	Messages    []history.Record `json:"messages"`
}

type ScriptRequest struct {
	Destination string `json:"destination"`
	Code        string `json:"code"`
}

type ScriptSummary struct {
	Destination string    `json:"destination"`
	Code        string    `json:"code"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type SystemInfoResponse struct {
	Version      string `json:"version"`
	Uptime       string `json:"uptime"`
	GoVersion    string `json:"go_version"`
	DatabaseType string `json:"database_type"`
	Mirror       bool   `json:"mirror"`
}

// Package console drives a STOMP client on behalf of the web UI: it owns the
// session, keeps the wanted subscriptions alive across reconnects, runs
// destination scripts and fans received messages out to the inbox, history
// and MQTT mirror.
package console

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/denwilliams/go-stomp-console/pkg/frame"
	"github.com/denwilliams/go-stomp-console/pkg/history"
	"github.com/denwilliams/go-stomp-console/pkg/inbox"
	"github.com/denwilliams/go-stomp-console/pkg/metrics"
	"github.com/denwilliams/go-stomp-console/pkg/reconnect"
	"github.com/denwilliams/go-stomp-console/pkg/script"
	"github.com/denwilliams/go-stomp-console/pkg/stomp"
)

type Option func(*Service)

func WithHistory(h History) Option {
	return func(s *Service) {
		s.history = h
	}
}

func WithMirror(m Mirror) Option {
	return func(s *Service) {
		s.mirror = m
	}
}

func WithLogger(logger *logrus.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type Service struct {
	client     *stomp.Client
	supervisor *reconnect.Supervisor
	inbox      *inbox.Inbox
	scripts    *script.Engine
	history    History
	mirror     Mirror
	logger     *logrus.Entry

	mutex       sync.Mutex
	wanted      []string
	lastError   string
	lastErrorAt time.Time
}

func New(opts Options, options ...Option) (*Service, error) {
	s := &Service{
		logger: logrus.WithField("pkg", "console"),
		wanted: append([]string(nil), opts.Subscriptions...),
	}
	for _, opt := range options {
		opt(s)
	}

	s.inbox = inbox.New(opts.InboxSize, s.logger.WithField("component", "inbox"))
	s.scripts = script.NewEngine(opts.ScriptTimeout, s.logger.WithField("component", "script"))
	for destination, code := range opts.Scripts {
		if err := s.scripts.Set(destination, code); err != nil {
			return nil, errors.Wrap(ErrInvalidScript, err.Error())
		}
	}

	s.supervisor = reconnect.New(opts.Reconnect, s.logger.WithField("component", "reconnect"))
	handlers := s.supervisor.Wrap(stomp.Handlers{
		OnConnect:     s.onConnect,
		OnError:       s.onError,
		OnDisconnect:  s.onDisconnect,
		OnStateChange: s.onStateChange,
	})

	clientOpts := []stomp.Option{stomp.WithLogger(s.logger.WithField("component", "stomp"))}
	if opts.Dialer != nil {
		clientOpts = append(clientOpts, stomp.WithDialer(opts.Dialer))
	}
	s.client = stomp.NewClient(opts.Client, handlers, clientOpts...)
	return s, nil
}

// Start enables the reconnect supervisor until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.supervisor.Start(ctx, s.client)
}

// Connect opens the session, switching broker first when url is set.
func (s *Service) Connect(url string) error {
	if url != "" {
		if err := s.client.SetBrokerURL(url); err != nil {
			return err
		}
	}
	s.supervisor.Resume()
	return s.client.Connect()
}

// Disconnect ends the session without triggering a reconnect.
func (s *Service) Disconnect() error {
	s.supervisor.Stop()
	return s.client.Disconnect()
}

// Subscribe subscribes to destination. With replace set every current
// subscription is cancelled first. A non-empty code is installed as the
// destination's script before subscribing.
func (s *Service) Subscribe(destination string, replace bool, code string) (string, error) {
	if destination == "" {
		return "", stomp.ErrInvalidDestination
	}
	if !s.client.IsConnected() {
		return "", stomp.ErrNotConnected
	}
	if code != "" {
		if err := s.scripts.Set(destination, code); err != nil {
			return "", errors.Wrap(ErrInvalidScript, err.Error())
		}
	}

	if replace {
		for _, sub := range s.client.Subscriptions() {
			if err := s.client.Unsubscribe(sub.ID); err != nil {
				return "", errors.Wrapf(err, "failed to replace subscription %s", sub.ID)
			}
		}
	}

	id, err := s.client.SubscribeWithHeaders(destination, nil, s.onMessage)
	if err != nil {
		return "", err
	}

	s.mutex.Lock()
	if replace {
		s.wanted = nil
	}
	s.wanted = append(s.wanted, destination)
	s.mutex.Unlock()
	return id, nil
}

// Unsubscribe cancels a subscription and stops resubscribing it.
func (s *Service) Unsubscribe(id string) error {
	var destination string
	for _, sub := range s.client.Subscriptions() {
		if sub.ID == id {
			destination = sub.Destination
			break
		}
	}

	if err := s.client.Unsubscribe(id); err != nil {
		return err
	}

	s.mutex.Lock()
	for i, d := range s.wanted {
		if d == destination {
			s.wanted = append(s.wanted[:i], s.wanted[i+1:]...)
			break
		}
	}
	s.mutex.Unlock()
	return nil
}

func (s *Service) Subscriptions() []SubscriptionInfo {
	subs := s.client.Subscriptions()
	result := make([]SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		_, scripted := s.scripts.Get(sub.Destination)
		result = append(result, SubscriptionInfo{
			ID:          sub.ID,
			Destination: sub.Destination,
			CreatedAt:   sub.CreatedAt,
			Script:      scripted,
		})
	}
	return result
}

// Publish sends body to destination. Unless raw is set the body must be
// valid JSON and is sent with content-type application/json.
func (s *Service) Publish(destination, body string, headers map[string]string, raw bool) error {
	if !raw && !json.Valid([]byte(body)) {
		return ErrInvalidJSON
	}

	return s.client.Publish(destination, sendHeaders(headers, raw), []byte(body))
}

// sendHeaders orders caller headers by key so SEND frames are stable.
func sendHeaders(headers map[string]string, raw bool) frame.Headers {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var h frame.Headers
	for _, key := range keys {
		h.Set(key, headers[key])
	}
	if !raw && !h.Contains(frame.HdrContentType) {
		h.Set(frame.HdrContentType, "application/json")
	}
	return h
}

func (s *Service) Status() Status {
	info := s.client.Session()

	s.mutex.Lock()
	wanted := append([]string(nil), s.wanted...)
	status := Status{
		State:             info.State.String(),
		BrokerURL:         info.BrokerURL,
		Transport:         info.Transport,
		Version:           info.Version,
		Session:           info.Session,
		Server:            info.Server,
		HeartbeatOutgoing: info.HeartbeatOutgoing.Milliseconds(),
		HeartbeatIncoming: info.HeartbeatIncoming.Milliseconds(),
		Destinations:      wanted,
		LastError:         s.lastError,
		History:           s.history != nil,
		Mirror:            s.mirror != nil,
	}
	if !s.lastErrorAt.IsZero() {
		at := s.lastErrorAt
		status.LastErrorAt = &at
	}
	s.mutex.Unlock()

	status.Subscriptions = s.Subscriptions()
	status.MessageCount = s.inbox.Count()
	status.ReconnectPending = s.supervisor.Pending()
	return status
}

func (s *Service) Messages(limit int) []inbox.Entry {
	return s.inbox.List(limit)
}

func (s *Service) Clear() {
	s.inbox.Clear()
}

func (s *Service) Destinations() []inbox.Destination {
	return s.inbox.Destinations()
}

func (s *Service) History(destination string, limit int) ([]history.Record, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	return s.history.LoadMessages(destination, limit)
}

// Watch streams new inbox entries until stop is called.
func (s *Service) Watch(buffer int) (<-chan inbox.Entry, func()) {
	return s.inbox.Watch(buffer)
}

func (s *Service) Scripts() *script.Engine {
	return s.scripts
}

// Close stops reconnecting and shuts the client down.
func (s *Service) Close() error {
	s.supervisor.Close()
	return s.client.Close()
}

func (s *Service) onConnect() {
	info := s.client.Session()
	s.logger.Infof("Connected to %s via %s (STOMP %s)", info.BrokerURL, info.Transport, info.Version)

	s.mutex.Lock()
	wanted := append([]string(nil), s.wanted...)
	s.mutex.Unlock()

	for _, destination := range wanted {
		if _, err := s.client.SubscribeWithHeaders(destination, nil, s.onMessage); err != nil {
			s.logger.WithError(err).Warnf("Failed to subscribe to %s", destination)
		}
	}
}

func (s *Service) onError(message string, err error) {
	s.logger.WithError(err).Errorf("STOMP session failed: %s", message)

	s.mutex.Lock()
	s.lastError = message
	s.lastErrorAt = time.Now()
	s.mutex.Unlock()
}

func (s *Service) onDisconnect() {
	s.logger.Info("STOMP session closed")
}

func (s *Service) onStateChange(from, to stomp.State) {
	s.logger.Debugf("Session state %s -> %s", from, to)
}

func (s *Service) onMessage(msg *stomp.Message) {
	body := msg.BodyString()
	headers := msg.Headers.Map()

	result, scripted, err := s.scripts.Process(script.Input{
		Destination:    msg.Destination,
		SubscriptionID: msg.SubscriptionID,
		MessageID:      msg.MessageID,
		Headers:        headers,
		Body:           body,
	})
	switch {
	case err != nil:
		// Keep the original body when the script fails.
	case scripted && result.Drop:
		metrics.RecordMessageDropped("script")
		return
	case scripted:
		body = result.Body
	}

	entry := s.inbox.Add(inbox.Entry{
		Destination:    msg.Destination,
		SubscriptionID: msg.SubscriptionID,
		MessageID:      msg.MessageID,
		Headers:        headers,
		Body:           body,
		ReceivedAt:     msg.ReceivedAt,
	})

	if s.history != nil {
		if _, err := s.history.SaveMessage(history.Record{
			Destination:    entry.Destination,
			SubscriptionID: entry.SubscriptionID,
			MessageID:      entry.MessageID,
			Headers:        entry.Headers,
			Body:           entry.Body,
			ReceivedAt:     entry.ReceivedAt,
		}); err != nil {
			s.logger.WithError(err).Warn("Failed to record message history")
		}
	}

	if s.mirror != nil {
		if err := s.mirror.Publish(entry.Destination, []byte(entry.Body)); err != nil {
			s.logger.WithError(err).Debugf("Failed to mirror message from %s", entry.Destination)
		}
	}
}

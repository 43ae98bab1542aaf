// Package stomp implements a STOMP 1.1/1.2 client session over the
// transports in pkg/transport.
//
// A Client runs one event loop goroutine that owns the session, its
// subscriptions and its timers. Public methods, transport reads and timer
// expiries are all posted to that loop. Callbacks run in loop order on a
// separate goroutine, so they may call back into the Client. They must not
// call Close.
package stomp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/denwilliams/go-stomp-console/pkg/frame"
	"github.com/denwilliams/go-stomp-console/pkg/metrics"
	"github.com/denwilliams/go-stomp-console/pkg/transport"
)

const acceptVersion = "1.1,1.2"

// Handlers are the session callbacks. Any of them may be nil.
type Handlers struct {
	OnConnect func()
	// OnError fires once per failed session. err is an *ErrorFrame, a
	// *transport.ConnectError, a *transport.TransportFault, ErrConnectTimeout
	// or ErrHeartbeatTimeout.
	OnError       func(message string, err error)
	OnDisconnect  func()
	OnStateChange func(from, to State)
}

// SessionInfo describes the current broker session.
type SessionInfo struct {
	State             State
	BrokerURL         string
	Transport         string
	Version           string
	Session           string
	Server            string
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
}

type Option func(*Client)

func WithLogger(logger *logrus.Entry) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces transport.Dial.
func WithDialer(dial transport.DialFunc) Option {
	return func(c *Client) {
		c.dial = func(ctx context.Context, rawURL string, cfg transport.Config, r transport.Receiver) (transport.Conn, error) {
			u, err := parseBrokerURL(rawURL)
			if err != nil {
				return nil, err
			}
			return dial(ctx, u, cfg, r)
		}
	}
}

type Client struct {
	config   Config
	handlers Handlers
	dial     func(ctx context.Context, rawURL string, cfg transport.Config, r transport.Receiver) (transport.Conn, error)
	logger   *logrus.Entry

	ops       chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	events    *dispatcher
	state     atomic.Int32

	// Owned by the loop goroutine.
	gen          uint64
	conn         transport.Conn
	decoder      *frame.Decoder
	subs         *registry
	nextSubID    uint64
	hb           heartbeat
	connectTimer *time.Timer
	cancelDial   context.CancelFunc
	waiter       chan error
	info         SessionInfo
}

func NewClient(cfg Config, handlers Handlers, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		config:   cfg,
		handlers: handlers,
		dial:     transport.Dial,
		logger:   logrus.WithField("pkg", "stomp"),
		ops:      make(chan func(), 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		decoder:  frame.NewDecoder(cfg.MaxFrameSize),
		subs:     newRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.config.Transport.Logger == nil {
		c.config.Transport.Logger = c.logger.WithField("component", "transport")
	}
	c.events = newDispatcher(c.logger)
	metrics.SetSessionState(StateClosed.String())

	go c.run()
	return c
}

func (c *Client) run() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.ops:
			fn()
		case <-c.quit:
			return
		}
	}
}

// post queues fn on the loop. It reports false once the loop has stopped.
func (c *Client) post(fn func()) bool {
	select {
	case c.ops <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (c *Client) do(fn func()) error {
	done := make(chan struct{})
	if !c.post(func() {
		fn()
		close(done)
	}) {
		return ErrClientClosed
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrClientClosed
	}
}

func (c *Client) afterFunc(d time.Duration, gen uint64, fn func(gen uint64)) *time.Timer {
	return time.AfterFunc(d, func() {
		c.post(func() {
			if gen == c.gen {
				fn(gen)
			}
		})
	})
}

func (c *Client) emit(fn func()) {
	c.events.push(fn)
}

func (c *Client) currentState() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	from := State(c.state.Swap(int32(s)))
	if from == s {
		return
	}
	c.logger.Debugf("Session state %s -> %s", from, s)
	metrics.SetSessionState(s.String())
	if h := c.handlers.OnStateChange; h != nil {
		c.emit(func() { h(from, s) })
	}
}

// State returns the session state. It is safe to call from any goroutine.
func (c *Client) State() State {
	return c.currentState()
}

// IsConnected reports whether the session is CONNECTED.
func (c *Client) IsConnected() bool {
	return c.currentState() == StateConnected
}

// Connect opens the transport and sends CONNECT. It returns once the frame
// is written or the attempt failed; CONNECTED is reported through OnConnect.
// Calling Connect while connecting or connected does nothing.
func (c *Client) Connect() error {
	var (
		wait chan error
		err  error
	)
	if doErr := c.do(func() { wait, err = c.connect() }); doErr != nil {
		return doErr
	}
	if err != nil || wait == nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-c.stopped:
		return ErrClientClosed
	}
}

func (c *Client) connect() (chan error, error) {
	if c.currentState().Active() {
		return nil, nil
	}
	if c.config.BrokerURL == "" {
		return nil, ErrNoBrokerURL
	}

	c.gen++
	gen := c.gen
	c.decoder.Reset()
	c.info = SessionInfo{BrokerURL: c.config.BrokerURL}
	c.setState(StateConnecting)
	metrics.RecordConnectAttempt()
	c.logger.Infof("Connecting to STOMP broker: %s", c.config.BrokerURL)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.connectTimer = c.afterFunc(c.config.ConnectTimeout, gen, c.onConnectTimeout)

	wait := make(chan error, 1)
	c.waiter = wait

	brokerURL := c.config.BrokerURL
	tcfg := c.config.Transport
	tcfg.ConnectTimeout = c.config.ConnectTimeout
	r := &connReceiver{c: c, gen: gen}
	go func() {
		conn, err := c.dial(ctx, brokerURL, tcfg, r)
		if !c.post(func() { c.onDialed(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
	return wait, nil
}

func (c *Client) onDialed(gen uint64, conn transport.Conn, err error) {
	if gen != c.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if err != nil {
		c.fail("Failed to connect to STOMP broker: "+err.Error(), err, "connect")
		return
	}

	c.conn = conn
	c.info.Transport = conn.Name()
	if err := c.sendFrame(c.connectFrame()); err != nil {
		c.fail("Failed to send CONNECT: "+err.Error(), err, "transport")
		return
	}
	c.resolveWaiter(nil)
}

func (c *Client) connectFrame() *frame.Frame {
	f := frame.New(frame.CONNECT,
		frame.HdrAcceptVersion, acceptVersion,
		frame.HdrHost, c.config.virtualHost(),
		frame.HdrHeartBeat, frame.FormatHeartBeat(
			c.config.HeartbeatOutgoing.Milliseconds(),
			c.config.HeartbeatIncoming.Milliseconds()),
	)
	if c.config.Login != "" {
		f.Headers.Add(frame.HdrLogin, c.config.Login)
	}
	if c.config.Passcode != "" {
		f.Headers.Add(frame.HdrPasscode, c.config.Passcode)
	}

	keys := make([]string, 0, len(c.config.Headers))
	for k := range c.config.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f.Headers.Add(k, c.config.Headers[k])
	}
	return f
}

func (c *Client) onConnectTimeout(gen uint64) {
	if c.currentState() != StateConnecting {
		return
	}
	c.fail(fmt.Sprintf("No CONNECTED frame within %s", c.config.ConnectTimeout), ErrConnectTimeout, "connect_timeout")
}

func (c *Client) resolveWaiter(err error) {
	if c.waiter != nil {
		c.waiter <- err
		c.waiter = nil
	}
}

// sendFrame writes f on the current transport.
func (c *Client) sendFrame(f *frame.Frame) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	if err := c.conn.Send(data); err != nil {
		return err
	}
	c.hb.lastSent = time.Now()
	metrics.RecordFrameSent(f.Command.String())
	c.logger.Tracef(">>> %s", f)
	return nil
}

// teardown stops everything tied to the current transport and returns it.
func (c *Client) teardown() transport.Conn {
	c.gen++
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.hb.stop()
	c.subs.clear()
	metrics.SetActiveSubscriptions(0)
	c.decoder.Reset()

	conn := c.conn
	c.conn = nil
	return conn
}

// fail moves an active session to ERRORED. It fires OnError at most once
// per session.
func (c *Client) fail(message string, err error, reason string) {
	if !c.currentState().Active() {
		return
	}
	c.logger.WithError(err).Errorf("STOMP session failed: %s", message)
	metrics.RecordSessionError(reason)

	conn := c.teardown()
	c.setState(StateErrored)
	c.resolveWaiter(err)
	if conn != nil {
		go conn.Close()
	}
	if h := c.handlers.OnError; h != nil {
		c.emit(func() { h(message, err) })
	}
}

// Disconnect ends the session. A DISCONNECT frame with a receipt is sent
// when a transport is open; the receipt is not awaited.
func (c *Client) Disconnect() error {
	return c.do(c.disconnect)
}

func (c *Client) disconnect() {
	state := c.currentState()
	if state == StateClosed {
		return
	}

	conn := c.teardown()
	if conn != nil {
		data, err := frame.Encode(frame.New(frame.DISCONNECT, frame.HdrReceipt, uuid.NewString()))
		logger := c.logger
		go func() {
			if err == nil {
				if err := conn.Send(data); err != nil {
					logger.WithError(err).Debug("DISCONNECT was not delivered")
				} else {
					metrics.RecordFrameSent(frame.DISCONNECT.String())
				}
			}
			conn.Close()
		}()
	}

	c.logger.Info("Disconnected from STOMP broker")
	c.setState(StateClosed)
	c.resolveWaiter(ErrConnectionClosed)
	if h := c.handlers.OnDisconnect; h != nil {
		c.emit(h)
	}
}

// connReceiver tags transport events with the session generation so events
// from a replaced transport are ignored.
type connReceiver struct {
	c   *Client
	gen uint64
}

func (r *connReceiver) Receive(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	r.c.post(func() { r.c.onReceive(r.gen, buf) })
}

func (r *connReceiver) Closed(err error) {
	r.c.post(func() { r.c.onClosed(r.gen, err) })
}

func (c *Client) onReceive(gen uint64, data []byte) {
	if gen != c.gen || c.conn == nil {
		return
	}
	c.hb.lastRecv = time.Now()
	c.decoder.Write(data)
	for gen == c.gen {
		f, err := c.decoder.Next()
		if err != nil {
			c.logger.WithError(err).Warn("Discarding malformed frame")
			metrics.RecordMalformedFrame()
			continue
		}
		if f == nil {
			return
		}
		c.handleFrame(f)
	}
}

func (c *Client) onClosed(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	if err != nil {
		c.fail("Transport failed: "+err.Error(), err, "transport")
		return
	}
	if !c.currentState().Active() {
		return
	}

	c.logger.Info("Broker closed the connection")
	c.teardown()
	c.setState(StateClosed)
	c.resolveWaiter(ErrConnectionClosed)
	if h := c.handlers.OnDisconnect; h != nil {
		c.emit(h)
	}
}

func (c *Client) handleFrame(f *frame.Frame) {
	metrics.RecordFrameReceived(f.Command.String())
	if f.Command != frame.HEARTBEAT {
		c.logger.Tracef("<<< %s", f)
	}

	switch f.Command {
	case frame.HEARTBEAT:
	case frame.CONNECTED:
		c.onConnected(f)
	case frame.MESSAGE:
		c.onMessage(f)
	case frame.RECEIPT:
		c.logger.Debugf("Receipt %s", f.Header(frame.HdrReceiptID))
	case frame.ERROR:
		e := &ErrorFrame{Frame: f}
		c.fail(e.Message(), e, "broker")
	default:
		c.logger.Warnf("Ignoring unexpected %s frame", f.Command)
	}
}

func (c *Client) onConnected(f *frame.Frame) {
	if c.currentState() != StateConnecting {
		c.logger.Warn("Ignoring CONNECTED outside of CONNECTING")
		return
	}
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}

	sx, sy, err := parseServerHeartbeat(f)
	if err != nil {
		c.logger.WithError(err).Warn("Broker sent an invalid heart-beat header, heartbeats disabled")
	}
	c.hb.outgoing, c.hb.incoming = negotiateHeartbeat(c.config.HeartbeatOutgoing, c.config.HeartbeatIncoming, sx, sy)

	c.info.Version = f.Header(frame.HdrVersion)
	if c.info.Version == "" {
		c.info.Version = "1.0"
	}
	c.info.Session = f.Header(frame.HdrSession)
	c.info.Server = f.Header(frame.HdrServer)
	c.info.HeartbeatOutgoing = c.hb.outgoing
	c.info.HeartbeatIncoming = c.hb.incoming

	c.setState(StateConnected)
	c.startHeartbeats(c.gen)
	c.logger.WithFields(logrus.Fields{
		"version":   c.info.Version,
		"transport": c.info.Transport,
		"heartbeat": fmt.Sprintf("%s/%s", c.hb.outgoing, c.hb.incoming),
	}).Info("Connected to STOMP broker")

	if h := c.handlers.OnConnect; h != nil {
		c.emit(h)
	}
}

func (c *Client) onMessage(f *frame.Frame) {
	if c.currentState() != StateConnected {
		metrics.RecordMessageDropped("not_connected")
		return
	}
	id := f.Header(frame.HdrSubscription)
	sub, ok := c.subs.get(id)
	if !ok {
		c.logger.Warnf("Dropping MESSAGE for unknown subscription %q", id)
		metrics.RecordMessageDropped("unknown_subscription")
		return
	}

	msg := newMessage(f, time.Now())
	handler := sub.handler
	metrics.RecordMessageDelivered()
	c.emit(func() { handler(msg) })
}

// Subscribe subscribes to destination with ack mode auto and returns the
// subscription id. Each call creates a new subscription, even for a
// destination that is already subscribed.
func (c *Client) Subscribe(destination string, fn MessageFunc) (string, error) {
	if fn == nil {
		return "", ErrNilHandler
	}
	return c.SubscribeWithHeaders(destination, nil, func(msg *Message) {
		fn(msg.BodyString(), msg.Headers)
	})
}

// SubscribeWithHeaders is Subscribe with extra SUBSCRIBE headers. The id,
// destination and ack headers are set by the client.
func (c *Client) SubscribeWithHeaders(destination string, headers frame.Headers, handler MessageHandler) (string, error) {
	if handler == nil {
		return "", ErrNilHandler
	}
	var (
		id  string
		err error
	)
	if doErr := c.do(func() { id, err = c.subscribe(destination, headers, handler) }); doErr != nil {
		return "", doErr
	}
	return id, err
}

func (c *Client) subscribe(destination string, headers frame.Headers, handler MessageHandler) (string, error) {
	if c.currentState() != StateConnected {
		return "", ErrNotConnected
	}
	if destination == "" {
		return "", ErrInvalidDestination
	}

	id := "sub-" + strconv.FormatUint(c.nextSubID, 10)
	f := frame.New(frame.SUBSCRIBE,
		frame.HdrID, id,
		frame.HdrDestination, destination,
		frame.HdrAck, "auto",
	)
	for _, h := range headers {
		f.Headers.Add(h.Key, h.Value)
	}

	if err := c.sendFrame(f); err != nil {
		if errors.Is(err, ErrSerialization) {
			return "", err
		}
		c.fail("Failed to send SUBSCRIBE: "+err.Error(), err, "transport")
		return "", err
	}
	c.nextSubID++

	c.subs.add(&subscriptionEntry{
		Subscription: Subscription{
			ID:          id,
			Destination: destination,
			Headers:     headers.Clone(),
			CreatedAt:   time.Now(),
		},
		handler: handler,
	})
	metrics.SetActiveSubscriptions(c.subs.len())
	c.logger.Infof("Subscribed to %s as %s", destination, id)
	return id, nil
}

// Unsubscribe cancels the subscription with the given id.
func (c *Client) Unsubscribe(id string) error {
	var err error
	if doErr := c.do(func() { err = c.unsubscribe(id) }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Client) unsubscribe(id string) error {
	if c.currentState() != StateConnected {
		return ErrNotConnected
	}
	sub, ok := c.subs.get(id)
	if !ok {
		return errors.Wrap(ErrUnknownSubscription, id)
	}

	if err := c.sendFrame(frame.New(frame.UNSUBSCRIBE, frame.HdrID, id)); err != nil {
		c.fail("Failed to send UNSUBSCRIBE: "+err.Error(), err, "transport")
		return err
	}
	c.subs.remove(id)
	metrics.SetActiveSubscriptions(c.subs.len())
	c.logger.Infof("Unsubscribed %s from %s", id, sub.Destination)
	return nil
}

// Subscriptions lists the active subscriptions in creation order.
func (c *Client) Subscriptions() []Subscription {
	var subs []Subscription
	if err := c.do(func() { subs = c.subs.list() }); err != nil {
		return nil
	}
	return subs
}

// Publish sends body to destination. It fails with ErrNotConnected unless
// the session is CONNECTED, writing nothing, and with ErrSerialization if
// the frame cannot be encoded. A content-length header is always added.
func (c *Client) Publish(destination string, headers frame.Headers, body []byte) error {
	var err error
	if doErr := c.do(func() { err = c.publish(destination, headers, body) }); doErr != nil {
		return doErr
	}
	return err
}

// PublishJSON marshals v and publishes it with content-type application/json.
func (c *Client) PublishJSON(destination string, headers frame.Headers, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		metrics.RecordPublish("serialization")
		return errors.Wrap(ErrSerialization, err.Error())
	}
	headers = headers.Clone()
	headers.Add(frame.HdrContentType, "application/json")
	return c.Publish(destination, headers, body)
}

func (c *Client) publish(destination string, headers frame.Headers, body []byte) error {
	if c.currentState() != StateConnected {
		metrics.RecordPublish("not_connected")
		return ErrNotConnected
	}

	f, err := buildSendFrame(destination, headers, body)
	if err == nil {
		err = c.sendFrame(f)
	}
	switch {
	case err == nil:
		metrics.RecordPublish("ok")
		return nil
	case errors.Is(err, ErrSerialization):
		metrics.RecordPublish("serialization")
		return err
	default:
		metrics.RecordPublish("transport")
		c.fail("Failed to send SEND: "+err.Error(), err, "transport")
		return err
	}
}

func buildSendFrame(destination string, headers frame.Headers, body []byte) (*frame.Frame, error) {
	if destination == "" {
		return nil, errors.Wrap(ErrSerialization, "destination is required")
	}

	f := frame.New(frame.SEND, frame.HdrDestination, destination)
	for _, h := range headers {
		switch h.Key {
		case "":
			return nil, errors.Wrap(ErrSerialization, "empty header name")
		case frame.HdrDestination:
			if h.Value != destination {
				return nil, errors.Wrap(ErrSerialization, "destination header conflicts with destination")
			}
			continue
		case frame.HdrContentLength:
			if h.Value != strconv.Itoa(len(body)) {
				return nil, errors.Wrapf(ErrSerialization, "content-length %q does not match body length %d", h.Value, len(body))
			}
			continue
		}
		f.Headers.Add(h.Key, h.Value)
	}
	f.Headers.Set(frame.HdrContentLength, strconv.Itoa(len(body)))
	f.Body = body

	if _, err := frame.Encode(f); err != nil {
		return nil, err
	}
	return f, nil
}

// SetBrokerURL changes the broker used by the next Connect.
func (c *Client) SetBrokerURL(rawURL string) error {
	if _, err := parseBrokerURL(rawURL); err != nil {
		return err
	}
	var err error
	if doErr := c.do(func() {
		if c.currentState().Active() {
			err = ErrSessionActive
			return
		}
		c.config.BrokerURL = rawURL
	}); doErr != nil {
		return doErr
	}
	return err
}

// Session returns details of the current session.
func (c *Client) Session() SessionInfo {
	var info SessionInfo
	if err := c.do(func() {
		info = c.info
		info.BrokerURL = c.config.BrokerURL
	}); err != nil {
		info.BrokerURL = c.config.BrokerURL
	}
	info.State = c.currentState()
	return info
}

// Close disconnects, stops the loop and waits for queued callbacks.
func (c *Client) Close() error {
	c.Disconnect()
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.stopped
	c.events.stop()
	return nil
}

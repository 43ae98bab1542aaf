// Package reconnect re-opens a STOMP session after it errors or the broker
// closes it. The client itself never retries.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/denwilliams/go-stomp-console/pkg/metrics"
	"github.com/denwilliams/go-stomp-console/pkg/stomp"
)

type Mode string

const (
	ModeNone    Mode = "none"
	ModeFixed   Mode = "fixed"
	ModeBackoff Mode = "backoff"
)

type Policy struct {
	Mode       Mode
	Delay      time.Duration
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
}

func DefaultPolicy() Policy {
	return Policy{
		Mode:       ModeNone,
		Delay:      5 * time.Second,
		Min:        time.Second,
		Max:        5 * time.Minute,
		Multiplier: 2,
	}
}

// Connector is the part of *stomp.Client the supervisor drives.
type Connector interface {
	Connect() error
}

// Supervisor schedules Connect calls per its Policy while enabled.
type Supervisor struct {
	policy Policy
	logger *logrus.Entry

	mu       sync.Mutex
	client   Connector
	enabled  bool
	timer    *time.Timer
	backoff  *backoff.Backoff
	attempts int
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(policy Policy, logger *logrus.Entry) *Supervisor {
	if logger == nil {
		logger = logrus.WithField("pkg", "reconnect")
	}
	if policy.Mode == "" {
		policy.Mode = ModeNone
	}
	return &Supervisor{
		policy: policy,
		logger: logger,
		backoff: &backoff.Backoff{
			Min:    policy.Min,
			Max:    policy.Max,
			Factor: policy.Multiplier,
			Jitter: false,
		},
	}
}

// Wrap returns handlers that call h and then drive reconnection.
func (s *Supervisor) Wrap(h stomp.Handlers) stomp.Handlers {
	wrapped := h
	wrapped.OnConnect = func() {
		s.reset()
		if h.OnConnect != nil {
			h.OnConnect()
		}
	}
	wrapped.OnError = func(message string, err error) {
		if h.OnError != nil {
			h.OnError(message, err)
		}
		s.schedule()
	}
	wrapped.OnDisconnect = func() {
		if h.OnDisconnect != nil {
			h.OnDisconnect()
		}
		s.schedule()
	}
	return wrapped
}

// Start attaches the client and enables reconnection until ctx is done or
// Stop is called.
func (s *Supervisor) Start(ctx context.Context, client Connector) {
	s.mu.Lock()
	s.client = client
	s.enabled = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	done := s.ctx.Done()
	s.mu.Unlock()

	go func() {
		<-done
		s.Stop()
	}()
}

// Stop disables reconnection and cancels a pending attempt. Call it before
// an intentional Disconnect.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Resume re-enables reconnection after Stop.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil && s.ctx.Err() == nil {
		s.enabled = true
	}
}

// Close stops the supervisor for good.
func (s *Supervisor) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.Stop()
}

// Pending reports whether a reconnect attempt is scheduled.
func (s *Supervisor) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Supervisor) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff.Reset()
	s.attempts = 0
}

// nextDelay returns the wait before the next attempt, or false if the policy
// does not reconnect.
func (s *Supervisor) nextDelay() (time.Duration, bool) {
	switch s.policy.Mode {
	case ModeFixed:
		return s.policy.Delay, true
	case ModeBackoff:
		return s.backoff.Duration(), true
	default:
		return 0, false
	}
}

func (s *Supervisor) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.client == nil || s.timer != nil {
		return
	}
	delay, ok := s.nextDelay()
	if !ok {
		return
	}
	s.attempts++
	attempt := s.attempts
	metrics.RecordReconnectAttempt()
	s.logger.Infof("Reconnecting in %s (attempt %d)", delay, attempt)

	client := s.client
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.timer = nil
		enabled := s.enabled
		s.mu.Unlock()
		if !enabled {
			return
		}
		if err := client.Connect(); err != nil {
			s.logger.WithError(err).Warnf("Reconnect attempt %d failed", attempt)
		}
	})
}

package stomp

import (
	"github.com/pkg/errors"

	"github.com/denwilliams/go-stomp-console/pkg/frame"
)

var (
	ErrNotConnected        = errors.New("not connected")
	ErrSerialization       = frame.ErrSerialization
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrInvalidDestination  = errors.New("destination is required")
	ErrNilHandler          = errors.New("message handler is required")
	ErrClientClosed        = errors.New("client closed")
	ErrNoBrokerURL         = errors.New("broker url is required")
	ErrSessionActive       = errors.New("session is active")
	ErrConnectTimeout      = errors.New("timed out waiting for CONNECTED")
	ErrHeartbeatTimeout    = errors.New("broker heartbeat missed")
	ErrConnectionClosed    = errors.New("connection closed")
)

// ErrorFrame carries an ERROR frame sent by the broker.
type ErrorFrame struct {
	Frame *frame.Frame
}

// Message returns the broker's short description of the error.
func (e *ErrorFrame) Message() string {
	if msg := e.Frame.Header(frame.HdrMessage); msg != "" {
		return msg
	}
	return string(e.Frame.Body)
}

func (e *ErrorFrame) Error() string {
	return "broker error: " + e.Message()
}

package stomp

import (
	"encoding/json"
	"time"

	"github.com/denwilliams/go-stomp-console/pkg/frame"
)

// Message is a MESSAGE frame delivered to a subscription.
type Message struct {
	Destination    string
	SubscriptionID string
	MessageID      string
	ContentType    string
	Headers        frame.Headers
	Body           []byte
	ReceivedAt     time.Time
}

func newMessage(f *frame.Frame, at time.Time) *Message {
	return &Message{
		Destination:    f.Header(frame.HdrDestination),
		SubscriptionID: f.Header(frame.HdrSubscription),
		MessageID:      f.Header(frame.HdrMessageID),
		ContentType:    f.Header(frame.HdrContentType),
		Headers:        f.Headers,
		Body:           f.Body,
		ReceivedAt:     at,
	}
}

func (m *Message) BodyString() string {
	return string(m.Body)
}

// Unmarshal decodes a JSON body into v.
func (m *Message) Unmarshal(v interface{}) error {
	return json.Unmarshal(m.Body, v)
}

// MessageFunc receives the body and headers of each message.
type MessageFunc func(body string, headers frame.Headers)

// MessageHandler receives each message in full.
type MessageHandler func(msg *Message)

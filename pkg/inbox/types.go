package inbox

import (
	"encoding/json"
	"time"
)

// Entry is one received message as shown in the console.
type Entry struct {
	ID             int64             `json:"id"`
	Destination    string            `json:"destination"`
	SubscriptionID string            `json:"subscription_id"`
	MessageID      string            `json:"message_id,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body"`
	ReceivedAt     time.Time         `json:"received_at"`
}

// Destination summarises the messages seen on one destination.
type Destination struct {
	Name         string    `json:"name"`
	LastBody     string    `json:"last_body"`
	LastReceived time.Time `json:"last_received"`
	Count        int64     `json:"count"`
}

// JSONBody returns the body decoded as JSON, or the raw string when it is
// not valid JSON.
func (e Entry) JSONBody() interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(e.Body), &v); err != nil {
		return e.Body
	}
	return v
}

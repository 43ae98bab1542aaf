package script

import (
	"time"
)

// Input is the message handed to a script's process function.
type Input struct {
	Destination    string            `json:"destination"`
	SubscriptionID string            `json:"subscription"`
	MessageID      string            `json:"messageId"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
}

type Result struct {
	// Drop is set when process returned null or undefined.
	Drop          bool          `json:"drop"`
	Body          string        `json:"body"`
	LogMessages   []string      `json:"log_messages,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// Script is a compiled script bound to a destination.
type Script struct {
	Destination string    `json:"destination"`
	Code        string    `json:"code"`
	UpdatedAt   time.Time `json:"updated_at"`
}

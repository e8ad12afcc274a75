package whatsapp

import (
	"time"
)

// Event bus topics. Handlers receive the payload type listed with the topic.
const (
	TopicSessionStatus      = "session:status"              // StatusChange
	TopicReconnectScheduled = "session:reconnect_scheduled" // ReconnectScheduled
	TopicLogFailed          = "dispatch:log_failed"         // LogFailure
	TopicInboundFailed      = "router:message_failed"       // InboundFailure
)

type StatusChange struct {
	TenantID uint
	From     string
	To       string
	At       time.Time
}

type ReconnectScheduled struct {
	TenantID uint
	Attempt  int
	Delay    time.Duration
	Reason   string
}

// LogFailure reports a message log row that could not be written.
type LogFailure struct {
	TenantID    uint
	Direction   string
	Destination string
	Status      string
	Err         error
}

type InboundFailure struct {
	TenantID  uint
	MessageID string
	Err       error
}

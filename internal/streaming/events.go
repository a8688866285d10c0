package streaming

import "time"

// EventType identifies a run event on the wire.
type EventType string

const (
	EventTypeConnected  EventType = "connected"
	EventTypeProgress   EventType = "progress"
	EventTypeQRCode     EventType = "qr-code"
	EventTypeAuthStatus EventType = "auth-status"
	EventTypeSuccess    EventType = "success"
	EventTypeError      EventType = "error"
	EventTypeClose      EventType = "close"
	EventTypeHeartbeat  EventType = "heartbeat"
)

// Event is a single run event. Data holds the typed payload for the
// event's type. Seq orders events within one run so a consumer replaying a
// snapshot can tell which live events it has already seen.
type Event struct {
	Seq       int64       `json:"-"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ConnectedEvent is sent once when a client attaches to a run stream.
type ConnectedEvent struct {
	RunID string `json:"runId"`
}

// ProgressEvent is a human-readable status line for the UI.
type ProgressEvent struct {
	Message string `json:"message"`
}

// QRCodeEvent carries the current QR payload to render. The payload
// changes every couple of seconds while authentication is pending.
type QRCodeEvent struct {
	Token string `json:"token"`
}

// AuthStatusEvent reports a bank authentication state change.
type AuthStatusEvent struct {
	Status string `json:"status"`
}

// SuccessEvent is the terminal event of a run that completed.
type SuccessEvent struct {
	Count   int    `json:"count"`
	Skipped int    `json:"skipped"`
	Message string `json:"message"`
}

// ErrorEvent is the terminal event of a run that failed.
type ErrorEvent struct {
	Message string `json:"message"`
}

// CloseEvent ends a run stream. Exactly one is sent per run, after the
// terminal event.
type CloseEvent struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// HeartbeatEvent keeps idle SSE connections alive through proxies.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(eventType EventType, data interface{}) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// isCritical reports whether an event must survive backpressure. Terminal
// and close events are never dropped silently.
func isCritical(eventType EventType) bool {
	return eventType == EventTypeSuccess || eventType == EventTypeError || eventType == EventTypeClose
}

package mqtt

import (
	"encoding/json"
	"time"
)

// Publisher is the client surface the announcer needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Logger interface for publish failure logging.
type Logger interface {
	Warn(msg string, args ...any)
}

// Announcer publishes bridge events to the local broker so dashboards
// and automations can react to assistant activity. All publishes are
// best effort: a broker outage never affects command handling.
type Announcer struct {
	publisher Publisher
	logger    Logger
	now       func() time.Time
}

// NewAnnouncer creates an announcer over a connected client.
func NewAnnouncer(publisher Publisher, logger Logger) *Announcer {
	return &Announcer{publisher: publisher, logger: logger, now: time.Now}
}

type executionEvent struct {
	DeviceID  string `json:"device_id"`
	Command   string `json:"command,omitempty"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type selectionEvent struct {
	Timestamp string `json:"timestamp"`
}

// ExecutionResult announces a per-device command outcome.
func (a *Announcer) ExecutionResult(deviceID, command, status string) {
	payload, err := json.Marshal(executionEvent{
		DeviceID:  deviceID,
		Command:   command,
		Status:    status,
		Timestamp: a.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := a.publisher.Publish(Topics{}.ExecutionResult(deviceID), payload); err != nil && a.logger != nil {
		a.logger.Warn("publishing execution event failed", "device", deviceID, "error", err)
	}
}

// SelectionChanged announces that the exposed device set changed.
func (a *Announcer) SelectionChanged() {
	payload, err := json.Marshal(selectionEvent{
		Timestamp: a.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := a.publisher.Publish(Topics{}.SelectionChanged(), payload); err != nil && a.logger != nil {
		a.logger.Warn("publishing selection event failed", "error", err)
	}
}

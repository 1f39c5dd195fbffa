package models

import "time"

type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventRunFinished    EventType = "run_finished"
	EventEnvStarted     EventType = "env_started"
	EventEnvFinished    EventType = "env_finished"
	EventCommandOutput  EventType = "command_output"
	EventWatchTriggered EventType = "watch_triggered"
)

// Event is one entry on the serve-mode websocket stream.
type Event struct {
	Type   EventType `json:"type"`
	Time   time.Time `json:"time"`
	RunID  string    `json:"run_id,omitempty"`
	Env    string    `json:"env,omitempty"`
	Status RunStatus `json:"status,omitempty"`
	Line   string    `json:"line,omitempty"`
	Path   string    `json:"path,omitempty"`
}

func NewEvent(t EventType) Event {
	return Event{Type: t, Time: time.Now().UTC()}
}

package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

// MessageType is the push-channel message kind for run progress.
const MessageType = "scheduler_progress"

// Snapshot is the state of a run at one instant.
type Snapshot struct {
	RunID    string              `json:"run_id"`
	Status   discovery.RunStatus `json:"status"`
	Keyword  string              `json:"current_keyword,omitempty"`
	Progress discovery.Progress  `json:"progress"`
	Error    string              `json:"error,omitempty"`
	TS       time.Time           `json:"ts"`
}

// Message is the envelope pushed to clients.
type Message struct {
	Type string   `json:"type"`
	Data Snapshot `json:"data"`
}

// Message wraps the snapshot for the push channel.
func (s Snapshot) Message() Message {
	return Message{Type: MessageType, Data: s}
}

// Terminal reports whether the snapshot closes its run.
func (s Snapshot) Terminal() bool {
	return s.Status.Terminal()
}

// Validate performs coarse validation on snapshots.
func (s Snapshot) Validate() error {
	if s.RunID == "" {
		return errors.New("run id is required")
	}
	if s.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch s.Status {
	case discovery.RunRunning, discovery.RunCompleted, discovery.RunError, discovery.RunStopped:
	default:
		return fmt.Errorf("unknown status %q", s.Status)
	}
	return nil
}

// Attributes returns routing metadata for message brokers.
func (m Message) Attributes() map[string]string {
	return map[string]string{
		"type":   m.Type,
		"run_id": m.Data.RunID,
		"status": string(m.Data.Status),
	}
}

// OrderingKey keeps messages of one run in publish order.
func (m Message) OrderingKey() string {
	return m.Data.RunID
}

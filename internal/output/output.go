package output

import (
	"context"
	"time"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/pilot"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/position"
	"github.com/therealutkarshpriyadarshi/intelwatch/pkg/types"
)

// EventType identifies the payload carried by an envelope
type EventType string

const (
	EventMessage  EventType = "message"
	EventAlert    EventType = "alert"
	EventPilot    EventType = "pilot"
	EventPosition EventType = "position"
	EventStatus   EventType = "status"
)

// Status reports a pipeline condition such as a missing log directory
type Status struct {
	Component string `json:"component"`
	State     string `json:"state"`
	Message   string `json:"message,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// Envelope is the unit published to every output. Exactly one payload
// field is set, matching Type.
type Envelope struct {
	ID         string             `json:"id"`
	Type       EventType          `json:"type"`
	Timestamp  time.Time          `json:"timestamp"`
	Generation uint64             `json:"generation"`
	Message    *types.MessageInfo `json:"message,omitempty"`
	Alert      *types.Alert       `json:"alert,omitempty"`
	Pilot      *pilot.Entry       `json:"pilot,omitempty"`
	Position   *position.Frame    `json:"position,omitempty"`
	Status     *Status            `json:"status,omitempty"`
}

// Key returns the partition key for the envelope: the system for alerts,
// the pilot name for pilot updates and the type otherwise
func (e *Envelope) Key() string {
	switch {
	case e.Alert != nil && e.Alert.System != "":
		return e.Alert.System
	case e.Pilot != nil:
		return pilot.Normalize(e.Pilot.Name)
	case e.Message != nil && e.Message.System != "":
		return e.Message.System
	}
	return string(e.Type)
}

// Output defines the interface for all output plugins
type Output interface {
	// Publish sends a single envelope to the output destination
	Publish(ctx context.Context, env *Envelope) error

	// Close closes the output and releases resources
	Close() error

	// Name returns the name of the output plugin
	Name() string

	// Metrics returns the current metrics for this output
	Metrics() *OutputMetrics
}

// OutputMetrics tracks performance and health metrics for an output
type OutputMetrics struct {
	EventsSent    int64         `json:"events_sent"`
	EventsFailed  int64         `json:"events_failed"`
	BytesSent     int64         `json:"bytes_sent"`
	BatchesSent   int64         `json:"batches_sent"`
	RetryCount    int64         `json:"retry_count"`
	LastSendTime  time.Time     `json:"last_send_time"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorTime time.Time     `json:"last_error_time,omitempty"`
	AvgBatchSize  float64       `json:"avg_batch_size"`
	AvgLatency    time.Duration `json:"avg_latency"`
}

// BaseConfig contains common configuration for all outputs
type BaseConfig struct {
	// Name is a unique identifier for this output instance
	Name string

	// Events restricts the envelope types delivered to this output; empty
	// means all
	Events []EventType

	// BatchSize is the number of envelopes to batch before sending
	BatchSize int

	// FlushInterval is how often to flush buffered envelopes
	FlushInterval time.Duration

	// Timeout is the timeout for send operations
	Timeout time.Duration
}

// DefaultBaseConfig returns a base config with sensible defaults
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		BatchSize:     100,
		FlushInterval: 1 * time.Second,
		Timeout:       30 * time.Second,
	}
}

// Accepts reports whether the output wants envelopes of type t
func (c BaseConfig) Accepts(t EventType) bool {
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == t {
			return true
		}
	}
	return false
}

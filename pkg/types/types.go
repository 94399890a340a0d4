package types

import (
	"strings"
	"time"
)

// MessageKind classifies a parsed chat line
type MessageKind string

const (
	KindChat      MessageKind = "chat"
	KindLocation  MessageKind = "location"
	KindBroadcast MessageKind = "broadcast"
)

// MessageInfo represents one parsed chat line
type MessageInfo struct {
	Timestamp  time.Time   `json:"timestamp"`
	Character  string      `json:"character"`
	Channel    string      `json:"channel"`
	Kind       MessageKind `json:"kind"`
	Sender     string      `json:"sender"`
	Text       string      `json:"text"`
	Pilot      string      `json:"pilot,omitempty"`
	Pilots     []string    `json:"pilots,omitempty"`
	System     string      `json:"system,omitempty"`
	Broadcast  string      `json:"broadcast,omitempty"`
	Clear      bool        `json:"clear,omitempty"`
	Generation uint64      `json:"generation"`
}

// Status is the tri-state standing of a pilot with one reputation service
type Status int

const (
	StatusUnknown Status = iota
	StatusClear
	StatusHostile
)

func (s Status) String() string {
	switch s {
	case StatusClear:
		return "clear"
	case StatusHostile:
		return "hostile"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name
func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "clear":
		*s = StatusClear
	case "hostile":
		*s = StatusHostile
	default:
		*s = StatusUnknown
	}
	return nil
}

// StatusFromBool maps a definite hostility answer onto a Status
func StatusFromBool(hostile bool) Status {
	if hostile {
		return StatusHostile
	}
	return StatusClear
}

// KosEntry is one row returned by a KOS-style reputation query
type KosEntry struct {
	Type     string `json:"type"`
	Label    string `json:"label"`
	Hostile  bool   `json:"hostile"`
	EveID    int64  `json:"eve_id,omitempty"`
	CorpID   int64  `json:"corp_id,omitempty"`
	CorpName string `json:"corp_name,omitempty"`
}

// Severity ranks an alert
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AlertReason says what raised an alert
type AlertReason string

const (
	ReasonHostile   AlertReason = "hostile"
	ReasonProximity AlertReason = "proximity"
)

// Alert is an alert signal handed to the presentation layer
type Alert struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	System    string      `json:"system"`
	Pilot     string      `json:"pilot,omitempty"`
	Reason    AlertReason `json:"reason"`
	Severity  Severity    `json:"severity"`
	// Jumps from the nearest enabled character, -1 when none is located
	Jumps     int         `json:"jumps"`
	Sound     string      `json:"sound,omitempty"`
	PlaySound bool        `json:"play_sound"`
}

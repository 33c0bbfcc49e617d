package types

import (
	"fmt"
	"math"
	"time"
)

// Kind identifies which variant an Event carries.
type Kind string

const (
	KindHeartbeat  Kind = "heartbeat"
	KindScreenshot Kind = "screenshot"
)

// Valid reports whether k is one of the known event kinds.
func (k Kind) Valid() bool {
	return k == KindHeartbeat || k == KindScreenshot
}

// Heartbeat is a presence event describing the foreground application.
type Heartbeat struct {
	Timestamp   float64 `json:"timestamp" cbor:"timestamp"`
	AppName     string  `json:"app_name" cbor:"app_name"`
	WindowTitle string  `json:"window_title" cbor:"window_title"`
	IsIdle      bool    `json:"is_idle" cbor:"is_idle"`
}

// Field is one caller-supplied metadata entry. Screenshot metadata is an
// ordered list so form fields go out in the order the caller gave them.
type Field struct {
	Name  string `cbor:"name"`
	Value string `cbor:"value"`
}

// Screenshot is the metadata half of a screenshot event. The image itself
// travels in Event.Attachment.
type Screenshot struct {
	DeviceID  string  `cbor:"device_id"`
	Timestamp float64 `cbor:"timestamp"`
	Metadata  []Field `cbor:"metadata,omitempty"`
}

// Event is a tagged variant: exactly one of Heartbeat or Screenshot is set,
// matching Kind. Attachment is only populated for screenshots.
type Event struct {
	Kind       Kind
	Heartbeat  *Heartbeat
	Screenshot *Screenshot
	Attachment []byte
}

// NewHeartbeat builds a heartbeat event stamped with at.
func NewHeartbeat(at time.Time, appName, windowTitle string, isIdle bool) Event {
	return Event{
		Kind: KindHeartbeat,
		Heartbeat: &Heartbeat{
			Timestamp:   UnixSeconds(at),
			AppName:     appName,
			WindowTitle: windowTitle,
			IsIdle:      isIdle,
		},
	}
}

// NewScreenshot builds a screenshot event. Caller metadata named device_id
// or timestamp is dropped; those values always come from the agent.
func NewScreenshot(at time.Time, deviceID string, metadata []Field, image []byte) Event {
	var merged []Field
	for _, f := range metadata {
		if f.Name == "device_id" || f.Name == "timestamp" {
			continue
		}
		merged = append(merged, f)
	}
	return Event{
		Kind: KindScreenshot,
		Screenshot: &Screenshot{
			DeviceID:  deviceID,
			Timestamp: UnixSeconds(at),
			Metadata:  merged,
		},
		Attachment: image,
	}
}

// Validate checks that the variant matches Kind.
func (e Event) Validate() error {
	switch e.Kind {
	case KindHeartbeat:
		if e.Heartbeat == nil || e.Screenshot != nil {
			return fmt.Errorf("types: heartbeat event must carry only a heartbeat payload")
		}
		if len(e.Attachment) > 0 {
			return fmt.Errorf("types: heartbeat event cannot carry an attachment")
		}
	case KindScreenshot:
		if e.Screenshot == nil || e.Heartbeat != nil {
			return fmt.Errorf("types: screenshot event must carry only a screenshot payload")
		}
	default:
		return fmt.Errorf("types: unknown event kind %q", e.Kind)
	}
	return nil
}

// QueuedEvent is an Event held in the durable queue awaiting delivery.
type QueuedEvent struct {
	ID         int64
	EnqueuedAt time.Time
	Event      Event
}

// UnixSeconds converts t to fractional seconds since the epoch, the
// timestamp representation used on the wire.
func UnixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

// FromUnixSeconds is the inverse of UnixSeconds.
func FromUnixSeconds(s float64) time.Time {
	sec := math.Floor(s)
	return time.Unix(int64(sec), int64((s-sec)*float64(time.Second)))
}

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

var (
	ErrInvalidEventType = errors.New("invalid event type")
	ErrMissingField     = errors.New("missing required field")
	ErrInvalidDate      = errors.New("invalid event date")
	ErrInvalidMetadata  = errors.New("invalid event metadata")
)

// EventType is the category tag of a CalendarEvent.
type EventType string

const (
	EventSubscription EventType = "subscription"
	EventExpiration   EventType = "expiration"
	EventRenewal      EventType = "renewal"
	EventInvoice      EventType = "invoice"
)

// EventTypes lists every valid EventType in display order.
var EventTypes = []EventType{EventSubscription, EventExpiration, EventRenewal, EventInvoice}

func (t EventType) Valid() bool {
	switch t {
	case EventSubscription, EventExpiration, EventRenewal, EventInvoice:
		return true
	}
	return false
}

// ParseEventType accepts exactly the four lowercase type names.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, s)
	}
	return t, nil
}

// CalendarEvent is a single date-anchored occurrence shown on the calendar
// view. It is a transient view-model value and is never persisted.
type CalendarEvent struct {
	ID          string
	Title       string
	Type        EventType
	Date        time.Time
	Description string
	Metadata    *Metadata
}

// Validate reports the first contract violation found, or nil.
func (e CalendarEvent) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: id", ErrMissingField)
	case e.Title == "":
		return fmt.Errorf("%w: title", ErrMissingField)
	case e.Description == "":
		return fmt.Errorf("%w: description", ErrMissingField)
	case e.Date.IsZero():
		return fmt.Errorf("%w: date", ErrMissingField)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, e.Type)
	}
	return nil
}

// Clone returns a deep copy, so callers can derive new events without
// touching shared ones.
func (e CalendarEvent) Clone() CalendarEvent {
	if e.Metadata != nil {
		md := e.Metadata.Clone()
		e.Metadata = &md
	}
	return e
}

type eventJSON struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Type        EventType `json:"type"`
	Date        string    `json:"date"`
	Description string    `json:"description"`
	Metadata    *Metadata `json:"metadata,omitempty"`
}

func (e CalendarEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		ID:          e.ID,
		Title:       e.Title,
		Type:        e.Type,
		Date:        e.Date.Format(time.RFC3339Nano),
		Description: e.Description,
		Metadata:    e.Metadata,
	})
}

// UnmarshalJSON decodes and validates an event. The date must be RFC 3339
// with an explicit offset.
func (e *CalendarEvent) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	date, err := ParseDate(raw.Date)
	if err != nil {
		return err
	}
	out := CalendarEvent{
		ID:          raw.ID,
		Title:       raw.Title,
		Type:        raw.Type,
		Date:        date,
		Description: raw.Description,
		Metadata:    raw.Metadata,
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*e = out
	return nil
}

// ParseDate parses an RFC 3339 timestamp. Date-only or zone-less values are
// rejected because they do not name a single instant.
func ParseDate(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, fmt.Errorf("%w: date", ErrMissingField)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidDate, err)
	}
	return t, nil
}

// Subscriber holds the recognized metadata keys.
type Subscriber struct {
	ID   string
	Name string
	Type string
}

// Metadata is the optional extension bag of an event. Recognized keys live
// in Subscriber; anything else goes to Extra.
type Metadata struct {
	Subscriber
	Extra map[string]any
}

const (
	keySubscriberID   = "subscriberId"
	keySubscriberName = "subscriberName"
	keySubscriberType = "subscriberType"
)

func isRecognizedKey(k string) bool {
	return k == keySubscriberID || k == keySubscriberName || k == keySubscriberType
}

func (m Metadata) Clone() Metadata {
	m.Extra = maps.Clone(m.Extra)
	return m
}

// Get looks a key up in the flat view used on the wire.
func (m Metadata) Get(key string) (any, bool) {
	switch key {
	case keySubscriberID:
		return m.ID, m.ID != ""
	case keySubscriberName:
		return m.Name, m.Name != ""
	case keySubscriberType:
		return m.Type, m.Type != ""
	}
	v, ok := m.Extra[key]
	return v, ok
}

// MarshalJSON flattens Subscriber and Extra into one object. Extra entries
// never shadow recognized keys.
func (m Metadata) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		if isRecognizedKey(k) {
			continue
		}
		flat[k] = v
	}
	if m.ID != "" {
		flat[keySubscriberID] = m.ID
	}
	if m.Name != "" {
		flat[keySubscriberName] = m.Name
	}
	if m.Type != "" {
		flat[keySubscriberType] = m.Type
	}
	return json.Marshal(flat)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	var out Metadata
	for k, raw := range flat {
		if isRecognizedKey(k) {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("%w: %s must be a string", ErrInvalidMetadata, k)
			}
			switch k {
			case keySubscriberID:
				out.ID = s
			case keySubscriberName:
				out.Name = s
			case keySubscriberType:
				out.Type = s
			}
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if out.Extra == nil {
			out.Extra = make(map[string]any)
		}
		out.Extra[k] = v
	}
	*m = out
	return nil
}

package world

import (
	"errors"
	"fmt"
	"time"
)

// ErrEventResolved is returned when an event was already resolved, usually by
// another runner that got there first.
var ErrEventResolved = errors.New("event already resolved")

// ErrInvalidEvent is returned when an event is missing fields its type requires.
var ErrInvalidEvent = errors.New("invalid event")

// EventType identifies what happens when an event arrives.
type EventType string

const (
	EventAttack EventType = "attack"
	EventSpy    EventType = "spy"
	EventNuke   EventType = "nuke"
	EventBuild  EventType = "build"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventAttack, EventSpy, EventNuke, EventBuild:
		return true
	}
	return false
}

// Military reports whether the event moves units toward another country.
func (t EventType) Military() bool {
	return t == EventAttack || t == EventSpy || t == EventNuke
}

// Damaging reports whether the event hits the target's ledger. The target
// must have a ledger row for it to resolve, even when the damage is zero.
func (t EventType) Damaging() bool {
	return t == EventAttack || t == EventNuke
}

// Event is a scheduled, one-time world mutation. It is created by a player
// action and resolved exactly once after ArrivesAt has passed.
type Event struct {
	ID           string    `json:"id" bson:"_id"`
	Type         EventType `json:"type" bson:"type"`
	FromCountry  string    `json:"from_country" bson:"fromCountry"`
	ToCountry    string    `json:"to_country,omitempty" bson:"toCountry,omitempty"`
	UnitType     string    `json:"unit_type,omitempty" bson:"unitType,omitempty"`
	Quantity     int64     `json:"quantity,omitempty" bson:"quantity,omitempty"`
	BuildingType string    `json:"building_type,omitempty" bson:"buildingType,omitempty"`
	City         string    `json:"city,omitempty" bson:"city,omitempty"`
	SentAt       time.Time `json:"sent_at" bson:"sentAt"`
	ArrivesAt    time.Time `json:"arrives_at" bson:"arrivesAt"`
	Location     Location  `json:"location" bson:"location"`
	Resolved     bool      `json:"resolved" bson:"resolved"`
	ResolvedAt   time.Time `json:"resolved_at,omitempty" bson:"resolvedAt,omitempty"` // wake time that resolved it
}

// Target returns the country the event's effect lands on. Builds complete in
// the country that ordered them.
func (e Event) Target() string {
	if e.Type == EventBuild {
		return e.FromCountry
	}
	return e.ToCountry
}

// Due reports whether the event should be resolved at now.
func (e Event) Due(now time.Time) bool {
	return !e.Resolved && !e.ArrivesAt.After(now)
}

// Validate checks the per-type required fields.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.FromCountry == "" {
		return fmt.Errorf("%w: from country required", ErrInvalidEvent)
	}
	if e.SentAt.IsZero() || e.ArrivesAt.IsZero() {
		return fmt.Errorf("%w: sent and arrival times required", ErrInvalidEvent)
	}
	if e.ArrivesAt.Before(e.SentAt) {
		return fmt.Errorf("%w: arrives before it was sent", ErrInvalidEvent)
	}
	if e.Type.Military() {
		if e.ToCountry == "" {
			return fmt.Errorf("%w: %s requires a target country", ErrInvalidEvent, e.Type)
		}
		if e.UnitType == "" || e.Quantity <= 0 {
			return fmt.Errorf("%w: %s requires a unit type and a positive quantity", ErrInvalidEvent, e.Type)
		}
		return nil
	}
	if e.BuildingType == "" || e.City == "" {
		return fmt.Errorf("%w: build requires a building type and a city", ErrInvalidEvent)
	}
	return nil
}

// MilitaryArrival returns when quantity units moving at speed arrive:
// sentAt + ceil(quantity*1000/speed) milliseconds.
func MilitaryArrival(sentAt time.Time, quantity, speed int64) (time.Time, error) {
	if speed <= 0 {
		return time.Time{}, fmt.Errorf("%w: unit speed must be positive, got %d", ErrInvalidEvent, speed)
	}
	if quantity < 0 {
		return time.Time{}, fmt.Errorf("%w: negative quantity %d", ErrInvalidEvent, quantity)
	}
	ms := (quantity*1000 + speed - 1) / speed
	return sentAt.Add(time.Duration(ms) * time.Millisecond), nil
}

// BuildArrival returns when a building using landUsage completes: one minute
// per land unit.
func BuildArrival(sentAt time.Time, landUsage int64) time.Time {
	return sentAt.Add(time.Duration(landUsage) * time.Minute)
}

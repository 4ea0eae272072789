package domain

import (
	"slices"
	"time"
)

type Cause string

const (
	CauseZoneExit  Cause = "ZONE_EXIT"
	CauseZoneEnter Cause = "ZONE_ENTER"
	CauseNoMotion  Cause = "NO_MOTION_TIMEOUT"
	CauseManual    Cause = "MANUAL_TRIGGER"
)

type AlertState string

const (
	StatePending     AlertState = "PENDING"
	StateDispatching AlertState = "DISPATCHING"
	StateDelivered   AlertState = "DELIVERED"
	StateFailed      AlertState = "FAILED_PERMANENT"
	StateCancelled   AlertState = "CANCELLED"
)

// Terminal reports whether the state can no longer change.
func (s AlertState) Terminal() bool {
	return s == StateDelivered || s == StateFailed || s == StateCancelled
}

var transitions = map[AlertState][]AlertState{
	StatePending:     {StateDispatching, StateCancelled},
	StateDispatching: {StatePending, StateDelivered, StateFailed, StateCancelled},
	// Later fan-out successes in the delivering round are recorded in place.
	StateDelivered: {StateDelivered},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to AlertState) bool {
	return slices.Contains(transitions[from], to)
}

type AlertEvent struct {
	ID            string         `json:"id"`
	Cause         Cause          `json:"cause"`
	ZoneID        string         `json:"zone_id,omitempty"`
	Sample        PositionSample `json:"sample"`
	CreatedAt     time.Time      `json:"created_at"`
	State         AlertState     `json:"state"`
	AttemptCount  int            `json:"attempt_count"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	Recipients    []string       `json:"recipients"`
	Reached       []string       `json:"reached,omitempty"`
	Unreachable   []string       `json:"unreachable,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so stores never hand out shared slices.
func (a AlertEvent) Clone() AlertEvent {
	out := a
	out.Recipients = slices.Clone(a.Recipients)
	out.Reached = slices.Clone(a.Reached)
	out.Unreachable = slices.Clone(a.Unreachable)
	if a.LastAttemptAt != nil {
		t := *a.LastAttemptAt
		out.LastAttemptAt = &t
	}
	return out
}

func (a AlertEvent) IsUnreachable(contactID string) bool {
	return slices.Contains(a.Unreachable, contactID)
}

func (a AlertEvent) IsReached(contactID string) bool {
	return slices.Contains(a.Reached, contactID)
}

type AttemptResult string

const (
	ResultSuccess   AttemptResult = "SUCCESS"
	ResultTransient AttemptResult = "TRANSIENT_FAILURE"
	ResultPermanent AttemptResult = "PERMANENT_FAILURE"
)

type DeliveryAttempt struct {
	AlertID     string        `json:"alert_id"`
	ContactID   string        `json:"contact_id"`
	Channel     ChannelKind   `json:"channel,omitempty"`
	AttemptedAt time.Time     `json:"attempted_at"`
	Result      AttemptResult `json:"result"`
	Detail      string        `json:"detail,omitempty"`
}

// Package events holds the per-turn audit trail. Critical events are written
// before a turn completes; advisory events are flushed in the background.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names an audit event.
type Type string

const (
	CallStarted       Type = "call_started"
	CallEnded         Type = "call_ended"
	SlotExtracted     Type = "slot_extracted"
	SlotCorrected     Type = "slot_corrected"
	SlotConfirmed     Type = "slot_confirmed"
	SlotRejected      Type = "slot_rejected"
	TriageEvaluated   Type = "triage_evaluated"
	CardLookupFailed  Type = "card_lookup_failed"
	CascadeEvaluated  Type = "cascade_evaluated"
	OwnerSelected     Type = "owner_selected"
	LaneChanged       Type = "lane_changed"
	StepAsked         Type = "step_asked"
	RegressionBlocked Type = "regression_blocked"
	LoopAction        Type = "loop_action"
	EmergencyDetected Type = "emergency_detected"
	BookingConfirmed  Type = "booking_confirmed"
	TurnReplayed      Type = "turn_replayed"
	TurnError         Type = "turn_error"
	StateCorrupt      Type = "state_corrupt"
)

// Event is one audit record.
type Event struct {
	ID        string         `json:"id"`
	CallID    string         `json:"call_id"`
	TenantID  string         `json:"tenant_id"`
	Type      Type           `json:"type"`
	Turn      int            `json:"turn"`
	Seq       int            `json:"seq"`
	Data      map[string]any `json:"data,omitempty"`
	Critical  bool           `json:"critical"`
	Timestamp time.Time      `json:"timestamp"`
}

// Log collects the events of one turn in order. It is not safe for
// concurrent use; a turn runs on a single goroutine.
type Log struct {
	callID   string
	tenantID string
	turn     int
	now      func() time.Time
	events   []Event
}

// NewLog starts the log for a turn. now may be nil.
func NewLog(callID, tenantID string, turn int, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{callID: callID, tenantID: tenantID, turn: turn, now: now}
}

// Critical appends an event that must be persisted before the turn returns.
func (l *Log) Critical(t Type, data map[string]any) {
	l.append(t, data, true)
}

// Advisory appends a best-effort event.
func (l *Log) Advisory(t Type, data map[string]any) {
	l.append(t, data, false)
}

func (l *Log) append(t Type, data map[string]any, critical bool) {
	l.events = append(l.events, Event{
		ID:        uuid.NewString(),
		CallID:    l.callID,
		TenantID:  l.tenantID,
		Type:      t,
		Turn:      l.turn,
		Seq:       len(l.events) + 1,
		Data:      data,
		Critical:  critical,
		Timestamp: l.now().UTC(),
	})
}

// Turn returns the turn number the log was opened for.
func (l *Log) Turn() int { return l.turn }

// Events returns a copy of the collected events.
func (l *Log) Events() []Event {
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Count returns how many events of type t were logged.
func (l *Log) Count(t Type) int {
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Last returns the most recent event of type t.
func (l *Log) Last(t Type) (Event, bool) {
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == t {
			return l.events[i], true
		}
	}
	return Event{}, false
}

// Split separates critical from advisory events, keeping order.
func Split(evs []Event) (critical, advisory []Event) {
	for _, e := range evs {
		if e.Critical {
			critical = append(critical, e)
		} else {
			advisory = append(advisory, e)
		}
	}
	return critical, advisory
}

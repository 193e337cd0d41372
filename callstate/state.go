// Package callstate defines the per-call conversation state, its validation
// rules, versioned migration of stored documents, and the stores that keep it
// between turns.
package callstate

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/room4-2/frontdesk/tenant"
)

// Lane is the macro phase of a call.
type Lane string

const (
	LaneDiscovery Lane = "DISCOVERY"
	LaneConsent   Lane = "CONSENT_PENDING"
	LaneBooking   Lane = "BOOKING"
)

// Stage orders lanes for the watermark.
type Stage int

const (
	StageDiscovery Stage = iota
	StageConsent
	StageBooking
)

func (s Stage) String() string {
	switch s {
	case StageDiscovery:
		return "discovery"
	case StageConsent:
		return "consent"
	case StageBooking:
		return "booking"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Stage returns the watermark stage a lane corresponds to.
func (l Lane) Stage() Stage {
	switch l {
	case LaneConsent:
		return StageConsent
	case LaneBooking:
		return StageBooking
	}
	return StageDiscovery
}

// Valid reports whether l is a known lane.
func (l Lane) Valid() bool {
	return l == LaneDiscovery || l == LaneConsent || l == LaneBooking
}

// Source records where a slot value came from.
type Source string

const (
	SourceCaller Source = "caller"
	SourceSystem Source = "system"
	SourceTriage Source = "triage"
)

// PendingValue is an extracted value the caller has not confirmed yet.
type PendingValue struct {
	Value      string  `json:"value"`
	SourceTurn int     `json:"source_turn"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
	// Solicited is true when the value answered the question being asked.
	Solicited bool `json:"solicited"`
}

// Consent tracks the yes/no booking gate.
type Consent struct {
	Pending bool  `json:"pending"`
	Granted *bool `json:"granted"`
}

// SchemaVersion is the document version written by this package.
const SchemaVersion = 2

// State is one call's conversation state. Only the turn orchestrator mutates
// it, once per turn.
type State struct {
	SchemaVersion int    `json:"schema_version"`
	CallID        string `json:"call_id"`
	TenantID      string `json:"tenant_id"`
	ConfigVersion int64  `json:"config_version"`

	TurnNumber     int                     `json:"turn_number"`
	Lane           Lane                    `json:"lane"`
	StageWatermark Stage                   `json:"stage_watermark"`
	PlainSlots     map[string]string       `json:"plain_slots"`
	PendingSlots   map[string]PendingValue `json:"pending_slots"`
	ConfirmedSlots map[string]string       `json:"confirmed_slots"`
	Consent        Consent                 `json:"consent"`
	StepCursor     int                     `json:"step_cursor"`
	RepromptCounts map[string]int          `json:"reprompt_counts"`

	AwaitingSlot    string          `json:"awaiting_slot,omitempty"`
	AwaitingConfirm string          `json:"awaiting_confirm,omitempty"`
	SkippedSlots    []string        `json:"skipped_slots,omitempty"`
	Rephrased       map[string]bool `json:"rephrased,omitempty"`
	// GuardedSlots lists slots the regression guard must not report again
	// before the call next re-enters DISCOVERY.
	GuardedSlots []string `json:"guarded_slots,omitempty"`

	Emergency       bool `json:"emergency"`
	Escalated       bool `json:"escalated"`
	Completed       bool `json:"completed"`
	DeclinedBooking bool `json:"declined_booking"`

	LastUtteranceHash string `json:"last_utterance_hash,omitempty"`
	LastResponse      string `json:"last_response,omitempty"`
	LastMatchSource   string `json:"last_match_source,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrCorrupt marks a state that violates an invariant.
var ErrCorrupt = errors.New("corrupt call state")

// New returns the initial state for a call.
func New(callID, tenantID string, now time.Time) *State {
	s := &State{
		SchemaVersion: SchemaVersion,
		CallID:        callID,
		TenantID:      tenantID,
		Lane:          LaneDiscovery,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.ensureMaps()
	return s
}

func (s *State) ensureMaps() {
	if s.PlainSlots == nil {
		s.PlainSlots = make(map[string]string)
	}
	if s.PendingSlots == nil {
		s.PendingSlots = make(map[string]PendingValue)
	}
	if s.ConfirmedSlots == nil {
		s.ConfirmedSlots = make(map[string]string)
	}
	if s.RepromptCounts == nil {
		s.RepromptCounts = make(map[string]int)
	}
	if s.Rephrased == nil {
		s.Rephrased = make(map[string]bool)
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.PlainSlots = maps.Clone(s.PlainSlots)
	c.PendingSlots = maps.Clone(s.PendingSlots)
	c.ConfirmedSlots = maps.Clone(s.ConfirmedSlots)
	c.RepromptCounts = maps.Clone(s.RepromptCounts)
	c.Rephrased = maps.Clone(s.Rephrased)
	c.SkippedSlots = slices.Clone(s.SkippedSlots)
	c.GuardedSlots = slices.Clone(s.GuardedSlots)
	if s.Consent.Granted != nil {
		g := *s.Consent.Granted
		c.Consent.Granted = &g
	}
	c.ensureMaps()
	return &c
}

// Value returns the best known value for a slot: confirmed, then plain, then
// pending.
func (s *State) Value(slotID string) (string, bool) {
	if v, ok := s.ConfirmedSlots[slotID]; ok {
		return v, true
	}
	if v, ok := s.PlainSlots[slotID]; ok {
		return v, true
	}
	if p, ok := s.PendingSlots[slotID]; ok {
		return p.Value, true
	}
	return "", false
}

// Satisfied reports whether a slot holds a caller-confirmed value.
func (s *State) Satisfied(slotID string) bool {
	if _, ok := s.ConfirmedSlots[slotID]; ok {
		return true
	}
	_, ok := s.PlainSlots[slotID]
	return ok
}

// SetPending stores an unconfirmed value.
func (s *State) SetPending(slotID string, v PendingValue) {
	s.PendingSlots[slotID] = v
}

// AcceptPlain records a value confirmed outside the booking lane.
func (s *State) AcceptPlain(slotID, value string) {
	delete(s.PendingSlots, slotID)
	s.PlainSlots[slotID] = value
}

// Confirm records a booking-lane confirmation. The value leaves the pending
// map in the same step so a slot is never pending and confirmed at once.
func (s *State) Confirm(slotID, value string) {
	delete(s.PendingSlots, slotID)
	s.ConfirmedSlots[slotID] = value
}

// SetLane moves the call to lane and raises the watermark if needed.
func (s *State) SetLane(l Lane) {
	s.Lane = l
	if st := l.Stage(); st > s.StageWatermark {
		s.StageWatermark = st
	}
}

// Skipped reports whether the flow gave up on a slot.
func (s *State) Skipped(slotID string) bool {
	return slices.Contains(s.SkippedSlots, slotID)
}

// Skip marks a slot as given up on.
func (s *State) Skip(slotID string) {
	if !s.Skipped(slotID) {
		s.SkippedSlots = append(s.SkippedSlots, slotID)
	}
}

// Validate checks the invariants the turn pipeline relies on.
func (s *State) Validate(reg tenant.Registry) error {
	if !s.Lane.Valid() {
		return fmt.Errorf("%w: unknown lane %q", ErrCorrupt, s.Lane)
	}
	if s.TurnNumber < 0 || s.StepCursor < 0 {
		return fmt.Errorf("%w: negative turn or cursor", ErrCorrupt)
	}
	if s.StageWatermark < s.Lane.Stage() || s.StageWatermark > StageBooking {
		return fmt.Errorf("%w: watermark %s behind lane %s", ErrCorrupt, s.StageWatermark, s.Lane)
	}
	for id := range s.ConfirmedSlots {
		if !reg.Has(id) {
			return fmt.Errorf("%w: confirmed slot %q is not registered", ErrCorrupt, id)
		}
		if _, pending := s.PendingSlots[id]; pending {
			return fmt.Errorf("%w: slot %q is both pending and confirmed", ErrCorrupt, id)
		}
	}
	for id, n := range s.RepromptCounts {
		if n < 0 {
			return fmt.Errorf("%w: negative reprompt count for %q", ErrCorrupt, id)
		}
	}
	if s.Consent.Pending && s.Lane != LaneConsent {
		return fmt.Errorf("%w: consent pending outside consent lane", ErrCorrupt)
	}
	return nil
}

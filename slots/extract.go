// Package slots pulls structured values such as names, phone numbers and
// addresses out of a caller utterance and records them on the call state.
package slots

import (
	"github.com/room4-2/frontdesk/callstate"
	"github.com/room4-2/frontdesk/events"
	"github.com/room4-2/frontdesk/patterns"
	"github.com/room4-2/frontdesk/tenant"
)

// Target says where an extracted value was written.
type Target string

const (
	TargetPending   Target = "pending"
	TargetConfirmed Target = "confirmed"
)

// Extraction is one slot value written this turn.
type Extraction struct {
	SlotID     string
	Value      string
	Previous   string
	Confidence float64
	Target     Target
	Corrected  bool
	Solicited  bool
}

// Options carry per-turn context.
type Options struct {
	Library *patterns.Library
	// AwaitingSlot is the slot the flow asked for last turn. Bare answers
	// are only parsed for it.
	AwaitingSlot string
	Log          *events.Log
}

// Result lists what changed and the events emitted for it.
type Result struct {
	Updated []Extraction
	Events  []events.Event
}

// Extract runs every registered slot's strategy over utterance and applies
// the findings to st. Unrecognized input changes nothing.
func Extract(utterance string, reg tenant.Registry, st *callstate.State, opts Options) Result {
	lib := opts.Library
	if lib == nil {
		lib = patterns.Default()
	}
	log := opts.Log
	if log == nil {
		log = events.NewLog(st.CallID, st.TenantID, st.TurnNumber, nil)
	}
	before := len(log.Events())

	u := newUtterance(utterance)
	if u.raw == "" {
		return Result{}
	}
	if def, ok := reg.Get(opts.AwaitingSlot); ok && def.Type == tenant.SlotName {
		u.nameAwaited = true
	}
	correction := patterns.Any(lib.Correction, u.raw)

	var res Result
	for _, def := range reg.Ordered() {
		awaited := def.ID == opts.AwaitingSlot
		if st.Lane == callstate.LaneDiscovery && !def.DiscoveryFillable && !awaited {
			continue
		}
		extract, ok := strategies[def.Type]
		if !ok {
			continue
		}
		c, ok := extract(u, def, awaited)
		if !ok || c.value == "" {
			continue
		}
		if x, changed := apply(st, def, c, awaited, correction); changed {
			res.Updated = append(res.Updated, x)
			emit(log, st, x)
		}
	}
	res.Events = log.Events()[before:]
	return res
}

func apply(st *callstate.State, def tenant.SlotDefinition, c candidate, awaited, correction bool) (Extraction, bool) {
	x := Extraction{
		SlotID:     def.ID,
		Value:      c.value,
		Confidence: c.confidence,
		Target:     TargetPending,
		Solicited:  awaited,
	}

	confirmed, isConfirmed := st.ConfirmedSlots[def.ID]
	if !isConfirmed {
		confirmed, isConfirmed = st.PlainSlots[def.ID]
	}
	if isConfirmed {
		if !correction || confirmed == c.value {
			return Extraction{}, false
		}
		x.Corrected = true
		x.Previous = confirmed
		delete(st.ConfirmedSlots, def.ID)
		delete(st.PlainSlots, def.ID)
	}

	if pending, ok := st.PendingSlots[def.ID]; ok && !x.Corrected {
		if pending.Value == c.value {
			return Extraction{}, false
		}
		if c.confidence < pending.Confidence && !awaited && !correction {
			return Extraction{}, false
		}
		x.Previous = pending.Value
		x.Corrected = correction
	}

	if st.Lane == callstate.LaneBooking && awaited {
		x.Target = TargetConfirmed
		st.Confirm(def.ID, c.value)
		return x, true
	}
	st.SetPending(def.ID, callstate.PendingValue{
		Value:      c.value,
		SourceTurn: st.TurnNumber,
		Confidence: c.confidence,
		Source:     callstate.SourceCaller,
		Solicited:  awaited,
	})
	return x, true
}

func emit(log *events.Log, st *callstate.State, x Extraction) {
	data := map[string]any{
		"slot":        x.SlotID,
		"value":       x.Value,
		"confidence":  x.Confidence,
		"source_turn": st.TurnNumber,
		"target":      string(x.Target),
		"solicited":   x.Solicited,
		"lane":        string(st.Lane),
	}
	if x.Previous != "" {
		data["previous"] = x.Previous
	}
	t := events.SlotExtracted
	if x.Corrected {
		t = events.SlotCorrected
	}
	log.Critical(t, data)
}

// Prefill seeds a system-supplied value such as caller ID. It never replaces
// anything the caller said.
func Prefill(st *callstate.State, reg tenant.Registry, slotID, value string, log *events.Log) bool {
	def, ok := reg.Get(slotID)
	if !ok || value == "" {
		return false
	}
	if def.Type == tenant.SlotPhone {
		p, ok := NormalizePhone(value)
		if !ok {
			return false
		}
		value = p
	}
	if _, ok := st.Value(slotID); ok {
		return false
	}
	st.SetPending(slotID, callstate.PendingValue{
		Value:      value,
		SourceTurn: st.TurnNumber,
		Confidence: 1,
		Source:     callstate.SourceSystem,
	})
	if log != nil {
		log.Critical(events.SlotExtracted, map[string]any{
			"slot":        slotID,
			"value":       value,
			"confidence":  1.0,
			"source_turn": st.TurnNumber,
			"target":      string(TargetPending),
			"source":      string(callstate.SourceSystem),
		})
	}
	return true
}

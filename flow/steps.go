package flow

import (
	"slices"

	"github.com/room4-2/frontdesk/callstate"
	"github.com/room4-2/frontdesk/events"
	"github.com/room4-2/frontdesk/tenant"
)

// needsConfirm applies a step's confirm mode to a pending value.
func needsConfirm(mode tenant.ConfirmMode, p callstate.PendingValue) bool {
	switch mode {
	case tenant.ConfirmAlways:
		return true
	case tenant.ConfirmNever:
		return false
	case tenant.ConfirmCallerSupplied:
		return p.Source == callstate.SourceCaller
	default:
		return !p.Solicited
	}
}

func (t *turn) discovery() Output {
	if out, ok := t.answerConfirm(); ok {
		return out
	}
	return t.walkSteps()
}

func (t *turn) walkSteps() Output {
	st := t.st
	awaited := st.AwaitingSlot
	st.AwaitingSlot = ""

	for i, step := range t.cfg.Steps {
		slot := step.SlotID
		if st.Skipped(slot) {
			continue
		}
		if st.Satisfied(slot) {
			if st.StageWatermark > callstate.StageDiscovery {
				t.guard(step, slot)
			}
			continue
		}
		if p, ok := st.PendingSlots[slot]; ok {
			if needsConfirm(step.Confirm, p) {
				st.StepCursor = i
				return t.askConfirm(slot, step.ID)
			}
			t.accept(slot, p.Value, string(step.Confirm))
			continue
		}
		st.StepCursor = i
		return t.ask(step, awaited == slot, t.walkSteps)
	}

	st.StepCursor = len(t.cfg.Steps)
	if st.DeclinedBooking {
		return t.say(StepDeclined, t.cfg.Booking.DeclinedMessage, nil)
	}
	return t.offerConsent("discovery_complete")
}

// guard keeps a slot satisfied before a later stage from being confirmed
// again. Each slot is reported once per return to DISCOVERY.
func (t *turn) guard(step tenant.Step, slot string) {
	st := t.st
	if slices.Contains(st.GuardedSlots, slot) {
		return
	}
	st.GuardedSlots = append(st.GuardedSlots, slot)
	value, _ := st.Value(slot)
	t.log.Critical(events.RegressionBlocked, map[string]any{
		"step":      step.ID,
		"slot":      slot,
		"value":     value,
		"watermark": st.StageWatermark.String(),
	})
}

func (t *turn) booking() Output {
	st := t.st
	// Values the caller already confirmed in discovery carry over.
	for _, def := range t.reg.Ordered() {
		if v, ok := st.PlainSlots[def.ID]; ok {
			st.Confirm(def.ID, v)
			delete(st.PlainSlots, def.ID)
		}
	}

	if out, ok := t.answerConfirm(); ok {
		return out
	}

	awaited := st.AwaitingSlot
	st.AwaitingSlot = ""

	for _, def := range t.reg.Ordered() {
		p, ok := st.PendingSlots[def.ID]
		if !ok {
			continue
		}
		if def.BookingConfirm {
			return t.askConfirm(def.ID, "confirm_"+def.ID)
		}
		t.accept(def.ID, p.Value, "booking")
	}

	for _, def := range t.reg.Ordered() {
		if !def.Required || st.Satisfied(def.ID) || st.Skipped(def.ID) {
			continue
		}
		return t.ask(t.stepFor(def.ID), awaited == def.ID, t.booking)
	}

	return t.complete()
}

func (t *turn) complete() Output {
	st := t.st
	summary := Summary(t.cfg, st)
	st.Completed = true
	st.AwaitingSlot = ""
	st.AwaitingConfirm = ""

	confirmed := make(map[string]any, len(st.ConfirmedSlots))
	for k, v := range st.ConfirmedSlots {
		confirmed[k] = v
	}
	t.log.Critical(events.BookingConfirmed, map[string]any{
		"slots":     confirmed,
		"summary":   summary,
		"emergency": st.Emergency,
		"skipped":   append([]string(nil), st.SkippedSlots...),
	})
	return t.say(StepBooked, t.cfg.Booking.CompletionMessage, map[string]string{"summary": summary})
}

// stepFor returns the tenant step that asks for slotID, or one built from
// the slot definition when the flow has none.
func (t *turn) stepFor(slotID string) tenant.Step {
	if step, ok := t.cfg.StepBySlot(slotID); ok {
		return step
	}
	def, _ := t.reg.Get(slotID)
	return tenant.Step{
		ID:            "ask_" + slotID,
		SlotID:        slotID,
		Ask:           def.Ask,
		Reprompt:      "Sorry, I didn't catch that. " + def.Ask,
		ConfirmPrompt: def.ConfirmPrompt,
		Confirm:       tenant.ConfirmAlways,
		Optional:      !def.Required,
	}
}

func (t *turn) accept(slotID, value, by string) {
	if t.st.Lane == callstate.LaneBooking {
		t.st.Confirm(slotID, value)
	} else {
		t.st.AcceptPlain(slotID, value)
		if t.st.StageWatermark > callstate.StageDiscovery && !slices.Contains(t.st.GuardedSlots, slotID) {
			// Satisfied now, not before the later stage.
			t.st.GuardedSlots = append(t.st.GuardedSlots, slotID)
		}
	}
	delete(t.st.RepromptCounts, slotID)
	t.log.Critical(events.SlotConfirmed, map[string]any{
		"slot":  slotID,
		"value": value,
		"lane":  string(t.st.Lane),
		"by":    by,
	})
}

func (t *turn) askConfirm(slotID, step string) Output {
	t.st.AwaitingConfirm = slotID
	t.st.AwaitingSlot = ""
	value := t.st.PendingSlots[slotID].Value
	prompt := t.stepFor(slotID).ConfirmPrompt
	if prompt == "" {
		def, _ := t.reg.Get(slotID)
		prompt = def.ConfirmPrompt
	}
	t.log.Advisory(events.StepAsked, map[string]any{
		"step":    step,
		"slot":    slotID,
		"confirm": true,
	})
	return t.say(step, prompt, map[string]string{"value": value})
}

func (t *turn) extractedNow(slotID string) bool {
	for _, x := range t.in.Extracted {
		if x.SlotID == slotID {
			return true
		}
	}
	return false
}

// answerConfirm handles the caller's reply to a read-back. ok is false when
// nothing was awaiting confirmation or the reply settled it and the walk
// should continue in the same turn.
func (t *turn) answerConfirm() (Output, bool) {
	st := t.st
	slotID := st.AwaitingConfirm
	if slotID == "" {
		return Output{}, false
	}
	pending, ok := st.PendingSlots[slotID]
	if !ok {
		st.AwaitingConfirm = ""
		return Output{}, false
	}
	step := t.stepFor(slotID)
	key := "confirm_" + slotID

	if t.extractedNow(slotID) {
		// The reply carried a new value; read that one back instead.
		delete(st.RepromptCounts, key)
		return t.askConfirm(slotID, step.ID), true
	}

	answered, yes := t.lib.YesNo(t.in.Utterance)
	switch {
	case answered && yes:
		st.AwaitingConfirm = ""
		delete(st.RepromptCounts, key)
		t.accept(slotID, pending.Value, "caller")
		return Output{}, false
	case answered:
		st.AwaitingConfirm = ""
		delete(st.RepromptCounts, key)
		delete(st.PendingSlots, slotID)
		t.log.Critical(events.SlotRejected, map[string]any{
			"slot":  slotID,
			"value": pending.Value,
			"lane":  string(st.Lane),
		})
		st.AwaitingSlot = slotID
		t.log.Advisory(events.StepAsked, map[string]any{"step": step.ID, "slot": slotID, "after_rejection": true})
		return t.say(step.ID, "Sorry about that. "+step.Ask, nil), true
	}

	st.RepromptCounts[key]++
	if st.RepromptCounts[key] > t.cfg.Loop.MaxReprompts {
		delete(st.RepromptCounts, key)
		st.AwaitingConfirm = ""
		delete(st.PendingSlots, slotID)
		return t.exhausted(step, t.resume), true
	}
	return t.askConfirm(slotID, step.ID), true
}

func (t *turn) resume() Output {
	if t.st.Lane == callstate.LaneBooking {
		return t.booking()
	}
	return t.walkSteps()
}

// ask puts a step's question. A repeat ask counts against the loop budget.
func (t *turn) ask(step tenant.Step, repeat bool, next func() Output) Output {
	st := t.st
	slot := step.SlotID
	text := step.Ask
	if repeat {
		st.RepromptCounts[slot]++
		if st.RepromptCounts[slot] > t.cfg.Loop.MaxReprompts {
			return t.exhausted(step, next)
		}
		text = step.Reprompt
		if text == "" {
			text = "Sorry, I didn't catch that. " + step.Ask
		}
	}
	st.AwaitingSlot = slot
	t.log.Advisory(events.StepAsked, map[string]any{
		"step":      step.ID,
		"slot":      slot,
		"reprompts": st.RepromptCounts[slot],
		"lane":      string(st.Lane),
	})
	return t.say(step.ID, text, nil)
}

// exhausted applies the loop policy once a slot has been asked too often.
func (t *turn) exhausted(step tenant.Step, next func() Output) Output {
	st := t.st
	slot := step.SlotID
	action := t.cfg.Loop.Action

	if action == tenant.LoopRephrase {
		if !st.Rephrased[slot] {
			st.Rephrased[slot] = true
			t.loopEvent(slot, tenant.LoopRephrase)
			text := step.Rephrase
			if text == "" {
				text = "Let me ask that another way. " + step.Ask
			}
			st.AwaitingSlot = slot
			return t.say(step.ID, text, nil)
		}
		action = tenant.LoopSkip
	}
	if action == tenant.LoopSkip && (!step.Optional || st.Emergency) {
		action = tenant.LoopEscalate
	}

	if action == tenant.LoopEscalate {
		return t.escalate(slot)
	}
	t.loopEvent(slot, tenant.LoopSkip)
	st.Skip(slot)
	delete(st.RepromptCounts, slot)
	return next()
}

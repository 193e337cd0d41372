package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/frontdesk/callstate"
	"github.com/room4-2/frontdesk/events"
	"github.com/room4-2/frontdesk/patterns"
	"github.com/room4-2/frontdesk/tenant"
	"github.com/room4-2/frontdesk/triage"
)

type harness struct {
	t      *testing.T
	cfg    *tenant.CompanyConfig
	engine *Engine
	st     *callstate.State
	log    *events.Log
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:      t,
		cfg:    tenant.Default("acme"),
		engine: NewEngine(nil),
		st:     callstate.New("call-1", "acme", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
}

func (h *harness) say(utterance string) Output {
	return h.sayWith(utterance, "")
}

func (h *harness) sayWith(utterance string, urgency triage.Urgency) Output {
	h.t.Helper()
	h.st.TurnNumber++
	h.log = events.NewLog(h.st.CallID, h.st.TenantID, h.st.TurnNumber, nil)
	out := h.engine.Advance(h.st, Input{
		Utterance: utterance,
		Config:    h.cfg,
		Library:   patterns.Default(),
		Urgency:   urgency,
	}, h.log)
	require.NoError(h.t, h.st.Validate(h.cfg.Registry()))
	return out
}

func (h *harness) pending(slot, value string, source callstate.Source, solicited bool) {
	h.st.SetPending(slot, callstate.PendingValue{Value: value, Confidence: 0.9, Source: source, Solicited: solicited})
}

func TestDiscoveryAsksFirstStep(t *testing.T) {
	h := newHarness(t)
	out := h.say("hello")
	assert.Equal(t, "ask_reason", out.Step)
	assert.Equal(t, "What's going on with your system today?", out.Response)
	assert.Equal(t, "reason", h.st.AwaitingSlot)
	assert.Equal(t, "state-machine:ask_reason", out.Owner())
}

func TestDiscoveryConfirmModes(t *testing.T) {
	h := newHarness(t)
	h.pending("reason", "AC not working", callstate.SourceTriage, false)
	h.pending(tenant.SlotIDLastName, "Johnson", callstate.SourceCaller, false)
	h.pending(tenant.SlotIDPhone, "239-555-0100", callstate.SourceSystem, false)

	// never: accepted; smart + opportunistic: read back.
	out := h.say("the AC is down")
	assert.Equal(t, "ask_name", out.Step)
	assert.Equal(t, "I have your last name as Johnson. Is that right?", out.Response)
	assert.Equal(t, "AC not working", h.st.PlainSlots["reason"])
	assert.Equal(t, tenant.SlotIDLastName, h.st.AwaitingConfirm)

	out = h.say("yes")
	assert.Equal(t, "Johnson", h.st.PlainSlots[tenant.SlotIDLastName])
	assert.Equal(t, "ask_address", out.Step)
	assert.Equal(t, tenant.SlotIDAddress, h.st.AwaitingSlot)

	// always: read back even when solicited; caller ID needs no read-back.
	h.pending(tenant.SlotIDAddress, "123 Market St", callstate.SourceCaller, true)
	out = h.say("123 Market St")
	assert.Equal(t, "I have the service address as 123 Market St. Is that correct?", out.Response)

	out = h.say("that's right")
	assert.Equal(t, "123 Market St", h.st.PlainSlots[tenant.SlotIDAddress])
	assert.Equal(t, "239-555-0100", h.st.PlainSlots[tenant.SlotIDPhone])
	assert.Equal(t, StepConsent, out.Step)
	assert.Equal(t, callstate.LaneConsent, h.st.Lane)
	assert.True(t, h.st.Consent.Pending)
}

func TestDiscoverySmartAcceptsSolicitedAnswer(t *testing.T) {
	h := newHarness(t)
	h.pending("reason", "no cooling", callstate.SourceCaller, true)
	h.pending(tenant.SlotIDLastName, "Smith", callstate.SourceCaller, true)
	out := h.say("Smith")
	assert.Equal(t, "ask_address", out.Step)
	assert.Equal(t, 2, h.log.Count(events.SlotConfirmed))
}

func TestRejectedReadBackReasks(t *testing.T) {
	h := newHarness(t)
	h.pending("reason", "no cooling", callstate.SourceCaller, true)
	h.pending(tenant.SlotIDLastName, "Jonson", callstate.SourceCaller, false)
	h.say("...")
	out := h.say("no")
	assert.Equal(t, "Sorry about that. Can I get your first and last name?", out.Response)
	assert.Equal(t, tenant.SlotIDLastName, h.st.AwaitingSlot)
	_, ok := h.st.PendingSlots[tenant.SlotIDLastName]
	assert.False(t, ok)
	assert.Equal(t, 1, h.log.Count(events.SlotRejected))
}

func TestLoopBound(t *testing.T) {
	h := newHarness(t)
	asks := 0
	var out Output
	for i := 0; i < 10 && h.st.StepCursor == 0; i++ {
		out = h.say("hmm")
		if out.Step == "ask_reason" {
			asks++
		}
	}
	// ask, two reprompts, one rephrase, then the optional step is skipped.
	assert.Equal(t, h.cfg.Loop.MaxReprompts+2, asks)
	assert.True(t, h.st.Skipped("reason"))
	assert.Equal(t, "ask_name", out.Step)
	assert.True(t, h.st.Rephrased["reason"])
}

func TestLoopEscalatesRequiredSlot(t *testing.T) {
	h := newHarness(t)
	h.pending("reason", "no cooling", callstate.SourceCaller, true)

	var out Output
	for i := 0; i < 10 && !h.st.Escalated; i++ {
		out = h.say("hmm")
	}
	require.True(t, h.st.Escalated)
	assert.Equal(t, StepEscalated, out.Step)
	assert.Equal(t, h.cfg.Loop.EscalationMessage, out.Response)
	ev, ok := h.log.Last(events.LoopAction)
	require.True(t, ok)
	assert.Equal(t, "escalate", ev.Data["action"])

	out = h.say("hello?")
	assert.Equal(t, StepEscalated, out.Step)
}

func TestEmergencyTurnsSkipIntoEscalate(t *testing.T) {
	h := newHarness(t)
	h.cfg.Loop.Action = tenant.LoopSkip

	out := h.sayWith("I smell gas", triage.UrgencyEmergency)
	assert.True(t, h.st.Emergency)
	assert.Contains(t, out.Response, "call 911")
	assert.Equal(t, 1, h.log.Count(events.EmergencyDetected))

	for i := 0; i < 10 && !h.st.Escalated; i++ {
		h.say("hmm")
	}
	assert.True(t, h.st.Escalated, "an optional step is escalated, not skipped, during an emergency")
	assert.False(t, h.st.Skipped("reason"))

	// Sticky: not announced twice.
	h.st.Escalated = false
	h.sayWith("still smells like gas", triage.UrgencyEmergency)
	assert.Zero(t, h.log.Count(events.EmergencyDetected))
}

func TestConsentLane(t *testing.T) {
	h := newHarness(t)
	out := h.say("can someone come out today?")
	assert.Equal(t, StepConsent, out.Step)
	assert.Equal(t, h.cfg.Booking.ConsentPrompt, out.Response)
	assert.Equal(t, callstate.StageConsent, h.st.StageWatermark)

	out = h.say("umm")
	assert.Equal(t, h.cfg.Booking.ConsentReprompt, out.Response)
	assert.Equal(t, callstate.LaneConsent, h.st.Lane)

	out = h.say("yes please")
	assert.Equal(t, callstate.LaneBooking, h.st.Lane)
	require.NotNil(t, h.st.Consent.Granted)
	assert.True(t, *h.st.Consent.Granted)
	assert.False(t, h.st.Consent.Pending)
	assert.Equal(t, "ask_name", out.Step, "first missing required slot")
}

func TestConsentDenied(t *testing.T) {
	h := newHarness(t)
	h.say("could you come out and look at it")
	out := h.say("no, not right now")
	assert.Equal(t, StepDeclined, out.Step)
	assert.Equal(t, callstate.LaneDiscovery, h.st.Lane)
	assert.Equal(t, callstate.StageConsent, h.st.StageWatermark)
	assert.True(t, h.st.DeclinedBooking)
	require.NotNil(t, h.st.Consent.Granted)
	assert.False(t, *h.st.Consent.Granted)
}

func TestConsentUnansweredIsBounded(t *testing.T) {
	h := newHarness(t)
	h.say("can you come out")
	for i := 0; i < 10 && h.st.Lane == callstate.LaneConsent; i++ {
		h.say("hmm")
	}
	assert.Equal(t, callstate.LaneDiscovery, h.st.Lane)
	assert.True(t, h.st.DeclinedBooking)
}

func TestDirectIntentBypassesConsent(t *testing.T) {
	h := newHarness(t)
	out := h.say("please schedule a visit for me")
	assert.Equal(t, callstate.LaneBooking, h.st.Lane)
	ev, ok := h.log.Last(events.LaneChanged)
	require.True(t, ok)
	assert.Equal(t, "direct_intent", ev.Data["reason"])
	assert.Equal(t, "ask_name", out.Step)
}

func TestBookingConfirmsThenCollectsThenCompletes(t *testing.T) {
	h := newHarness(t)
	h.st.SetLane(callstate.LaneBooking)
	h.st.PlainSlots[tenant.SlotIDLastName] = "Johnson"
	h.st.Confirm(tenant.SlotIDPhone, "239-555-0100")
	h.pending(tenant.SlotIDAddress, "123 Market St", callstate.SourceCaller, false)
	h.pending(tenant.SlotIDName, "Mary", callstate.SourceCaller, false)

	out := h.say("ok")
	assert.Equal(t, "Johnson", h.st.ConfirmedSlots[tenant.SlotIDLastName], "discovery answers carry over")
	assert.Empty(t, h.st.PlainSlots)
	assert.Equal(t, "confirm_address", out.Step)
	assert.Equal(t, "Mary", h.st.ConfirmedSlots[tenant.SlotIDName], "slots without read-back are confirmed silently")

	out = h.say("yes")
	assert.Equal(t, "123 Market St", h.st.ConfirmedSlots[tenant.SlotIDAddress])
	assert.Equal(t, "ask_time", out.Step)
	assert.Equal(t, tenant.SlotIDTime, h.st.AwaitingSlot)

	// The extractor confirms an awaited booking answer directly.
	h.st.Confirm(tenant.SlotIDTime, "tomorrow morning")
	out = h.say("tomorrow morning")
	assert.True(t, h.st.Completed)
	assert.Equal(t, StepBooked, out.Step)
	assert.Equal(t, "You're all set. I have the name Mary Johnson, phone number 239-555-0100, service address 123 Market St and preferred time tomorrow morning. Our team will call to confirm the exact arrival window.", out.Response)
	ev, ok := h.log.Last(events.BookingConfirmed)
	require.True(t, ok)
	assert.True(t, ev.Critical)

	out = h.say("thanks!")
	assert.Equal(t, StepCompleted, out.Step)
	assert.Equal(t, h.cfg.Booking.CompletedFollowUp, out.Response)
}

func TestCancelAndRegressionGuard(t *testing.T) {
	h := newHarness(t)
	h.st.SetLane(callstate.LaneBooking)
	h.st.Confirm("reason", "no cooling")
	h.st.Confirm(tenant.SlotIDLastName, "Johnson")
	h.st.Confirm(tenant.SlotIDAddress, "123 Market St")

	out := h.say("actually never mind, cancel that")
	assert.Equal(t, StepCancelled, out.Step)
	assert.Equal(t, callstate.LaneDiscovery, h.st.Lane)
	assert.Equal(t, callstate.StageBooking, h.st.StageWatermark, "the watermark never drops")

	// The same turn delivered again always blocks the confirmed slots.
	reentry := h.st.Clone()
	for i := 0; i < 3; i++ {
		h.st = reentry.Clone()
		out = h.say("ok")
		assert.Equal(t, 3, h.log.Count(events.RegressionBlocked))
		assert.Equal(t, 1, h.log.Count(events.StepAsked), "only the missing phone is asked")
		assert.Equal(t, "ask_phone", out.Step)
		assert.Empty(t, h.st.AwaitingConfirm)
		ev, ok := h.log.Last(events.RegressionBlocked)
		require.True(t, ok)
		assert.Equal(t, "123 Market St", ev.Data["value"])
		assert.Equal(t, "booking", ev.Data["watermark"])
	}

	out = h.say("hmm")
	assert.Zero(t, h.log.Count(events.RegressionBlocked), "reported once per re-entry")
	assert.Equal(t, "ask_phone", out.Step)
}

func TestRegressionGuardReadsBackNewValues(t *testing.T) {
	h := newHarness(t)
	h.pending("reason", "no cooling", callstate.SourceCaller, true)
	h.pending(tenant.SlotIDLastName, "Johnson", callstate.SourceCaller, true)
	out := h.say("Johnson")
	require.Equal(t, "ask_address", out.Step)

	h.say("can someone come out today?")
	out = h.say("no thanks")
	require.Equal(t, StepDeclined, out.Step)
	require.Equal(t, callstate.StageConsent, h.st.StageWatermark)

	// The address was never given before consent, so it is still read back.
	h.pending(tenant.SlotIDAddress, "999 Wrong Rd", callstate.SourceCaller, true)
	out = h.say("999 Wrong Rd")
	assert.Equal(t, "ask_address", out.Step)
	assert.Equal(t, "I have the service address as 999 Wrong Rd. Is that correct?", out.Response)
	assert.Equal(t, tenant.SlotIDAddress, h.st.AwaitingConfirm)
	assert.NotContains(t, h.st.PlainSlots, tenant.SlotIDAddress)
	assert.Equal(t, 2, h.log.Count(events.RegressionBlocked))

	out = h.say("no")
	assert.Equal(t, tenant.SlotIDAddress, h.st.AwaitingSlot)
	assert.Zero(t, h.log.Count(events.RegressionBlocked))

	h.pending(tenant.SlotIDAddress, "123 Market St", callstate.SourceCaller, true)
	h.say("123 Market St")
	out = h.say("yes")
	assert.Equal(t, "123 Market St", h.st.PlainSlots[tenant.SlotIDAddress])
	assert.Equal(t, "ask_phone", out.Step)

	h.say("hmm")
	assert.Zero(t, h.log.Count(events.RegressionBlocked), "values given after the later stage are not regressions")
}

func TestCancelCompletedBooking(t *testing.T) {
	h := newHarness(t)
	h.st.SetLane(callstate.LaneBooking)
	h.st.Completed = true
	assert.True(t, h.engine.Wants(h.st, "please cancel the appointment", nil))
	assert.False(t, h.engine.Wants(h.st, "what are your hours", nil))

	out := h.say("please cancel the appointment")
	assert.Equal(t, StepCancelled, out.Step)
	assert.False(t, h.st.Completed)
	assert.Equal(t, callstate.LaneDiscovery, h.st.Lane)
}

func TestRenderAndVars(t *testing.T) {
	cfg := tenant.Default("acme")
	cfg.CompanyName = "Gulf Coast Air"
	st := callstate.New("c", "acme", time.Now())
	st.SetPending(tenant.SlotIDName, callstate.PendingValue{Value: "John"})

	vars := Vars(cfg, st)
	assert.Equal(t, "Thank you for calling Gulf Coast Air.", Render("Thank you for calling {{company}}.", vars))
	assert.Equal(t, "John, check the batteries.", Render("{{name_greeting}}check the batteries.", vars))
	assert.Equal(t, "Hi there.", Render("Hi {{ unknown }} there.", vars))
	assert.Equal(t, "no placeholders", Render("no placeholders", nil))
}

// Package flow is the Discovery, Consent and Booking state machine. It walks
// the tenant's discovery steps, gates booking behind consent, and collects and
// confirms the booking details.
package flow

import (
	"go.uber.org/zap"

	"github.com/room4-2/frontdesk/callstate"
	"github.com/room4-2/frontdesk/events"
	"github.com/room4-2/frontdesk/logging"
	"github.com/room4-2/frontdesk/patterns"
	"github.com/room4-2/frontdesk/slots"
	"github.com/room4-2/frontdesk/tenant"
	"github.com/room4-2/frontdesk/triage"
)

// Input is what the state machine sees of a turn.
type Input struct {
	Utterance string
	Config    *tenant.CompanyConfig
	Library   *patterns.Library
	// Urgency is the triage result for this turn, empty when triage did not run.
	Urgency   triage.Urgency
	Extracted []slots.Extraction
}

// Output is the state machine's reply.
type Output struct {
	Response string
	Step     string
	Lane     callstate.Lane
}

// Owner is the label used when the state machine answers a turn.
func (o Output) Owner() string { return "state-machine:" + o.Step }

// Step labels that are not tenant step ids.
const (
	StepConsent   = "consent"
	StepDeclined  = "declined"
	StepCancelled = "cancelled"
	StepEscalated = "escalated"
	StepCompleted = "completed"
	StepBooked    = "booking_complete"
)

// Engine is stateless; every call carries its own state and configuration.
type Engine struct {
	logger *zap.Logger
}

// NewEngine returns an engine. logger may be nil.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// Wants reports whether the utterance asks for a lane change the state
// machine must handle this turn, ahead of any automatic answer.
func (e *Engine) Wants(st *callstate.State, utterance string, lib *patterns.Library) bool {
	if lib == nil {
		lib = patterns.Default()
	}
	if st.Completed {
		return patterns.Any(lib.Cancel, utterance)
	}
	if st.Lane == callstate.LaneDiscovery {
		return patterns.Any(lib.DirectIntent, utterance) || patterns.Any(lib.WantsBooking, utterance)
	}
	return true
}

// Advance runs one turn of the state machine against st.
func (e *Engine) Advance(st *callstate.State, in Input, log *events.Log) Output {
	if in.Library == nil {
		in.Library = patterns.Default()
	}
	if log == nil {
		log = events.NewLog(st.CallID, st.TenantID, st.TurnNumber, nil)
	}
	t := &turn{
		engine: e,
		st:     st,
		cfg:    in.Config,
		reg:    in.Config.Registry(),
		lib:    in.Library,
		in:     in,
		log:    log,
	}

	var prefix string
	if in.Urgency == triage.UrgencyEmergency && !st.Emergency {
		st.Emergency = true
		log.Critical(events.EmergencyDetected, map[string]any{"lane": string(st.Lane)})
		e.logger.Warn("🚨 emergency detected",
			zap.String("call", logging.ShortID(st.CallID)), zap.String("tenant", st.TenantID))
		prefix = in.Config.EmergencyMessage
	}

	out := t.advance()
	if prefix != "" {
		out.Response = prefix + " " + out.Response
	}
	out.Lane = st.Lane
	return out
}

type turn struct {
	engine *Engine
	st     *callstate.State
	cfg    *tenant.CompanyConfig
	reg    tenant.Registry
	lib    *patterns.Library
	in     Input
	log    *events.Log
}

func (t *turn) advance() Output {
	st, utt := t.st, t.in.Utterance

	if st.Completed {
		if patterns.Any(t.lib.Cancel, utt) {
			st.Completed = false
			return t.cancel()
		}
		return t.say(StepCompleted, t.cfg.Booking.CompletedFollowUp, nil)
	}
	if st.Escalated {
		return t.say(StepEscalated, t.cfg.Loop.EscalationMessage, nil)
	}

	switch st.Lane {
	case callstate.LaneConsent:
		return t.consent()
	case callstate.LaneBooking:
		if patterns.Any(t.lib.Cancel, utt) {
			return t.cancel()
		}
		return t.booking()
	}

	switch {
	case patterns.Any(t.lib.DirectIntent, utt):
		granted := true
		st.Consent = callstate.Consent{Granted: &granted}
		st.DeclinedBooking = false
		t.changeLane(callstate.LaneBooking, "direct_intent")
		return t.booking()
	case patterns.Any(t.lib.WantsBooking, utt):
		return t.offerConsent("wants_booking")
	}
	return t.discovery()
}

func (t *turn) changeLane(to callstate.Lane, reason string) {
	from := t.st.Lane
	t.st.SetLane(to)
	t.st.AwaitingSlot = ""
	t.st.AwaitingConfirm = ""
	if to == callstate.LaneDiscovery {
		t.st.GuardedSlots = nil
	}
	t.log.Critical(events.LaneChanged, map[string]any{
		"from":      string(from),
		"to":        string(to),
		"reason":    reason,
		"watermark": t.st.StageWatermark.String(),
	})
	t.engine.logger.Info("🔀 lane changed",
		zap.String("call", logging.ShortID(t.st.CallID)),
		zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
}

func (t *turn) offerConsent(reason string) Output {
	t.st.Consent = callstate.Consent{Pending: true}
	delete(t.st.RepromptCounts, consentKey)
	t.changeLane(callstate.LaneConsent, reason)
	return t.say(StepConsent, t.cfg.Booking.ConsentPrompt, nil)
}

const consentKey = "consent"

func (t *turn) consent() Output {
	st, utt := t.st, t.in.Utterance
	if patterns.Any(t.lib.Cancel, utt) {
		return t.decline("cancelled", t.cfg.Booking.CancelledMessage)
	}

	answered, yes := t.lib.YesNo(utt)
	switch {
	case answered && yes:
		granted := true
		st.Consent = callstate.Consent{Granted: &granted}
		st.DeclinedBooking = false
		delete(st.RepromptCounts, consentKey)
		t.changeLane(callstate.LaneBooking, "consent_granted")
		return t.booking()
	case answered:
		return t.decline("consent_denied", t.cfg.Booking.DeclinedMessage)
	}

	st.RepromptCounts[consentKey]++
	if st.RepromptCounts[consentKey] > t.cfg.Loop.MaxReprompts {
		if t.cfg.Loop.Action == tenant.LoopEscalate || st.Emergency {
			out := t.escalate(consentKey)
			delete(st.RepromptCounts, consentKey)
			return out
		}
		t.loopEvent(consentKey, tenant.LoopSkip)
		delete(st.RepromptCounts, consentKey)
		return t.decline("consent_unanswered", t.cfg.Booking.DeclinedMessage)
	}
	return t.say(StepConsent, t.cfg.Booking.ConsentReprompt, nil)
}

func (t *turn) decline(reason, message string) Output {
	granted := false
	t.st.Consent = callstate.Consent{Granted: &granted}
	t.st.DeclinedBooking = true
	t.changeLane(callstate.LaneDiscovery, reason)
	return t.say(StepDeclined, message, nil)
}

// cancel is the only way out of BOOKING back to DISCOVERY. The watermark
// stays where it was.
func (t *turn) cancel() Output {
	granted := false
	t.st.Consent = callstate.Consent{Granted: &granted}
	t.st.DeclinedBooking = true
	t.changeLane(callstate.LaneDiscovery, "cancelled")
	return t.say(StepCancelled, t.cfg.Booking.CancelledMessage, nil)
}

func (t *turn) escalate(subject string) Output {
	t.st.Escalated = true
	t.st.AwaitingSlot = ""
	t.st.AwaitingConfirm = ""
	t.loopEvent(subject, tenant.LoopEscalate)
	t.engine.logger.Warn("🙋 escalating to staff",
		zap.String("call", logging.ShortID(t.st.CallID)), zap.String("subject", subject))
	return t.say(StepEscalated, t.cfg.Loop.EscalationMessage, nil)
}

func (t *turn) loopEvent(subject string, action tenant.LoopAction) {
	t.log.Critical(events.LoopAction, map[string]any{
		"subject":   subject,
		"action":    string(action),
		"reprompts": t.st.RepromptCounts[subject],
		"emergency": t.st.Emergency,
	})
}

func (t *turn) say(step, text string, extra map[string]string) Output {
	vars := Vars(t.cfg, t.st)
	for k, v := range extra {
		vars[k] = v
	}
	return Output{Response: Render(text, vars), Step: step}
}

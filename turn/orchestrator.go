// Package turn runs one caller utterance through extraction, triage, the
// response cascade and the state machine, and picks exactly one owner for the
// reply.
package turn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/room4-2/frontdesk/callstate"
	"github.com/room4-2/frontdesk/cards"
	"github.com/room4-2/frontdesk/cascade"
	"github.com/room4-2/frontdesk/events"
	"github.com/room4-2/frontdesk/flow"
	"github.com/room4-2/frontdesk/logging"
	"github.com/room4-2/frontdesk/patterns"
	"github.com/room4-2/frontdesk/slots"
	"github.com/room4-2/frontdesk/tenant"
	"github.com/room4-2/frontdesk/triage"
)

// Owner labels that are not produced by the cascade or the state machine.
const (
	OwnerReplay       = "replay"
	OwnerSafeFallback = "safe-fallback"
)

// SafeResponse is spoken when a turn cannot be processed and the tenant
// configuration is unavailable.
const SafeResponse = "I'm sorry, I'm having a little trouble on my end. Could you say that again?"

// Input is one caller utterance.
type Input struct {
	Utterance string
	// TurnNumber is the transport's sequence number. Zero means the next turn.
	TurnNumber int
}

// Output is the single reply for a turn.
type Output struct {
	Response  string
	Owner     string
	Reason    string
	Lane      callstate.Lane
	Turn      int
	Replayed  bool
	Completed bool
	Escalated bool
	Triage    *triage.Result
	Cascade   *cascade.Outcome
	Events    []events.Event
}

// Options configure an Orchestrator.
type Options struct {
	Engine   *flow.Engine
	Cascade  *cascade.Cascade
	Patterns *patterns.Cache
	Cards    *cards.Cache
	Logger   *zap.Logger
	Now      func() time.Time
}

// Orchestrator is shared by all calls. It holds no per-call state.
type Orchestrator struct {
	engine   *flow.Engine
	cascade  *cascade.Cascade
	patterns *patterns.Cache
	cards    *cards.Cache
	logger   *zap.Logger
	now      func() time.Time
}

// New returns an orchestrator, filling in defaults for nil options.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Engine == nil {
		opts.Engine = flow.NewEngine(opts.Logger)
	}
	if opts.Cascade == nil {
		opts.Cascade = cascade.New(cascade.Options{Logger: opts.Logger})
	}
	if opts.Patterns == nil {
		opts.Patterns = patterns.NewCache(0)
	}
	if opts.Cards == nil {
		opts.Cards = cards.NewCache(0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		engine:   opts.Engine,
		cascade:  opts.Cascade,
		patterns: opts.Patterns,
		cards:    opts.Cards,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// Hash identifies an utterance for replay detection.
func Hash(utterance string) string {
	sum := sha256.Sum256([]byte(cards.Normalize(utterance)))
	return hex.EncodeToString(sum[:8])
}

// ProcessTurn handles one utterance. st is replaced with the new state only
// when the turn completes; a failed turn leaves it untouched. ProcessTurn
// never returns an error: every failure becomes a safe reply and a critical
// event.
func (o *Orchestrator) ProcessTurn(ctx context.Context, cfg *tenant.CompanyConfig, st *callstate.State, in Input) (out Output) {
	turnNumber := in.TurnNumber
	if turnNumber <= 0 {
		turnNumber = st.TurnNumber + 1
	}
	hash := Hash(in.Utterance)

	if turnNumber <= st.TurnNumber && st.LastResponse != "" {
		return o.replay(st, turnNumber, hash)
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("💥 turn panicked",
				zap.String("call", logging.ShortID(st.CallID)),
				zap.Int("turn", turnNumber),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			out = o.safe(cfg, st, turnNumber, events.TurnError, map[string]any{"panic": fmt.Sprint(r)})
		}
	}()

	if cfg == nil {
		return o.safe(nil, st, turnNumber, events.TurnError, map[string]any{"error": "tenant configuration unavailable"})
	}
	reg := cfg.Registry()
	if err := st.Validate(reg); err != nil {
		return o.corrupt(cfg, st, turnNumber, err)
	}

	work := st.Clone()
	work.TurnNumber = turnNumber
	work.ConfigVersion = cfg.Version
	log := events.NewLog(work.CallID, work.TenantID, turnNumber, o.now)

	lib, err := o.patterns.For(cfg)
	if err != nil {
		o.logger.Warn("⚠️ tenant patterns did not compile, using built-ins",
			zap.String("tenant", cfg.TenantID), zap.Error(err))
		lib = patterns.Default()
	}
	ix := o.cards.For(cfg)

	extracted := slots.Extract(in.Utterance, reg, work, slots.Options{
		Library:      lib,
		AwaitingSlot: work.AwaitingSlot,
		Log:          log,
	})

	out.Turn = turnNumber
	var urgency triage.Urgency
	reason := "lane_" + string(work.Lane)

	if work.Lane == callstate.LaneDiscovery {
		res := triage.Evaluate(in.Utterance, cfg.Triage, lib, ix)
		out.Triage = &res
		urgency = res.Signals.Urgency
		o.recordTriage(log, res)
		o.fillReason(cfg, work, res, log)

		switch {
		case urgency == triage.UrgencyEmergency:
			reason = "emergency"
		case o.engine.Wants(work, in.Utterance, lib):
			reason = "lane_transition"
		default:
			outcome := o.cascade.Match(ctx, cascade.Request{
				TenantID:  cfg.TenantID,
				Utterance: in.Utterance,
				Config:    cfg.Cascade,
				Cards:     ix,
				Intent:    res.IntentGuess,
			}, log)
			out.Cascade = &outcome
			reason = "cascade_" + string(outcome.Reason)
			if outcome.Result.Selected {
				out.Owner = outcome.Result.Source()
				out.Response = flow.Render(outcome.Result.ResponseText, flow.Vars(cfg, work))
			}
		}
	}

	if out.Owner == "" {
		fo := o.engine.Advance(work, flow.Input{
			Utterance: in.Utterance,
			Config:    cfg,
			Library:   lib,
			Urgency:   urgency,
			Extracted: extracted.Updated,
		}, log)
		out.Owner = fo.Owner()
		out.Response = fo.Response
	}
	if out.Response == "" {
		out.Response = flow.Render(cfg.FallbackResponse, flow.Vars(cfg, work))
	}
	out.Reason = reason

	log.Critical(events.OwnerSelected, map[string]any{
		"owner":  out.Owner,
		"reason": reason,
		"lane":   string(work.Lane),
	})

	work.LastUtteranceHash = hash
	work.LastResponse = out.Response
	work.LastMatchSource = out.Owner
	work.UpdatedAt = o.now()
	if err := work.Validate(reg); err != nil {
		return o.corrupt(cfg, st, turnNumber, err)
	}
	*st = *work

	out.Lane = st.Lane
	out.Completed = st.Completed
	out.Escalated = st.Escalated
	out.Events = log.Events()

	o.logger.Debug("🗣️ turn processed",
		zap.String("call", logging.ShortID(st.CallID)),
		zap.Int("turn", turnNumber),
		zap.String("owner", out.Owner),
		zap.String("reason", reason),
		zap.String("lane", string(st.Lane)))
	return out
}

func (o *Orchestrator) replay(st *callstate.State, turnNumber int, hash string) Output {
	log := events.NewLog(st.CallID, st.TenantID, turnNumber, o.now)
	log.Advisory(events.TurnReplayed, map[string]any{
		"last_turn":    st.TurnNumber,
		"same_content": hash == st.LastUtteranceHash,
	})
	o.logger.Info("🔁 turn replayed from cache",
		zap.String("call", logging.ShortID(st.CallID)),
		zap.Int("turn", turnNumber), zap.Int("last_turn", st.TurnNumber))
	return Output{
		Response:  st.LastResponse,
		Owner:     OwnerReplay,
		Reason:    "replay",
		Lane:      st.Lane,
		Turn:      st.TurnNumber,
		Replayed:  true,
		Completed: st.Completed,
		Escalated: st.Escalated,
		Events:    log.Events(),
	}
}

func (o *Orchestrator) recordTriage(log *events.Log, res triage.Result) {
	data := map[string]any{
		"intent":        res.IntentGuess,
		"confidence":    res.Confidence,
		"urgency":       string(res.Signals.Urgency),
		"symptom_count": res.Signals.SymptomCount,
		"word_count":    res.Signals.WordCount,
		"fallback":      res.FallbackApplied,
	}
	if res.MatchedContentID != nil {
		data["matched_content_id"] = *res.MatchedContentID
	}
	log.Advisory(events.TriageEvaluated, data)
	if res.CardError != "" {
		log.Advisory(events.CardLookupFailed, map[string]any{"error": res.CardError})
	}
}

// fillReason records the triage call reason as the reason slot when the
// caller has not given one.
func (o *Orchestrator) fillReason(cfg *tenant.CompanyConfig, st *callstate.State, res triage.Result, log *events.Log) {
	if res.CallReasonDetail == nil || cfg.ReasonSlot == "" {
		return
	}
	if _, ok := st.Value(cfg.ReasonSlot); ok {
		return
	}
	st.SetPending(cfg.ReasonSlot, callstate.PendingValue{
		Value:      *res.CallReasonDetail,
		SourceTurn: st.TurnNumber,
		Confidence: res.Confidence,
		Source:     callstate.SourceTriage,
	})
	log.Critical(events.SlotExtracted, map[string]any{
		"slot":        cfg.ReasonSlot,
		"value":       *res.CallReasonDetail,
		"confidence":  res.Confidence,
		"source_turn": st.TurnNumber,
		"target":      string(slots.TargetPending),
		"source":      string(callstate.SourceTriage),
	})
}

// corrupt answers safely and starts the call state over. The reset keeps the
// call identity, the turn count and the emergency flag.
func (o *Orchestrator) corrupt(cfg *tenant.CompanyConfig, st *callstate.State, turnNumber int, err error) Output {
	o.logger.Error("🧨 call state is corrupt, resetting",
		zap.String("call", logging.ShortID(st.CallID)), zap.Int("turn", turnNumber), zap.Error(err))

	out := o.safe(cfg, st, turnNumber, events.StateCorrupt, map[string]any{"error": err.Error()})

	fresh := callstate.New(st.CallID, st.TenantID, st.CreatedAt)
	fresh.TurnNumber = turnNumber
	fresh.Emergency = st.Emergency
	fresh.ConfigVersion = st.ConfigVersion
	fresh.LastResponse = out.Response
	fresh.LastMatchSource = out.Owner
	fresh.UpdatedAt = o.now()
	*st = *fresh
	out.Lane = st.Lane
	return out
}

func (o *Orchestrator) safe(cfg *tenant.CompanyConfig, st *callstate.State, turnNumber int, t events.Type, data map[string]any) Output {
	response := SafeResponse
	if cfg != nil && cfg.FallbackResponse != "" {
		response = cfg.FallbackResponse
	}
	log := events.NewLog(st.CallID, st.TenantID, turnNumber, o.now)
	log.Critical(t, data)
	log.Critical(events.OwnerSelected, map[string]any{
		"owner":  OwnerSafeFallback,
		"reason": string(t),
		"lane":   string(st.Lane),
	})
	return Output{
		Response: response,
		Owner:    OwnerSafeFallback,
		Reason:   string(t),
		Lane:     st.Lane,
		Turn:     turnNumber,
		Events:   log.Events(),
	}
}

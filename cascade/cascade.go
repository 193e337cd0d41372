// Package cascade decides whether a curated or generated answer can be spoken
// directly. Tiers run in order of cost and the first usable candidate wins.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/room4-2/frontdesk/cards"
	"github.com/room4-2/frontdesk/events"
	"github.com/room4-2/frontdesk/tenant"
)

// Reason explains an outcome.
type Reason string

const (
	ReasonMatched          Reason = "matched"
	ReasonNoMatch          Reason = "no_match"
	ReasonBelowThreshold   Reason = "below_threshold"
	ReasonTypeNotAllowed   Reason = "type_not_allowed"
	ReasonEmptyResponse    Reason = "empty_response"
	ReasonGatedKillSwitch  Reason = "gated_kill_switch"
	ReasonGatedDisabled    Reason = "gated_disabled"
	ReasonGatedNoAllowlist Reason = "gated_no_allowlist"
	ReasonTimeout          Reason = "timeout"
	ReasonError            Reason = "error"
)

// Gated reports whether the cascade was skipped before any tier ran.
func (r Reason) Gated() bool {
	return r == ReasonGatedKillSwitch || r == ReasonGatedDisabled || r == ReasonGatedNoAllowlist
}

// ContentTypeGenerated marks a tier 3 answer not grounded in a card.
const ContentTypeGenerated = "generated"

const defaultCeiling = 500 * time.Millisecond

// ErrTimeout is the outcome error when the latency ceiling is hit.
var ErrTimeout = errors.New("cascade latency ceiling exceeded")

// Candidate is the best answer a tier found.
type Candidate struct {
	Tier         int     `json:"tier"`
	ContentID    string  `json:"content_id,omitempty"`
	ContentType  string  `json:"content_type"`
	Confidence   float64 `json:"confidence"`
	ResponseText string  `json:"-"`
}

// Request is one cascade invocation.
type Request struct {
	TenantID  string
	Utterance string
	Config    tenant.CascadeConfig
	Cards     *cards.Index
	// Intent is the triage guess, passed to the generative tier as context.
	Intent string
}

// Result is the selected answer, if any.
type Result struct {
	Selected     bool    `json:"selected"`
	Tier         int     `json:"tier,omitempty"`
	ContentID    string  `json:"content_id,omitempty"`
	ContentType  string  `json:"content_type,omitempty"`
	Confidence   float64 `json:"confidence"`
	ResponseText string  `json:"response_text,omitempty"`
}

// Source names the owner label used when this result answers a turn.
func (r Result) Source() string {
	return fmt.Sprintf("cascade-tier-%d", r.Tier)
}

// Outcome is everything one invocation decided.
type Outcome struct {
	Result    Result
	Reason    Reason
	Best      *Candidate
	Attempted []int
	Elapsed   time.Duration
	Err       error
}

// Embedder turns texts into vectors for tier 2.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator answers a prompt for tier 3.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Options configure a Cascade. Embedder and Generator may be nil, which
// disables the corresponding tier regardless of tenant settings.
type Options struct {
	Embedder   Embedder
	Generator  Generator
	Ceiling    time.Duration
	KillSwitch bool
	CacheSize  int
	Logger     *zap.Logger
	Now        func() time.Time
}

// Cascade is safe for concurrent use by many calls.
type Cascade struct {
	embedder  Embedder
	generator Generator
	ceiling   time.Duration
	kill      atomic.Bool
	vectors   *lru.Cache[string, []float32]
	logger    *zap.Logger
	now       func() time.Time
}

// New builds a cascade.
func New(opts Options) *Cascade {
	if opts.Ceiling <= 0 {
		opts.Ceiling = defaultCeiling
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	vectors, err := lru.New[string, []float32](opts.CacheSize)
	if err != nil {
		panic(err)
	}
	c := &Cascade{
		embedder:  opts.Embedder,
		generator: opts.Generator,
		ceiling:   opts.Ceiling,
		vectors:   vectors,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	c.kill.Store(opts.KillSwitch)
	return c
}

// SetKillSwitch turns automatic replies off or on for every tenant.
func (c *Cascade) SetKillSwitch(on bool) {
	c.kill.Store(on)
	c.logger.Warn("🛑 cascade kill switch changed", zap.Bool("on", on))
}

// KillSwitch reports the global switch.
func (c *Cascade) KillSwitch() bool { return c.kill.Load() }

type tier struct {
	n   int
	min float64
	run func(ctx context.Context, req Request) (Candidate, bool, error)
	// inline tiers are in-memory and run on the caller's goroutine.
	inline bool
}

// Match runs the cascade and appends exactly one cascade_evaluated event to
// log. A nil log is allowed.
func (c *Cascade) Match(ctx context.Context, req Request, log *events.Log) Outcome {
	start := c.now()
	out := c.match(ctx, req)
	out.Elapsed = c.now().Sub(start)
	c.record(req, out, log)
	return out
}

func (c *Cascade) match(ctx context.Context, req Request) Outcome {
	cfg := req.Config
	switch {
	case c.kill.Load():
		return Outcome{Reason: ReasonGatedKillSwitch}
	case cfg.DisableAutoReplies:
		return Outcome{Reason: ReasonGatedDisabled}
	case len(cfg.AllowedContentTypes) == 0:
		return Outcome{Reason: ReasonGatedNoAllowlist}
	}

	ceiling := cfg.Ceiling
	if ceiling <= 0 {
		ceiling = c.ceiling
	}
	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	var out Outcome
	var belowThreshold bool
	var errs []error
	for _, t := range c.tiers(req) {
		if ctx.Err() != nil {
			out.Reason = ReasonTimeout
			out.Err = ErrTimeout
			return out
		}
		out.Attempted = append(out.Attempted, t.n)

		var (
			cand  Candidate
			found bool
			err   error
		)
		if t.inline {
			cand, found, err = safeRun(ctx, t, req)
		} else {
			cand, found, err = c.async(ctx, t, req)
		}
		if errors.Is(err, ErrTimeout) {
			out.Reason = ReasonTimeout
			out.Err = ErrTimeout
			return out
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("tier %d: %w", t.n, err))
			c.logger.Warn("⚠️ cascade tier failed, falling through",
				zap.String("tenant", req.TenantID), zap.Int("tier", t.n), zap.Error(err))
			continue
		}
		if !found {
			continue
		}

		cand.Tier = t.n
		cand.Confidence = round2(cand.Confidence)
		if out.Best == nil || cand.Confidence > out.Best.Confidence {
			b := cand
			out.Best = &b
		}

		// Only a candidate below its tier's minimum lets the next tier run.
		switch {
		case cand.Confidence < t.min:
			belowThreshold = true
		case !cfg.Allows(cand.ContentType):
			out.Reason = ReasonTypeNotAllowed
			out.Err = errors.Join(errs...)
			return out
		case strings.TrimSpace(cand.ResponseText) == "":
			out.Reason = ReasonEmptyResponse
			out.Err = errors.Join(errs...)
			return out
		default:
			out.Reason = ReasonMatched
			out.Result = Result{
				Selected:     true,
				Tier:         t.n,
				ContentID:    cand.ContentID,
				ContentType:  cand.ContentType,
				Confidence:   cand.Confidence,
				ResponseText: cand.ResponseText,
			}
			return out
		}
	}

	out.Err = errors.Join(errs...)
	switch {
	case belowThreshold:
		out.Reason = ReasonBelowThreshold
	case len(errs) > 0:
		out.Reason = ReasonError
	default:
		out.Reason = ReasonNoMatch
	}
	return out
}

func (c *Cascade) tiers(req Request) []tier {
	cfg := req.Config
	ts := []tier{{n: 1, min: cfg.Tier1Min, run: tier1, inline: true}}
	if cfg.Tier2Enabled && c.embedder != nil {
		ts = append(ts, tier{n: 2, min: cfg.Tier2Min, run: c.tier2})
	}
	if cfg.Tier3Enabled && c.generator != nil {
		ts = append(ts, tier{n: 3, min: cfg.Tier3Min, run: c.tier3})
	}
	return ts
}

type tierResult struct {
	cand  Candidate
	found bool
	err   error
}

// async runs a network tier so the deadline can abandon it. The result
// channel is buffered, so an abandoned tier finishes without blocking.
func (c *Cascade) async(ctx context.Context, t tier, req Request) (Candidate, bool, error) {
	done := make(chan tierResult, 1)
	go func() {
		cand, found, err := safeRun(ctx, t, req)
		done <- tierResult{cand, found, err}
	}()
	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return Candidate{}, false, ErrTimeout
		}
		return r.cand, r.found, r.err
	case <-ctx.Done():
		return Candidate{}, false, ErrTimeout
	}
}

func safeRun(ctx context.Context, t tier, req Request) (cand Candidate, found bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			cand, found, err = Candidate{}, false, fmt.Errorf("panic: %v", r)
		}
	}()
	return t.run(ctx, req)
}

func (c *Cascade) record(req Request, out Outcome, log *events.Log) {
	data := map[string]any{
		"reason":    string(out.Reason),
		"selected":  out.Result.Selected,
		"attempted": out.Attempted,
		"thresholds": map[string]float64{
			"tier1": req.Config.Tier1Min,
			"tier2": req.Config.Tier2Min,
			"tier3": req.Config.Tier3Min,
		},
		"elapsed_ms": out.Elapsed.Milliseconds(),
	}
	if out.Best != nil {
		data["best_score"] = out.Best.Confidence
		data["best_type"] = out.Best.ContentType
		data["best_tier"] = out.Best.Tier
		if out.Best.ContentID != "" {
			data["best_content_id"] = out.Best.ContentID
		}
	}
	if out.Result.Selected {
		data["tier"] = out.Result.Tier
		data["content_id"] = out.Result.ContentID
	}
	if out.Err != nil {
		data["error"] = out.Err.Error()
	}

	switch out.Reason {
	case ReasonError, ReasonTimeout:
		c.logger.Warn("⏱️ cascade did not complete",
			zap.String("tenant", req.TenantID), zap.String("reason", string(out.Reason)), zap.Error(out.Err))
		if log != nil {
			log.Critical(events.CascadeEvaluated, data)
		}
	default:
		c.logger.Debug("🔎 cascade evaluated",
			zap.String("tenant", req.TenantID), zap.String("reason", string(out.Reason)))
		if log != nil {
			log.Advisory(events.CascadeEvaluated, data)
		}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

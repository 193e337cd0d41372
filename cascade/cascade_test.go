package cascade

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/room4-2/frontdesk/cards"
	"github.com/room4-2/frontdesk/events"
	"github.com/room4-2/frontdesk/tenant"
)

var testCards = []tenant.ContentCard{
	{ID: "hours", Type: "faq", Phrases: []string{"what are your hours"}, Keywords: []string{"hours", "open"},
		Answer: "We're open seven to seven, Monday through Saturday."},
	{ID: "diagnostic_fee", Type: "pricing", Phrases: []string{"diagnostic fee"},
		Answer: "Our diagnostic visit is eighty-nine dollars."},
	{ID: "thermostat_blank", Type: "troubleshooting", Keywords: []string{"thermostat", "blank"},
		Answer: "A blank thermostat usually needs fresh batteries."},
}

type fakeEmbedder struct {
	calls atomic.Int32
	fn    func(ctx context.Context, texts []string) ([][]float32, error)
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	return f.fn(ctx, texts)
}

// openVectors puts anything mentioning "open" on one axis and the rest on
// the other.
func openVectors(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.Contains(strings.ToLower(t), "open") {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

type fakeGenerator struct {
	calls atomic.Int32
	reply string
	err   error
}

func (f *fakeGenerator) Generate(context.Context, string, string) (string, error) {
	f.calls.Add(1)
	return f.reply, f.err
}

func request(utterance string, mut func(*tenant.CascadeConfig)) Request {
	cfg := tenant.Default("acme").Cascade
	cfg.Tier2Enabled = true
	cfg.Tier3Enabled = true
	if mut != nil {
		mut(&cfg)
	}
	return Request{TenantID: "acme", Utterance: utterance, Config: cfg, Cards: cards.New(testCards)}
}

func run(t *testing.T, c *Cascade, req Request) (Outcome, *events.Log) {
	t.Helper()
	log := events.NewLog("call-1", "acme", 1, nil)
	out := c.Match(context.Background(), req, log)
	require.Equal(t, 1, log.Count(events.CascadeEvaluated), "exactly one cascade event per invocation")
	return out, log
}

func TestMatchTier1StopsEarly(t *testing.T) {
	emb := &fakeEmbedder{fn: openVectors}
	gen := &fakeGenerator{}
	c := New(Options{Embedder: emb, Generator: gen})

	out, log := run(t, c, request("hi, what are your hours on weekends?", nil))

	assert.Equal(t, ReasonMatched, out.Reason)
	assert.True(t, out.Result.Selected)
	assert.Equal(t, 1, out.Result.Tier)
	assert.Equal(t, "hours", out.Result.ContentID)
	assert.Equal(t, []int{1}, out.Attempted)
	assert.Zero(t, emb.calls.Load())
	assert.Zero(t, gen.calls.Load())

	ev, _ := log.Last(events.CascadeEvaluated)
	assert.False(t, ev.Critical)
	assert.Equal(t, "matched", ev.Data["reason"])
}

func TestMatchTiersAreMonotonic(t *testing.T) {
	emb := &fakeEmbedder{fn: openVectors}
	gen := &fakeGenerator{}
	c := New(Options{Embedder: emb, Generator: gen})

	// One keyword is below the tier 1 minimum, so tier 2 gets a turn.
	out, _ := run(t, c, request("are you open on saturday", nil))

	assert.Equal(t, ReasonMatched, out.Reason)
	assert.Equal(t, 2, out.Result.Tier)
	assert.Equal(t, "hours", out.Result.ContentID)
	assert.Equal(t, []int{1, 2}, out.Attempted)
	assert.Equal(t, int32(1), emb.calls.Load())
	assert.Zero(t, gen.calls.Load(), "tier 3 never runs once tier 2 matched")

	// Card vectors are cached; only the utterance is embedded again.
	emb.fn = func(ctx context.Context, texts []string) ([][]float32, error) {
		assert.Len(t, texts, 1)
		return openVectors(ctx, texts)
	}
	out, _ = run(t, c, request("are you open on sunday", nil))
	assert.Equal(t, 2, out.Result.Tier)
}

func TestMatchGating(t *testing.T) {
	emb := &fakeEmbedder{fn: openVectors}
	c := New(Options{Embedder: emb})
	utterance := "what are your hours" // scores 0.95 at tier 1

	out, log := run(t, c, request(utterance, func(cfg *tenant.CascadeConfig) { cfg.DisableAutoReplies = true }))
	assert.Equal(t, ReasonGatedDisabled, out.Reason)
	assert.False(t, out.Result.Selected)
	assert.Empty(t, out.Attempted)
	ev, _ := log.Last(events.CascadeEvaluated)
	assert.False(t, ev.Critical)

	out, _ = run(t, c, request(utterance, func(cfg *tenant.CascadeConfig) { cfg.AllowedContentTypes = nil }))
	assert.Equal(t, ReasonGatedNoAllowlist, out.Reason)

	c.SetKillSwitch(true)
	out, _ = run(t, c, request(utterance, func(cfg *tenant.CascadeConfig) { cfg.DisableAutoReplies = true }))
	assert.Equal(t, ReasonGatedKillSwitch, out.Reason, "the kill switch is checked first")
	assert.True(t, out.Reason.Gated())

	assert.Zero(t, emb.calls.Load())
}

func TestMatchTypeNotAllowed(t *testing.T) {
	c := New(Options{})
	out, _ := run(t, c, request("is there a diagnostic fee", nil))
	assert.Equal(t, ReasonTypeNotAllowed, out.Reason)
	require.NotNil(t, out.Best)
	assert.Equal(t, "pricing", out.Best.ContentType)
	assert.Equal(t, 0.95, out.Best.Confidence)
	assert.False(t, out.Result.Selected)
}

func TestMatchQualifiedTier1StopsEvenWhenRejected(t *testing.T) {
	emb := &fakeEmbedder{fn: openVectors}
	gen := &fakeGenerator{reply: `{"content_id":"hours","confidence":0.9}`}
	c := New(Options{Embedder: emb, Generator: gen})

	out, _ := run(t, c, request("is there a diagnostic fee", nil))
	assert.Equal(t, ReasonTypeNotAllowed, out.Reason)
	assert.Equal(t, []int{1}, out.Attempted)
	assert.False(t, out.Result.Selected)
	assert.Zero(t, emb.calls.Load())
	assert.Zero(t, gen.calls.Load())
}

func TestMatchBelowThresholdWithoutNetworkTiers(t *testing.T) {
	c := New(Options{})
	out, _ := run(t, c, request("my thermostat is acting up", nil))
	assert.Equal(t, ReasonBelowThreshold, out.Reason)
	require.NotNil(t, out.Best)
	assert.Equal(t, 0.6, out.Best.Confidence)
}

func TestMatchNoMatch(t *testing.T) {
	c := New(Options{})
	out, _ := run(t, c, request("the AC is blowing warm air", nil))
	assert.Equal(t, ReasonNoMatch, out.Reason)
	assert.Nil(t, out.Best)
}

func TestMatchTimeoutAbandonsTier(t *testing.T) {
	defer goleak.VerifyNone(t)

	emb := &fakeEmbedder{fn: func(ctx context.Context, _ []string) ([][]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	gen := &fakeGenerator{reply: `{"content_id":"hours","confidence":0.9}`}
	c := New(Options{Embedder: emb, Generator: gen})

	start := time.Now()
	out, log := run(t, c, request("are you open on saturday", func(cfg *tenant.CascadeConfig) {
		cfg.Ceiling = 20 * time.Millisecond
	}))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, ReasonTimeout, out.Reason)
	assert.ErrorIs(t, out.Err, ErrTimeout)
	assert.False(t, out.Result.Selected)
	assert.Zero(t, gen.calls.Load())

	ev, _ := log.Last(events.CascadeEvaluated)
	assert.True(t, ev.Critical)
}

func TestMatchErrorsFallThrough(t *testing.T) {
	emb := &fakeEmbedder{fn: func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("quota exceeded")
	}}
	gen := &fakeGenerator{reply: "```json\n{\"content_id\":\"hours\",\"answer\":\"\",\"confidence\":0.82}\n```"}
	c := New(Options{Embedder: emb, Generator: gen})

	out, _ := run(t, c, request("are you guys around on saturdays", nil))
	assert.Equal(t, ReasonMatched, out.Reason)
	assert.Equal(t, 3, out.Result.Tier)
	assert.Equal(t, "hours", out.Result.ContentID)
	assert.Equal(t, testCards[0].Answer, out.Result.ResponseText)
	assert.Equal(t, []int{1, 2, 3}, out.Attempted)
}

func TestMatchAllTiersFailing(t *testing.T) {
	emb := &fakeEmbedder{fn: func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("quota exceeded")
	}}
	gen := &fakeGenerator{err: errors.New("service unavailable")}
	c := New(Options{Embedder: emb, Generator: gen})

	out, log := run(t, c, request("are you guys around on saturdays", nil))
	assert.Equal(t, ReasonError, out.Reason)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "quota exceeded")
	assert.Contains(t, out.Err.Error(), "service unavailable")

	ev, _ := log.Last(events.CascadeEvaluated)
	assert.True(t, ev.Critical)
}

func TestMatchGeneratedAnswers(t *testing.T) {
	gen := &fakeGenerator{reply: `{"content_id":"","answer":"Yes, we service heat pumps.","confidence":0.95}`}
	c := New(Options{Generator: gen})

	out, _ := run(t, c, request("do you work on heat pumps", nil))
	assert.Equal(t, ReasonTypeNotAllowed, out.Reason)
	require.NotNil(t, out.Best)
	assert.Equal(t, ContentTypeGenerated, out.Best.ContentType)
	assert.Equal(t, 0.65, out.Best.Confidence, "ungrounded answers are capped")

	out, _ = run(t, c, request("do you work on heat pumps", func(cfg *tenant.CascadeConfig) {
		cfg.AllowedContentTypes = append(cfg.AllowedContentTypes, ContentTypeGenerated)
	}))
	assert.Equal(t, ReasonMatched, out.Reason)
	assert.Equal(t, "Yes, we service heat pumps.", out.Result.ResponseText)
	assert.Equal(t, "cascade-tier-3", out.Result.Source())
}

func TestMatchGeneratorDeclines(t *testing.T) {
	gen := &fakeGenerator{reply: `{"content_id":"","answer":"","confidence":0}`}
	c := New(Options{Generator: gen})
	out, _ := run(t, c, request("my furnace is making a weird noise", nil))
	assert.Equal(t, ReasonNoMatch, out.Reason)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosine([]float32{1}, []float32{1, 0}))
	assert.Zero(t, cosine(nil, nil))
}

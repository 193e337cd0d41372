package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/room4-2/frontdesk/callstate"
	"github.com/room4-2/frontdesk/events"
	"github.com/room4-2/frontdesk/tenant"
	"github.com/room4-2/frontdesk/turn"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	m      *Manager
	sink   *events.MemorySink
	states callstate.Store
	clock  *clock
}

type harnessOptions struct {
	tenants  tenant.Store
	states   callstate.Store
	redis    *redis.Client
	maxCalls int
	leaks    bool
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	if o.leaks {
		// Registered first so it runs after the manager and recorder are closed.
		t.Cleanup(func() { goleak.VerifyNone(t) })
	}
	if o.tenants == nil {
		o.tenants = tenant.NewStaticStore(tenant.Default("acme"))
	}
	if o.states == nil {
		o.states = callstate.NewMemoryStore()
	}
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	sink := events.NewMemorySink()
	rec := events.NewRecorder(sink, 64, nil)

	m := NewManager(Options{
		Tenants:      o.tenants,
		States:       o.states,
		Recorder:     rec,
		Orchestrator: turn.New(turn.Options{Now: clk.Now}),
		Redis:        o.redis,
		MaxCalls:     o.maxCalls,
		CallTimeout:  10 * time.Minute,
		Now:          clk.Now,
	})
	t.Cleanup(func() {
		ctx := context.Background()
		m.Shutdown(ctx)
		require.NoError(t, rec.Close(ctx))
	})
	return &harness{m: m, sink: sink, states: o.states, clock: clk}
}

func TestStartCallPrefillsCallerID(t *testing.T) {
	h := newHarness(t, harnessOptions{leaks: true})
	ctx := context.Background()

	c, greeting, err := h.m.StartCall(ctx, "acme", "CA1", "+1 (239) 555-0100")
	require.NoError(t, err)
	assert.Equal(t, "Thank you for calling our office. How can I help you today?", greeting)
	assert.Equal(t, "CA1", c.ID)
	assert.Equal(t, 1, h.m.GetActiveCallCount())

	st, err := h.states.Load(ctx, "acme", "CA1")
	require.NoError(t, err)
	p := st.PendingSlots[tenant.SlotIDPhone]
	assert.Equal(t, "239-555-0100", p.Value)
	assert.Equal(t, callstate.SourceSystem, p.Source)

	started := h.sink.OfType(events.CallStarted)
	require.Len(t, started, 1)
	assert.Equal(t, false, started[0].Data["resumed"])
	require.Len(t, h.sink.OfType(events.SlotExtracted), 1)
}

func TestStartCallIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{maxCalls: 1, leaks: true})
	ctx := context.Background()

	first, _, err := h.m.StartCall(ctx, "acme", "CA1", "")
	require.NoError(t, err)
	again, _, err := h.m.StartCall(ctx, "acme", "CA1", "")
	require.NoError(t, err)
	assert.Same(t, first, again)

	_, _, err = h.m.StartCall(ctx, "acme", "CA2", "")
	assert.ErrorIs(t, err, ErrTooManyCalls)
}

func TestStartCallUnknownTenant(t *testing.T) {
	h := newHarness(t, harnessOptions{leaks: true})
	_, _, err := h.m.StartCall(context.Background(), "nobody", "CA1", "")
	assert.ErrorIs(t, err, tenant.ErrNotFound)
	assert.Zero(t, h.m.GetActiveCallCount())
}

func TestTurnsOfOneCallAreSequential(t *testing.T) {
	h := newHarness(t, harnessOptions{leaks: true})
	ctx := context.Background()
	_, _, err := h.m.StartCall(ctx, "acme", "CA1", "")
	require.NoError(t, err)

	const n = 20
	turns := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.m.Turn(ctx, "CA1", "hmm", 0)
			assert.NoError(t, err)
			turns[i] = out.Turn
		}(i)
	}
	wg.Wait()

	sort.Ints(turns)
	for i, got := range turns {
		assert.Equal(t, i+1, got, "every turn got its own number")
	}
	assert.Len(t, h.sink.OfType(events.OwnerSelected), n)
}

func TestCallsAreIndependent(t *testing.T) {
	h := newHarness(t, harnessOptions{leaks: true})
	ctx := context.Background()
	for _, id := range []string{"CA1", "CA2"} {
		_, _, err := h.m.StartCall(ctx, "acme", id, "")
		require.NoError(t, err)
	}

	_, err := h.m.Turn(ctx, "CA1", "my name is John Smith", 0)
	require.NoError(t, err)
	out, err := h.m.Turn(ctx, "CA2", "hello", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Turn)

	st1, err := h.states.Load(ctx, "acme", "CA1")
	require.NoError(t, err)
	st2, err := h.states.Load(ctx, "acme", "CA2")
	require.NoError(t, err)
	_, has1 := st1.Value(tenant.SlotIDName)
	_, has2 := st2.Value(tenant.SlotIDName)
	assert.True(t, has1)
	assert.False(t, has2)
}

func TestReplayedTurnIsAnsweredFromCache(t *testing.T) {
	h := newHarness(t, harnessOptions{leaks: true})
	ctx := context.Background()
	_, _, err := h.m.StartCall(ctx, "acme", "CA1", "")
	require.NoError(t, err)

	first, err := h.m.Turn(ctx, "CA1", "my name is John Smith", 1)
	require.NoError(t, err)
	again, err := h.m.Turn(ctx, "CA1", "my name is John Smith", 1)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Response, again.Response)

	st, err := h.states.Load(ctx, "acme", "CA1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TurnNumber)
}

func TestEndCallArchivesAndForgets(t *testing.T) {
	h := newHarness(t, harnessOptions{leaks: true})
	ctx := context.Background()
	_, _, err := h.m.StartCall(ctx, "acme", "CA1", "")
	require.NoError(t, err)
	_, err = h.m.Turn(ctx, "CA1", "my name is John Smith", 0)
	require.NoError(t, err)

	require.NoError(t, h.m.EndCall(ctx, "CA1", "completed"))
	assert.Zero(t, h.m.GetActiveCallCount())

	ended := h.sink.OfType(events.CallEnded)
	require.Len(t, ended, 1)
	assert.True(t, ended[0].Critical)
	assert.Equal(t, "completed", ended[0].Data["reason"])
	assert.Equal(t, 1, ended[0].Data["turns"])

	_, err = h.states.Load(ctx, "acme", "CA1")
	assert.ErrorIs(t, err, callstate.ErrNotFound)

	_, err = h.m.Turn(ctx, "CA1", "hello?", 0)
	assert.ErrorIs(t, err, ErrUnknownCall)
	assert.NoError(t, h.m.EndCall(ctx, "CA1", "completed"), "ending twice is a no-op")
}

func TestEndCallKeepsStateWhenArchiveFails(t *testing.T) {
	h := newHarness(t, harnessOptions{leaks: true})
	ctx := context.Background()
	_, _, err := h.m.StartCall(ctx, "acme", "CA1", "")
	require.NoError(t, err)

	h.sink.FailWith(errors.New("disk full"))
	assert.Error(t, h.m.EndCall(ctx, "CA1", "completed"))
	h.sink.FailWith(nil)

	_, err = h.states.Load(ctx, "acme", "CA1")
	assert.NoError(t, err)
}

func TestFailedEventWriteIsCounted(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := newHarness(t, harnessOptions{redis: client})
	ctx := context.Background()
	_, _, err := h.m.StartCall(ctx, "acme", "CA1", "")
	require.NoError(t, err)

	h.sink.FailWith(errors.New("disk full"))
	out, err := h.m.Turn(ctx, "CA1", "my AC is blowing warm air", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, out.Response, "the caller still gets an answer")
	h.sink.FailWith(nil)

	assert.Equal(t, int64(1), h.m.EventFailures())
	assert.Equal(t, "1", mr.HGet(activeCallKey("CA1"), "event_failures"))

	_, err = h.m.Turn(ctx, "CA1", "my name is John Smith", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.m.EventFailures())
}

func TestResumeStoredState(t *testing.T) {
	states := callstate.NewMemoryStore()
	prior := callstate.New("CA1", "acme", time.Date(2026, 3, 1, 8, 55, 0, 0, time.UTC))
	prior.TurnNumber = 3
	prior.LastResponse = "What's the best phone number to reach you?"
	require.NoError(t, states.Save(context.Background(), prior))

	h := newHarness(t, harnessOptions{states: states, leaks: true})
	_, greeting, err := h.m.StartCall(context.Background(), "acme", "CA1", "2395550100")
	require.NoError(t, err)
	assert.Equal(t, prior.LastResponse, greeting)

	started := h.sink.OfType(events.CallStarted)
	require.Len(t, started, 1)
	assert.Equal(t, true, started[0].Data["resumed"])
	assert.Empty(t, h.sink.OfType(events.SlotExtracted), "caller id is only applied to new calls")

	out, err := h.m.Turn(context.Background(), "CA1", "hello", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Turn)
}

func TestCorruptStoredStateStartsOver(t *testing.T) {
	states := callstate.NewMemoryStore()
	states.Put("acme", "CA1", []byte("{not json"))

	h := newHarness(t, harnessOptions{states: states, leaks: true})
	_, _, err := h.m.StartCall(context.Background(), "acme", "CA1", "")
	require.NoError(t, err)

	corrupt := h.sink.OfType(events.StateCorrupt)
	require.Len(t, corrupt, 1)
	assert.True(t, corrupt[0].Critical)

	st, err := states.Load(context.Background(), "acme", "CA1")
	require.NoError(t, err)
	assert.Equal(t, callstate.LaneDiscovery, st.Lane)
}

func TestCleanupInactiveCalls(t *testing.T) {
	h := newHarness(t, harnessOptions{leaks: true})
	ctx := context.Background()
	_, _, err := h.m.StartCall(ctx, "acme", "CA1", "")
	require.NoError(t, err)
	_, _, err = h.m.StartCall(ctx, "acme", "CA2", "")
	require.NoError(t, err)

	h.clock.Advance(6 * time.Minute)
	_, err = h.m.Turn(ctx, "CA2", "hello", 0)
	require.NoError(t, err)
	h.clock.Advance(6 * time.Minute)

	h.m.CleanupInactiveCalls(ctx)
	_, ok := h.m.GetCall("CA1")
	assert.False(t, ok)
	_, ok = h.m.GetCall("CA2")
	assert.True(t, ok)

	ended := h.sink.OfType(events.CallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, "inactive", ended[0].Data["reason"])
}

type flakyTenants struct {
	cfg   *tenant.CompanyConfig
	calls atomic.Int32
}

func (f *flakyTenants) Get(_ context.Context, _ string) (*tenant.CompanyConfig, error) {
	if f.calls.Add(1) > 1 {
		return nil, errors.New("redis: connection refused")
	}
	return f.cfg, nil
}

func TestTenantStoreFailureKeepsLastSnapshot(t *testing.T) {
	h := newHarness(t, harnessOptions{tenants: &flakyTenants{cfg: tenant.Default("acme")}, leaks: true})
	ctx := context.Background()
	_, _, err := h.m.StartCall(ctx, "acme", "CA1", "")
	require.NoError(t, err)

	out, err := h.m.Turn(ctx, "CA1", "my name is John Smith", 0)
	require.NoError(t, err)
	assert.NotEqual(t, turn.OwnerSafeFallback, out.Owner)
}

// gatedTenants blocks one Get until released.
type gatedTenants struct {
	tenant.Store
	block   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTenants) Get(ctx context.Context, tenantID string) (*tenant.CompanyConfig, error) {
	if g.block.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Store.Get(ctx, tenantID)
}

func TestSlowStartDoesNotStallOtherCalls(t *testing.T) {
	tenants := &gatedTenants{
		Store:   tenant.NewStaticStore(tenant.Default("acme")),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, harnessOptions{tenants: tenants, leaks: true})
	ctx := context.Background()
	_, _, err := h.m.StartCall(ctx, "acme", "CA1", "")
	require.NoError(t, err)

	tenants.block.Store(true)
	started := make(chan error, 1)
	go func() {
		_, _, err := h.m.StartCall(ctx, "acme", "CA2", "")
		started <- err
	}()
	<-tenants.entered

	turnCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := h.m.Turn(turnCtx, "CA1", "my AC is blowing warm air", 0)
	require.NoError(t, err, "a turn on another call runs while CA2 is loading")
	assert.Equal(t, 1, out.Turn)
	_, ok := h.m.GetCall("CA2")
	assert.False(t, ok)

	// A second start for the loading id waits for the first.
	again := make(chan *Call, 1)
	go func() {
		c, _, _ := h.m.StartCall(ctx, "acme", "CA2", "")
		again <- c
	}()

	close(tenants.release)
	require.NoError(t, <-started)
	c, ok := h.m.GetCall("CA2")
	require.True(t, ok)
	assert.Same(t, c, <-again)
	assert.Equal(t, 2, h.m.GetActiveCallCount())
	assert.Len(t, h.sink.OfType(events.CallStarted), 2)
}

func TestTurnHonorsCallerContext(t *testing.T) {
	h := newHarness(t, harnessOptions{leaks: true})
	_, _, err := h.m.StartCall(context.Background(), "acme", "CA1", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.m.Turn(ctx, "CA1", "hello", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisBookkeeping(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := newHarness(t, harnessOptions{
		redis:  client,
		states: callstate.NewRedisStore(client, 10*time.Minute),
	})
	ctx := context.Background()

	_, _, err := h.m.StartCall(ctx, "acme", "CA1", "2395550100")
	require.NoError(t, err)
	member, err := mr.SIsMember(activeCallsKey, "CA1")
	require.NoError(t, err)
	assert.True(t, member)
	assert.Equal(t, "acme", mr.HGet(activeCallKey("CA1"), "tenant_id"))
	assert.True(t, mr.Exists(callstate.Key("acme", "CA1")))

	_, err = h.m.Turn(ctx, "CA1", "my name is John Smith", 0)
	require.NoError(t, err)
	assert.Equal(t, "1", mr.HGet(activeCallKey("CA1"), "turn"))
	assert.Equal(t, string(callstate.LaneDiscovery), mr.HGet(activeCallKey("CA1"), "lane"))
	assert.Positive(t, mr.TTL(callstate.Key("acme", "CA1")))

	require.NoError(t, h.m.EndCall(ctx, "CA1", "completed"))
	assert.False(t, mr.Exists(activeCallKey("CA1")))
	assert.False(t, mr.Exists(callstate.Key("acme", "CA1")))
	member, err = mr.SIsMember(activeCallsKey, "CA1")
	require.NoError(t, err)
	assert.False(t, member)
}

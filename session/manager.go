package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/room4-2/frontdesk/callstate"
	"github.com/room4-2/frontdesk/events"
	"github.com/room4-2/frontdesk/flow"
	"github.com/room4-2/frontdesk/logging"
	"github.com/room4-2/frontdesk/slots"
	"github.com/room4-2/frontdesk/tenant"
	"github.com/room4-2/frontdesk/turn"
)

// Errors returned by the manager.
var (
	ErrTooManyCalls = errors.New("maximum calls reached")
	ErrUnknownCall  = errors.New("unknown call")
)

const activeCallsKey = "active_calls"

func activeCallKey(callID string) string { return "active_call:" + callID }

// Options configure a Manager. Tenants, States, Recorder and Orchestrator are
// required; Redis is optional.
type Options struct {
	Tenants      tenant.Store
	States       callstate.Store
	Recorder     *events.Recorder
	Orchestrator *turn.Orchestrator
	Redis        *redis.Client

	MaxCalls    int
	CallTimeout time.Duration
	MailboxSize int
	Logger      *zap.Logger
	Now         func() time.Time
}

// Manager owns every active call.
type Manager struct {
	calls    map[string]*Call
	// starting holds call ids whose StartCall is loading; closed when done.
	starting map[string]chan struct{}
	mu       sync.RWMutex

	tenants      tenant.Store
	states       callstate.Store
	recorder     *events.Recorder
	orchestrator *turn.Orchestrator
	redis        *redis.Client

	maxCalls    int
	callTimeout time.Duration
	mailboxSize int
	logger      *zap.Logger
	now         func() time.Time

	eventFailures atomic.Int64
}

// NewManager creates a call manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = defaultMailboxSize
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Minute
	}
	return &Manager{
		calls:        make(map[string]*Call),
		starting:     make(map[string]chan struct{}),
		tenants:      opts.Tenants,
		states:       opts.States,
		recorder:     opts.Recorder,
		orchestrator: opts.Orchestrator,
		redis:        opts.Redis,
		maxCalls:     opts.MaxCalls,
		callTimeout:  opts.CallTimeout,
		mailboxSize:  opts.MailboxSize,
		logger:       opts.Logger,
		now:          opts.Now,
	}
}

// StartCall registers a call and returns it with the greeting to speak. A
// call that is already active is returned as is. Stored state for the call id
// is resumed, so a process restart does not lose the conversation.
//
// Loading and recording run outside the manager lock; a second start for
// the same id waits for the first.
func (m *Manager) StartCall(ctx context.Context, tenantID, callID, callerID string) (*Call, string, error) {
	for {
		m.mu.Lock()
		if c, ok := m.calls[callID]; ok {
			m.mu.Unlock()
			return c, m.greeting(c.config, c.state), nil
		}
		wait, starting := m.starting[callID]
		if !starting {
			break
		}
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if m.maxCalls > 0 && len(m.calls)+len(m.starting) >= m.maxCalls {
		m.mu.Unlock()
		return nil, "", ErrTooManyCalls
	}
	done := make(chan struct{})
	m.starting[callID] = done
	m.mu.Unlock()

	c, greeting, resumed, err := m.openCall(ctx, tenantID, callID, callerID)

	m.mu.Lock()
	delete(m.starting, callID)
	if err == nil {
		m.calls[callID] = c
	}
	m.mu.Unlock()
	close(done)
	if err != nil {
		return nil, "", err
	}

	go c.run()
	m.storeCall(ctx, c)

	m.logger.Info("📞 call started",
		zap.String("call", logging.ShortID(callID)),
		zap.String("tenant", tenantID),
		zap.Bool("resumed", resumed))
	return c, greeting, nil
}

// openCall loads the tenant and the call's state and records call_started.
func (m *Manager) openCall(ctx context.Context, tenantID, callID, callerID string) (*Call, string, bool, error) {
	cfg, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, "", false, fmt.Errorf("load tenant %q: %w", tenantID, err)
	}

	log := events.NewLog(callID, tenantID, 0, m.now)
	st, resumed := m.loadState(ctx, tenantID, callID, log)
	if !resumed {
		slots.Prefill(st, cfg.Registry(), tenant.SlotIDPhone, callerID, log)
		if err := m.states.Save(ctx, st); err != nil {
			m.logger.Error("❌ failed to save call state", zap.String("call", logging.ShortID(callID)), zap.Error(err))
		}
	}
	log.Critical(events.CallStarted, map[string]any{
		"caller_id":      callerID,
		"resumed":        resumed,
		"config_version": cfg.Version,
	})
	if err := m.recorder.Record(ctx, log.Events()); err != nil {
		m.logger.Error("❌ failed to record call start", zap.String("call", logging.ShortID(callID)), zap.Error(err))
	}
	return newCall(m, tenantID, callID, callerID, st, cfg), m.greeting(cfg, st), resumed, nil
}

// loadState resumes stored state or starts a new one. A stored document that
// cannot be decoded is replaced.
func (m *Manager) loadState(ctx context.Context, tenantID, callID string, log *events.Log) (*callstate.State, bool) {
	st, err := m.states.Load(ctx, tenantID, callID)
	switch {
	case err == nil:
		return st, true
	case errors.Is(err, callstate.ErrNotFound):
	case errors.Is(err, callstate.ErrCorrupt):
		log.Critical(events.StateCorrupt, map[string]any{"error": err.Error()})
		m.logger.Error("🧨 stored call state is corrupt, starting over",
			zap.String("call", logging.ShortID(callID)), zap.Error(err))
	default:
		m.logger.Warn("⚠️ failed to load call state, starting over",
			zap.String("call", logging.ShortID(callID)), zap.Error(err))
	}
	return callstate.New(callID, tenantID, m.now()), false
}

func (m *Manager) greeting(cfg *tenant.CompanyConfig, st *callstate.State) string {
	if st.LastResponse != "" {
		return st.LastResponse
	}
	return flow.Render(cfg.Greeting, flow.Vars(cfg, st))
}

// storeCall records the call in Redis for operators and other instances.
func (m *Manager) storeCall(ctx context.Context, c *Call) {
	if m.redis == nil {
		return
	}
	key := activeCallKey(c.ID)
	pipe := m.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"tenant_id":     c.TenantID,
		"caller_id":     c.CallerID,
		"created_at":    c.CreatedAt.Format(time.RFC3339),
		"last_activity": c.LastActivity().Format(time.RFC3339),
		"status":        "active",
	})
	pipe.SAdd(ctx, activeCallsKey, c.ID)
	pipe.Expire(ctx, key, m.callTimeout)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("⚠️ failed to register active call", zap.String("call", logging.ShortID(c.ID)), zap.Error(err))
	}
}

// markActive refreshes the call's Redis entry after a turn. A turn whose
// critical events were not stored bumps the entry's event_failures count.
func (m *Manager) markActive(ctx context.Context, c *Call, out turn.Output, recorded bool) {
	if m.redis == nil {
		return
	}
	key := activeCallKey(c.ID)
	pipe := m.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"last_activity": c.LastActivity().Format(time.RFC3339),
		"turn":          out.Turn,
		"lane":          string(out.Lane),
		"completed":     out.Completed,
		"escalated":     out.Escalated,
	})
	if !recorded {
		pipe.HIncrBy(ctx, key, "event_failures", 1)
	}
	pipe.Expire(ctx, key, m.callTimeout)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("⚠️ failed to refresh active call", zap.String("call", logging.ShortID(c.ID)), zap.Error(err))
	}
}

func (m *Manager) forgetCall(ctx context.Context, callID string) {
	if m.redis == nil {
		return
	}
	pipe := m.redis.TxPipeline()
	pipe.Del(ctx, activeCallKey(callID))
	pipe.SRem(ctx, activeCallsKey, callID)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("⚠️ failed to remove active call", zap.String("call", logging.ShortID(callID)), zap.Error(err))
	}
}

// EventFailures returns how many turns could not store their critical
// events.
func (m *Manager) EventFailures() int64 {
	return m.eventFailures.Load()
}

// GetCall retrieves a call by id.
func (m *Manager) GetCall(callID string) (*Call, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, exists := m.calls[callID]
	return c, exists
}

// Turn runs one utterance through the call's actor and waits for the reply.
func (m *Manager) Turn(ctx context.Context, callID, utterance string, turnNumber int) (turn.Output, error) {
	c, ok := m.GetCall(callID)
	if !ok {
		return turn.Output{}, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	return c.submit(ctx, turn.Input{Utterance: utterance, TurnNumber: turnNumber})
}

// EndCall drains the call's pending turns, archives its final state as a
// call_ended event and drops the stored state. Ending an unknown call is a
// no-op.
func (m *Manager) EndCall(ctx context.Context, callID, reason string) error {
	m.mu.Lock()
	c, exists := m.calls[callID]
	if exists {
		delete(m.calls, callID)
	}
	m.mu.Unlock()
	if !exists {
		return nil
	}

	if err := c.close(ctx); err != nil {
		return fmt.Errorf("drain call %s: %w", logging.ShortID(callID), err)
	}
	m.forgetCall(ctx, callID)

	st := c.snapshot()
	log := events.NewLog(c.ID, c.TenantID, st.TurnNumber, m.now)
	log.Critical(events.CallEnded, map[string]any{
		"reason":          reason,
		"turns":           st.TurnNumber,
		"lane":            string(st.Lane),
		"completed":       st.Completed,
		"escalated":       st.Escalated,
		"emergency":       st.Emergency,
		"confirmed_slots": stringMap(st.ConfirmedSlots),
		"plain_slots":     stringMap(st.PlainSlots),
		"skipped_slots":   append([]string(nil), st.SkippedSlots...),
		"duration_sec":    m.now().Sub(c.CreatedAt).Seconds(),
	})
	if err := m.recorder.Record(ctx, log.Events()); err != nil {
		// Keep the stored state when the archive could not be written.
		return fmt.Errorf("archive call %s: %w", logging.ShortID(callID), err)
	}
	if err := m.states.Delete(ctx, c.TenantID, callID); err != nil {
		m.logger.Warn("⚠️ failed to delete call state", zap.String("call", logging.ShortID(callID)), zap.Error(err))
	}

	m.logger.Info("👋 call ended",
		zap.String("call", logging.ShortID(callID)),
		zap.String("reason", reason),
		zap.Int("turns", st.TurnNumber),
		zap.Bool("completed", st.Completed))
	return nil
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// GetActiveCallCount returns the current call count.
func (m *Manager) GetActiveCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// CleanupInactiveCalls ends calls that have been silent longer than the call
// timeout.
func (m *Manager) CleanupInactiveCalls(ctx context.Context) {
	now := m.now()
	var stale []string

	m.mu.RLock()
	for id, c := range m.calls {
		if now.Sub(c.LastActivity()) > m.callTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		if err := m.EndCall(ctx, id, "inactive"); err != nil {
			m.logger.Warn("⚠️ failed to end inactive call", zap.String("call", logging.ShortID(id)), zap.Error(err))
		}
	}
	if len(stale) > 0 {
		m.logger.Info("🧹 cleaned up inactive calls", zap.Int("count", len(stale)))
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive calls. It returns
// when ctx is done.
func (m *Manager) StartCleanupRoutine(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupInactiveCalls(ctx)
		}
	}
}

// Shutdown ends every call.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.EndCall(ctx, id, "shutdown"); err != nil {
			m.logger.Warn("⚠️ failed to end call on shutdown", zap.String("call", logging.ShortID(id)), zap.Error(err))
		}
	}
}

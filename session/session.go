// Package session runs one actor goroutine per active call. Turns of a call
// are processed strictly in order; calls are independent of each other.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/room4-2/frontdesk/callstate"
	"github.com/room4-2/frontdesk/logging"
	"github.com/room4-2/frontdesk/tenant"
	"github.com/room4-2/frontdesk/turn"
)

// ErrCallEnded is returned when a turn is submitted to a call that hung up.
var ErrCallEnded = errors.New("call ended")

const defaultMailboxSize = 8

type job struct {
	ctx   context.Context
	input turn.Input
	reply chan turn.Output
}

// Call is a single caller's conversation.
type Call struct {
	ID        string
	TenantID  string
	CallerID  string
	CreatedAt time.Time

	manager *Manager
	state   *callstate.State
	config  *tenant.CompanyConfig // last snapshot that loaded, used when the store fails

	lastActivity atomic.Int64
	lastTurn     atomic.Int64
	mailbox      chan job

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newCall(m *Manager, tenantID, callID, callerID string, st *callstate.State, cfg *tenant.CompanyConfig) *Call {
	c := &Call{
		ID:        callID,
		TenantID:  tenantID,
		CallerID:  callerID,
		CreatedAt: st.CreatedAt,
		manager:   m,
		state:     st,
		config:    cfg,
		mailbox:   make(chan job, m.mailboxSize),
		done:      make(chan struct{}),
	}
	c.touch(m.now())
	c.lastTurn.Store(int64(st.TurnNumber))
	return c
}

// LastActivity returns when the call last received a turn.
func (c *Call) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// LastTurn returns the number of the last turn the call processed.
func (c *Call) LastTurn() int {
	return int(c.lastTurn.Load())
}

func (c *Call) touch(t time.Time) {
	c.lastActivity.Store(t.UnixNano())
}

// submit queues a turn and waits for its reply.
func (c *Call) submit(ctx context.Context, in turn.Input) (turn.Output, error) {
	if err := ctx.Err(); err != nil {
		return turn.Output{}, err
	}
	reply := make(chan turn.Output, 1)

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return turn.Output{}, ErrCallEnded
	}
	select {
	case c.mailbox <- job{ctx: ctx, input: in, reply: reply}:
		c.mu.RUnlock()
	case <-ctx.Done():
		c.mu.RUnlock()
		return turn.Output{}, ctx.Err()
	}

	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return turn.Output{}, ctx.Err()
	}
}

// run is the actor loop. It owns c.state and c.config.
func (c *Call) run() {
	defer close(c.done)
	for j := range c.mailbox {
		// A started turn finishes and persists even if the caller stops waiting.
		j.reply <- c.handle(context.WithoutCancel(j.ctx), j.input)
	}
}

func (c *Call) handle(ctx context.Context, in turn.Input) turn.Output {
	m := c.manager
	logger := m.logger.With(zap.String("call", logging.ShortID(c.ID)), zap.String("tenant", c.TenantID))

	cfg, err := m.tenants.Get(ctx, c.TenantID)
	if err != nil {
		logger.Error("❌ failed to load tenant configuration", zap.Error(err))
		cfg = c.config
	} else {
		c.config = cfg
	}

	out := m.orchestrator.ProcessTurn(ctx, cfg, c.state, in)
	c.touch(m.now())
	c.lastTurn.Store(int64(c.state.TurnNumber))

	// Critical events go out before the state that depends on them.
	recorded := true
	if err := m.recorder.Record(ctx, out.Events); err != nil {
		recorded = false
		m.eventFailures.Add(1)
		logger.Error("❌ failed to record turn events", zap.Error(err), zap.Int("turn", out.Turn))
	}
	if !out.Replayed {
		if err := m.states.Save(ctx, c.state); err != nil {
			logger.Error("❌ failed to save call state", zap.Error(err))
		}
	}
	m.markActive(ctx, c, out, recorded)

	logger.Info("💬 turn complete",
		zap.Int("turn", out.Turn),
		zap.String("owner", out.Owner),
		zap.String("lane", string(out.Lane)))
	return out
}

// close stops accepting turns, lets queued turns finish and waits for the
// actor to exit or ctx to end.
func (c *Call) close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.mailbox)
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// snapshot returns a copy of the state. Only safe once the actor has exited.
func (c *Call) snapshot() *callstate.State {
	return c.state.Clone()
}

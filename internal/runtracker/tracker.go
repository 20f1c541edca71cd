package runtracker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/algomatic/screener-service/internal/errs"
)

// DefaultRetention is how many invocations are kept when none is configured.
const DefaultRetention = 1000

// Tracker is a thread-safe store of invocation state. Finished invocations
// beyond the retention limit are evicted oldest first.
type Tracker struct {
	mu          sync.RWMutex
	invocations map[string]*Invocation
	retention   int
	logger      *slog.Logger

	startedAt time.Time
	now       func() time.Time
}

// NewTracker creates a tracker keeping at most retention invocations.
func NewTracker(logger *slog.Logger, retention int) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		invocations: make(map[string]*Invocation),
		retention:   retention,
		logger:      logger,
		startedAt:   time.Now(),
		now:         time.Now,
	}
}

// UptimeSeconds returns seconds since the tracker was created.
func (t *Tracker) UptimeSeconds() float64 {
	return time.Since(t.startedAt).Seconds()
}

// Start registers a new invocation in the RECEIVED state and returns its id.
func (t *Tracker) Start() string {
	id := uuid.NewString()
	now := t.now()

	inv := &Invocation{
		ID:        id,
		State:     Received,
		StartTime: now,
		History:   []Step{{State: Received, At: now}},
	}

	t.mu.Lock()
	t.invocations[id] = inv
	t.evictLocked()
	t.mu.Unlock()

	t.logger.Debug("Invocation received", "invocation_id", id)
	return id
}

// Advance moves an invocation to the next state. Illegal transitions and
// unknown ids return an error and leave the state unchanged.
func (t *Tracker) Advance(id string, to State) error {
	if to == Failed {
		return fmt.Errorf("use Fail to move invocation %s to %s", id, Failed)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.invocations[id]
	if !ok {
		return fmt.Errorf("invocation %s not found", id)
	}
	if !CanTransition(inv.State, to) {
		return fmt.Errorf("invocation %s: illegal transition %s -> %s", id, inv.State, to)
	}

	t.enterLocked(inv, to)
	return nil
}

// Complete marks an enriched invocation as RETURNED with its result count.
func (t *Tracker) Complete(id string, results int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.invocations[id]
	if !ok {
		return fmt.Errorf("invocation %s not found", id)
	}
	if !CanTransition(inv.State, Returned) {
		return fmt.Errorf("invocation %s: illegal transition %s -> %s", id, inv.State, Returned)
	}

	inv.ResultCount = results
	t.enterLocked(inv, Returned)
	t.logger.Info("Invocation returned",
		"invocation_id", id,
		"results", results,
		"elapsed_secs", inv.ElapsedSeconds(),
	)
	return nil
}

// Fail moves an invocation to FAILED, recording the error code. Failing an
// invocation that is already terminal is a no-op.
func (t *Tracker) Fail(id string, code errs.Code, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.invocations[id]
	if !ok {
		t.logger.Warn("Fail: invocation not found", "invocation_id", id)
		return
	}
	if !CanTransition(inv.State, Failed) {
		t.logger.Warn("Fail: invocation already finished",
			"invocation_id", id,
			"state", inv.State,
		)
		return
	}

	inv.ErrorCode = code
	inv.ErrorMessage = msg
	t.enterLocked(inv, Failed)
	t.logger.Warn("Invocation failed",
		"invocation_id", id,
		"code", code,
		"error", msg,
	)
}

// enterLocked must be called with t.mu held.
func (t *Tracker) enterLocked(inv *Invocation, to State) {
	now := t.now()
	inv.State = to
	inv.History = append(inv.History, Step{State: to, At: now})
	if to.Terminal() {
		inv.EndTime = &now
	}
}

// evictLocked drops the oldest finished invocations while over retention.
// In-flight invocations are never evicted. Must be called with t.mu held.
func (t *Tracker) evictLocked() {
	excess := len(t.invocations) - t.retention
	if excess <= 0 {
		return
	}

	finished := make([]*Invocation, 0, len(t.invocations))
	for _, inv := range t.invocations {
		if inv.State.Terminal() {
			finished = append(finished, inv)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].StartTime.Before(finished[j].StartTime)
	})
	for i := 0; i < excess && i < len(finished); i++ {
		delete(t.invocations, finished[i].ID)
	}
}

// Get returns a snapshot of the invocation, or nil if unknown.
func (t *Tracker) Get(id string) *Invocation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inv, ok := t.invocations[id]
	if !ok {
		return nil
	}
	return inv.clone()
}

// List returns snapshots newest first. A state filter of "" matches all.
func (t *Tracker) List(state State, limit int) []*Invocation {
	t.mu.RLock()
	out := make([]*Invocation, 0, len(t.invocations))
	for _, inv := range t.invocations {
		if state != "" && inv.State != state {
			continue
		}
		out = append(out, inv.clone())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

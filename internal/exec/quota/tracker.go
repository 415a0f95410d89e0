// Package quota enforces per-session execution budgets: concurrent
// executions, admissions per time window, and cumulative sandbox CPU time.
package quota

import (
	"context"
	"sync"
	"time"

	"runlab/internal/exec/model"
	appErr "runlab/pkg/errors"
)

// Tracker admits or rejects executions against a session's quota.
//
// TryReserve and Reservation.Release are strictly balanced: every successful
// reservation is released exactly once, on every exit path of the execution
// it admitted. Release is idempotent.
type Tracker interface {
	// TryReserve atomically claims one execution slot, or fails without
	// side effects.
	TryReserve(ctx context.Context, sessionID string, q model.SessionQuota) (*Reservation, error)

	// AddCPUTime charges consumed sandbox CPU time against the session's
	// cumulative budget.
	AddCPUTime(ctx context.Context, sessionID string, ms int64) error

	// CPUTimeUsed reports the session's cumulative charged CPU time.
	CPUTimeUsed(ctx context.Context, sessionID string) (int64, error)
}

// Reservation is one admitted execution slot.
type Reservation struct {
	SessionID string

	once    sync.Once
	release func(ctx context.Context)
}

// Release returns the slot. Safe to call more than once; only the first
// call has effect.
func (r *Reservation) Release(ctx context.Context) {
	r.once.Do(func() { r.release(ctx) })
}

// windowBucket is the fixed-window index for the admission counter.
func windowBucket(now time.Time, window time.Duration) int64 {
	if window <= 0 {
		return 0
	}
	return now.UnixNano() / int64(window)
}

// MemoryTracker keeps quota state in process memory. Single-instance
// deployments and tests use it; clustered deployments use the redis tracker.
type MemoryTracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	now      func() time.Time
}

type sessionState struct {
	concurrent  int
	windowIndex int64
	windowCount int
	cpuMs       int64
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		sessions: make(map[string]*sessionState),
		now:      time.Now,
	}
}

func (t *MemoryTracker) TryReserve(ctx context.Context, sessionID string, q model.SessionQuota) (*Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.sessions[sessionID]
	if state == nil {
		state = &sessionState{}
		t.sessions[sessionID] = state
	}

	if q.MaxCPUTimeMs > 0 && state.cpuMs >= q.MaxCPUTimeMs {
		return nil, appErr.New(appErr.CPUBudgetExhausted).
			WithMessagef("session %s exhausted its cpu budget", sessionID)
	}
	if q.MaxConcurrent > 0 && state.concurrent >= q.MaxConcurrent {
		return nil, appErr.New(appErr.QuotaExceeded).
			WithMessagef("session %s is at its concurrency limit", sessionID)
	}
	if q.MaxPerWindow > 0 {
		bucket := windowBucket(t.now(), q.Window)
		if bucket != state.windowIndex {
			state.windowIndex = bucket
			state.windowCount = 0
		}
		if state.windowCount >= q.MaxPerWindow {
			return nil, appErr.New(appErr.QuotaWindowExceeded).
				WithMessagef("session %s exceeded its window quota", sessionID)
		}
		state.windowCount++
	}
	state.concurrent++

	return &Reservation{
		SessionID: sessionID,
		release: func(context.Context) {
			t.mu.Lock()
			defer t.mu.Unlock()
			if s := t.sessions[sessionID]; s != nil && s.concurrent > 0 {
				s.concurrent--
			}
		},
	}, nil
}

func (t *MemoryTracker) AddCPUTime(ctx context.Context, sessionID string, ms int64) error {
	if ms <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.sessions[sessionID]
	if state == nil {
		state = &sessionState{}
		t.sessions[sessionID] = state
	}
	state.cpuMs += ms
	return nil
}

func (t *MemoryTracker) CPUTimeUsed(ctx context.Context, sessionID string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state := t.sessions[sessionID]; state != nil {
		return state.cpuMs, nil
	}
	return 0, nil
}

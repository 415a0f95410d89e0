// Package pool maintains warm sandboxes per image and hands them out to
// executions with exclusive ownership. A sandbox is never given to two
// executions at once, and never reused without a successful reset.
package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"runlab/internal/exec/runtime"
	appErr "runlab/pkg/errors"
	"runlab/pkg/utils/logger"
)

const (
	defaultTargetSize        = 2
	defaultHardCap           = 8
	defaultResetGrace        = 5 * time.Second
	defaultAcquireTimeout    = 10 * time.Second
	defaultDegradedThreshold = 3
)

// Config tunes the pool. All sizes are per image.
type Config struct {
	// TargetSize is the warm sandbox count the pool replenishes toward.
	TargetSize int `yaml:"targetSize"`
	// HardCap bounds idle + in-use + warming sandboxes.
	HardCap int `yaml:"hardCap"`
	// MinReady is the pre-warm success floor below which Initialize fails.
	MinReady int `yaml:"minReady"`
	// ResetGrace bounds how long a reset may take before the sandbox is
	// destroyed instead.
	ResetGrace time.Duration `yaml:"resetGrace"`
	// AcquireTimeout is the default wait bound when the caller passes none.
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
	// DegradedThreshold is the consecutive reset-failure count that trips
	// the degraded-pool alert.
	DegradedThreshold int `yaml:"degradedThreshold"`
}

func (c Config) withDefaults() Config {
	if c.TargetSize <= 0 {
		c.TargetSize = defaultTargetSize
	}
	if c.HardCap <= 0 {
		c.HardCap = defaultHardCap
	}
	if c.HardCap < c.TargetSize {
		c.HardCap = c.TargetSize
	}
	if c.ResetGrace <= 0 {
		c.ResetGrace = defaultResetGrace
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = defaultDegradedThreshold
	}
	return c
}

// Stats is a point-in-time snapshot of one image pool.
type Stats struct {
	Idle    int
	InUse   int
	Warming int
}

// Total counts all live and in-flight sandboxes.
func (s Stats) Total() int { return s.Idle + s.InUse + s.Warming }

// Manager owns every sandbox in the process, partitioned per image.
type Manager struct {
	cfg Config
	rt  runtime.Runtime

	mu     sync.Mutex
	images map[string]*imagePool
	closed bool
}

type imagePool struct {
	image           string
	idle            []*Sandbox
	inUse           map[string]*Sandbox
	warming         int
	waiters         []chan *Sandbox
	resetFailStreak int
}

// NewManager creates a pool over the given runtime backend.
func NewManager(cfg Config, rt runtime.Runtime) *Manager {
	return &Manager{
		cfg:    cfg.withDefaults(),
		rt:     rt,
		images: make(map[string]*imagePool),
	}
}

func (m *Manager) pool(image string) *imagePool {
	p, ok := m.images[image]
	if !ok {
		p = &imagePool{image: image, inUse: make(map[string]*Sandbox)}
		m.images[image] = p
	}
	return p
}

// Initialize pre-warms the image pool toward targetSize. It fails with
// PoolInitError when fewer than MinReady sandboxes come up; partial success
// above that floor is logged as degraded and the pool keeps running.
func (m *Manager) Initialize(ctx context.Context, image string, targetSize int) error {
	if targetSize <= 0 {
		targetSize = m.cfg.TargetSize
	}
	if targetSize > m.cfg.HardCap {
		targetSize = m.cfg.HardCap
	}

	var wg sync.WaitGroup
	results := make([]error, targetSize)
	for i := 0; i < targetSize; i++ {
		if !m.beginWarming(image) {
			results[i] = appErr.New(appErr.PoolInitError).WithMessage("pool is closed or at capacity")
			continue
		}
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot] = m.finishWarming(ctx, image)
		}(i)
	}
	wg.Wait()

	ready := 0
	var lastErr error
	for _, err := range results {
		if err == nil {
			ready++
		} else {
			lastErr = err
		}
	}

	switch {
	case ready < m.cfg.MinReady:
		return appErr.Wrap(lastErr, appErr.PoolInitError).
			WithMessagef("image %s: %d of %d sandboxes ready, need %d", image, ready, targetSize, m.cfg.MinReady)
	case ready < targetSize:
		logger.Warn(ctx, "pool initialized degraded",
			zap.String("image", image), zap.Int("ready", ready), zap.Int("target", targetSize),
			zap.Error(lastErr))
	default:
		logger.Info(ctx, "pool initialized",
			zap.String("image", image), zap.Int("ready", ready))
	}
	return nil
}

// beginWarming claims one warming slot under the hard cap.
func (m *Manager) beginWarming(image string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	p := m.pool(image)
	if m.totalLocked(p) >= m.cfg.HardCap {
		return false
	}
	p.warming++
	return true
}

// finishWarming provisions the sandbox claimed by beginWarming and routes it
// to a waiter or the idle stack.
func (m *Manager) finishWarming(ctx context.Context, image string) error {
	handle, err := m.rt.Provision(ctx, image)

	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pool(image)
	p.warming--
	if err != nil {
		return appErr.Wrap(err, appErr.PoolInitError).WithMessagef("provision sandbox for image %s", image)
	}

	sb := &Sandbox{
		ID:        handle.ID,
		Image:     image,
		State:     StateIdle,
		CreatedAt: time.Now(),
		Handle:    handle,
	}
	if m.closed {
		go m.destroySandbox(sb)
		return appErr.New(appErr.PoolClosed).WithMessage("pool closed during warm-up")
	}
	m.routeLocked(p, sb)
	return nil
}

func (m *Manager) totalLocked(p *imagePool) int {
	return len(p.idle) + len(p.inUse) + p.warming
}

// routeLocked hands an idle sandbox to the oldest waiter, or stacks it.
func (m *Manager) routeLocked(p *imagePool, sb *Sandbox) {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		sb.State = StateInUse
		sb.UseCount++
		p.inUse[sb.ID] = sb
		select {
		case w <- sb:
			return
		default:
			// Waiter gave up; undo the checkout and try the next one.
			delete(p.inUse, sb.ID)
			sb.State = StateIdle
			sb.UseCount--
		}
	}
	sb.State = StateIdle
	p.idle = append(p.idle, sb)
}

// Acquire checks out an exclusive sandbox: idle first, then an on-demand
// create while under the hard cap, otherwise it waits for a release until
// the timeout (AcquireTimeout error).
func (m *Manager) Acquire(ctx context.Context, image string, timeout time.Duration) (*Sandbox, error) {
	if timeout <= 0 {
		timeout = m.cfg.AcquireTimeout
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, appErr.New(appErr.PoolClosed).WithMessage("pool is shut down")
	}
	p := m.pool(image)

	if n := len(p.idle); n > 0 {
		sb := p.idle[n-1]
		p.idle = p.idle[:n-1]
		sb.State = StateInUse
		sb.UseCount++
		p.inUse[sb.ID] = sb
		m.mu.Unlock()
		return sb, nil
	}

	if m.totalLocked(p) < m.cfg.HardCap {
		p.warming++
		m.mu.Unlock()
		return m.acquireOnDemand(ctx, image)
	}

	w := make(chan *Sandbox, 1)
	p.waiters = append(p.waiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case sb := <-w:
		if sb == nil {
			return nil, appErr.New(appErr.PoolClosed).WithMessage("pool is shut down")
		}
		return sb, nil
	case <-timer.C:
		m.abandonWaiter(image, w)
		return nil, appErr.New(appErr.AcquireTimeout).
			WithMessagef("no sandbox for image %s within %s", image, timeout)
	case <-ctx.Done():
		m.abandonWaiter(image, w)
		return nil, appErr.Wrap(ctx.Err(), appErr.AcquireTimeout).
			WithMessagef("acquire for image %s cancelled", image)
	}
}

func (m *Manager) acquireOnDemand(ctx context.Context, image string) (*Sandbox, error) {
	handle, err := m.rt.Provision(ctx, image)

	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pool(image)
	p.warming--
	if err != nil {
		return nil, appErr.Wrap(err, appErr.SandboxProvisionErr).
			WithMessagef("on-demand sandbox for image %s", image)
	}

	sb := &Sandbox{
		ID:        handle.ID,
		Image:     image,
		State:     StateInUse,
		CreatedAt: time.Now(),
		UseCount:  1,
		Handle:    handle,
	}
	if m.closed {
		go m.destroySandbox(sb)
		return nil, appErr.New(appErr.PoolClosed).WithMessage("pool is shut down")
	}
	p.inUse[sb.ID] = sb
	return sb, nil
}

// abandonWaiter removes a timed-out waiter; a sandbox raced into its buffer
// is routed back rather than leaked.
func (m *Manager) abandonWaiter(image string, w chan *Sandbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pool(image)
	for i, candidate := range p.waiters {
		if candidate == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	select {
	case sb := <-w:
		if sb != nil {
			delete(p.inUse, sb.ID)
			sb.UseCount--
			m.routeLocked(p, sb)
		}
	default:
	}
}

// Release returns a used sandbox. It is reset first; only a sandbox that
// reset cleanly within ResetGrace goes back to idle, anything else is
// destroyed and replaced.
func (m *Manager) Release(ctx context.Context, sb *Sandbox) {
	m.mu.Lock()
	p := m.pool(sb.Image)
	if _, ok := p.inUse[sb.ID]; !ok {
		m.mu.Unlock()
		logger.Warn(ctx, "release of sandbox not in use ignored",
			zap.String("sandbox_id", sb.ID), zap.String("state", string(sb.State)))
		return
	}
	sb.State = StateDraining
	m.mu.Unlock()

	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ResetGrace)
	err := m.rt.Reset(resetCtx, sb.Handle)
	cancel()

	m.mu.Lock()
	delete(p.inUse, sb.ID)
	if err != nil {
		p.resetFailStreak++
		streak := p.resetFailStreak
		m.mu.Unlock()

		logger.Error(ctx, "sandbox reset failed, destroying",
			zap.String("sandbox_id", sb.ID), zap.String("image", sb.Image), zap.Error(err))
		if streak >= m.cfg.DegradedThreshold {
			logger.Error(ctx, "pool degraded: consecutive reset failures",
				zap.String("image", sb.Image), zap.Int("streak", streak))
		}
		m.destroyAndReplenish(sb)
		return
	}
	p.resetFailStreak = 0
	if m.closed {
		m.mu.Unlock()
		m.destroySandbox(sb)
		return
	}
	m.routeLocked(p, sb)
	m.mu.Unlock()
}

// Destroy force-removes a sandbox and replenishes toward the warm target.
// Safe to call for a sandbox that is already gone.
func (m *Manager) Destroy(ctx context.Context, sb *Sandbox) {
	m.mu.Lock()
	p := m.pool(sb.Image)
	if sb.State == StateDestroyed {
		m.mu.Unlock()
		return
	}
	delete(p.inUse, sb.ID)
	for i, idle := range p.idle {
		if idle.ID == sb.ID {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.destroyAndReplenish(sb)
}

func (m *Manager) destroyAndReplenish(sb *Sandbox) {
	m.destroySandbox(sb)
	go m.replenish(sb.Image)
}

func (m *Manager) destroySandbox(sb *Sandbox) {
	m.mu.Lock()
	sb.State = StateDestroyed
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ResetGrace)
	defer cancel()
	if err := m.rt.Destroy(ctx, sb.Handle); err != nil {
		logger.Warn(ctx, "sandbox destroy failed",
			zap.String("sandbox_id", sb.ID), zap.Error(err))
	}
}

// replenish provisions one replacement while below the warm target.
func (m *Manager) replenish(image string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	p := m.pool(image)
	if m.totalLocked(p) >= m.cfg.TargetSize || m.totalLocked(p) >= m.cfg.HardCap {
		m.mu.Unlock()
		return
	}
	p.warming++
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultAcquireTimeout)
	defer cancel()
	if err := m.finishWarming(ctx, image); err != nil {
		logger.Warn(ctx, "pool replenish failed",
			zap.String("image", image), zap.Error(err))
	}
}

// StatsFor snapshots one image pool.
func (m *Manager) StatsFor(image string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pool(image)
	return Stats{Idle: len(p.idle), InUse: len(p.inUse), Warming: p.warming}
}

// Close drains the pool: acquires start failing with PoolClosed, waiters are
// woken, idle sandboxes are destroyed, and in-use sandboxes get until ctx
// expiry to come back.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var idle []*Sandbox
	for _, p := range m.images {
		idle = append(idle, p.idle...)
		p.idle = nil
		for _, w := range p.waiters {
			close(w)
		}
		p.waiters = nil
	}
	m.mu.Unlock()

	for _, sb := range idle {
		m.destroySandbox(sb)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		busy := 0
		for _, p := range m.images {
			busy += len(p.inUse) + p.warming
		}
		m.mu.Unlock()
		if busy == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return appErr.Wrap(ctx.Err(), appErr.PoolClosed).
				WithMessagef("%d sandboxes still busy at shutdown", busy)
		case <-ticker.C:
		}
	}
}

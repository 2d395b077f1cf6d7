package hearth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// AppState is the host application's lifecycle state as reported by the
// platform.
type AppState int32

const (
	StateForeground AppState = iota
	StateBackground
)

// SyncResource is one cache partition the scheduler keeps warm. Refresh
// should be a forced fetch through the same path normal reads use, e.g.
// ForceFetch, so scheduled and on-demand reads share one fetch function.
type SyncResource struct {
	Name     string
	Interval time.Duration
	Refresh  func(ctx context.Context) error
}

// Syncer drives periodic and lifecycle-triggered refreshes of a fixed set
// of resources. Ticks are skipped outright while the app is backgrounded;
// there is no queuing or catch-up.
type Syncer struct {
	resources      []SyncResource
	staleThreshold time.Duration
	logger         *zap.Logger

	state      atomic.Int32
	lastGlobal atomic.Time
	lastRun    sync.Map

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSyncer creates a scheduler for the given resources. Resources without
// an interval inherit the configured default. The app is assumed to start
// foregrounded.
func (h *Hearth) NewSyncer(resources []SyncResource) *Syncer {
	rs := make([]SyncResource, len(resources))
	copy(rs, resources)
	for i := range rs {
		if rs[i].Interval <= 0 {
			rs[i].Interval = h.cfg.SyncInterval
		}
	}

	return &Syncer{
		resources:      rs,
		staleThreshold: h.cfg.StaleThreshold,
		logger:         h.logger,
	}
}

// Start launches one repeating timer per resource and, if the app is
// foregrounded, refreshes everything once immediately. Calling Start on a
// running Syncer is a no-op.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()

	if AppState(s.state.Load()) == StateForeground {
		s.refreshAll(ctx)
	}

	for _, res := range s.resources {
		s.wg.Add(1)
		go s.run(ctx, res)
	}
}

// SetAppState records a lifecycle transition. Returning to the foreground
// after more than the stale threshold refreshes every resource; a quicker
// return leaves the cache alone. State is recorded even while stopped, but
// a stopped Syncer never refreshes.
func (s *Syncer) SetAppState(ctx context.Context, state AppState) {
	prev := AppState(s.state.Swap(int32(state)))
	if prev != StateBackground || state != StateForeground {
		return
	}
	if !s.running() {
		return
	}

	if time.Since(s.lastGlobal.Load()) > s.staleThreshold {
		s.logger.Info("Cache stale after background, refreshing all resources")
		s.refreshAll(ctx)
	}
}

// ForceRefreshAll refreshes every resource immediately, bypassing both the
// timer cadence and the staleness check. Meant for explicit pull-to-refresh.
// A no-op while the Syncer is stopped.
func (s *Syncer) ForceRefreshAll(ctx context.Context) {
	if !s.running() {
		return
	}
	s.refreshAll(ctx)
}

func (s *Syncer) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// LastRun reports when a resource last refreshed, if it ever has.
func (s *Syncer) LastRun(name string) (time.Time, bool) {
	v, ok := s.lastRun.Load(name)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// Stop cancels all timers. Subsequent calls are safe no-ops.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.started = false
}

func (s *Syncer) run(ctx context.Context, res SyncResource) {
	defer s.wg.Done()

	ticker := time.NewTicker(res.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if AppState(s.state.Load()) == StateBackground {
				continue
			}
			s.refresh(ctx, res)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Syncer) refreshAll(ctx context.Context) {
	for _, res := range s.resources {
		s.refresh(ctx, res)
	}
	s.lastGlobal.Store(time.Now())
}

// refresh runs one resource's refresh action. Failures are logged and
// isolated; they never stop the other resources' timers.
func (s *Syncer) refresh(ctx context.Context, res SyncResource) {
	if err := res.Refresh(ctx); err != nil {
		s.logger.Warn("Resource refresh failed", zap.String("resource", res.Name), zap.Error(err))
		return
	}
	s.lastRun.Store(res.Name, time.Now())
}

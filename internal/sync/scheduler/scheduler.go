// Package scheduler provides background sync scheduling for queued operations.
package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/errors"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/logging"
	syncpkg "github.com/Zozz7777/Clutchplatform-sub014/internal/sync"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine         syncpkg.SyncEngineInterface
	syncInterval   time.Duration
	probeInterval  time.Duration
	syncTimeout    time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	mu             sync.RWMutex
	isRunning      bool
	stopped        bool
	lastSyncTime   time.Time
	lastResult     *syncpkg.SyncResult
	lastErr        error
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to sync when online (default: 5 minutes)
	ProbeInterval time.Duration // How often to retry while offline (default: 1 minute)
	SyncTimeout   time.Duration // Upper bound for one sync cycle (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  5 * time.Minute,
		ProbeInterval: 1 * time.Minute,
		SyncTimeout:   5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	s := &Scheduler{
		engine:        engine,
		syncInterval:  config.SyncInterval,
		probeInterval: config.ProbeInterval,
		syncTimeout:   config.SyncTimeout,
		stopCh:        make(chan struct{}),
	}
	if s.syncInterval <= 0 {
		s.syncInterval = defaults.SyncInterval
	}
	if s.probeInterval <= 0 {
		s.probeInterval = defaults.ProbeInterval
	}
	if s.syncTimeout <= 0 {
		s.syncTimeout = defaults.SyncTimeout
	}
	return s
}

// Start starts the background sync scheduler. A stopped scheduler cannot be
// restarted.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning || s.stopped {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)

	// Start periodic sync goroutine
	go s.periodicSyncLoop(ctx)

	// Start offline probe goroutine
	go s.probeLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_minutes": s.syncInterval.Minutes(),
	})
}

// Stop stops the background sync scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.stopped = true
	s.mu.Unlock()

	// Signal stop to all goroutines
	close(s.stopCh)

	// Wait for goroutines to finish
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// periodicSyncLoop runs a full sync every interval while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runSync(ctx, "periodic")
		}
	}
}

// probeLoop retries sync while the engine considers itself offline, so a
// device without a real-time channel still notices the server coming back.
func (s *Scheduler) probeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.IsOnline() {
				continue
			}
			s.runSync(ctx, "probe")
		}
	}
}

// begin marks a sync as in progress. It returns false if one already is.
func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncInProgress {
		return false
	}
	s.syncInProgress = true
	return true
}

func (s *Scheduler) end(result *syncpkg.SyncResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncInProgress = false
	s.lastResult = result
	s.lastErr = err
	if err == nil {
		s.lastSyncTime = time.Now()
	}
}

// runSync executes a sync operation and logs its outcome.
func (s *Scheduler) runSync(ctx context.Context, trigger string) {
	if !s.begin() {
		logging.Debug("Sync already in progress, skipping", map[string]interface{}{"trigger": trigger})
		return
	}
	s.execute(ctx, trigger)
}

// execute runs one sync cycle. The caller must have called begin.
func (s *Scheduler) execute(ctx context.Context, trigger string) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	s.end(result, err)

	switch {
	case err == nil:
		logging.Info("Sync completed", map[string]interface{}{
			"trigger":  trigger,
			"pushed":   result.Flush.Pushed,
			"resolved": result.Flush.Resolved,
			"failed":   result.Flush.Failed,
			"pulled":   result.Pull.Applied,
		})
	case stderrors.Is(err, syncpkg.ErrSyncInProgress):
		logging.Debug("Engine busy, sync skipped", map[string]interface{}{"trigger": trigger})
	case !s.IsOnline():
		logging.Warn("Sync deferred, server unreachable", map[string]interface{}{
			"trigger": trigger,
			"error":   err.Error(),
		})
	default:
		logging.ErrorWithCode("Sync failed", string(errors.ErrSyncFailed), err, map[string]interface{}{
			"trigger":          trigger,
			"interval_minutes": s.syncInterval.Minutes(),
		})
	}
}

// TriggerSync triggers an immediate sync operation.
// Returns true if sync was started, false if sync is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.begin() {
		return false
	}
	go s.execute(ctx, "manual")
	return true
}

// SyncNow runs a sync and waits for it to complete.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if !s.begin() {
		return nil, syncpkg.ErrSyncInProgress
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	s.end(result, err)
	if err != nil {
		return result, err
	}

	logging.Info("Manual sync completed", map[string]interface{}{
		"pushed": result.Flush.Pushed,
		"pulled": result.Pull.Applied,
	})
	return result, nil
}

// SchedulerStatus reports the scheduler's current state.
type SchedulerStatus struct {
	IsRunning      bool                `json:"is_running"`
	IsOnline       bool                `json:"is_online"`
	LastSyncTime   *time.Time          `json:"last_sync_time,omitempty"`
	SyncInProgress bool                `json:"sync_in_progress"`
	LastResult     *syncpkg.SyncResult `json:"last_result,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	online := s.IsOnline()

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       online,
		SyncInProgress: s.syncInProgress,
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// IsOnline reports the engine's view of connectivity.
func (s *Scheduler) IsOnline() bool {
	return s.engine.IsOnline()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

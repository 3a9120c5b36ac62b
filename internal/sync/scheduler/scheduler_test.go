// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	syncpkg "github.com/Zozz7777/Clutchplatform-sub014/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeEngine counts Sync calls and reports a configurable online state.
type fakeEngine struct {
	calls   atomic.Int32
	online  atomic.Bool
	mu      sync.Mutex
	err     error
	release chan struct{}
}

func newFakeEngine() *fakeEngine {
	e := &fakeEngine{}
	e.online.Store(true)
	return e
}

func (e *fakeEngine) Sync(ctx context.Context) (*syncpkg.SyncResult, error) {
	e.calls.Add(1)
	e.mu.Lock()
	release, err := e.release, e.err
	e.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return &syncpkg.SyncResult{}, ctx.Err()
		}
	}
	res := &syncpkg.SyncResult{Flush: syncpkg.FlushResult{Pushed: 1}}
	if err != nil {
		res.Error = err.Error()
	}
	return res, err
}

func (e *fakeEngine) IsOnline() bool { return e.online.Load() }

func createTestScheduler(t *testing.T) (*fakeEngine, *Scheduler) {
	t.Helper()
	engine := newFakeEngine()
	scheduler := NewScheduler(engine, &SchedulerConfig{
		SyncInterval:  20 * time.Millisecond,
		ProbeInterval: 20 * time.Millisecond,
		SyncTimeout:   time.Second,
	})
	t.Cleanup(scheduler.Stop)
	return engine, scheduler
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =====================================================
// Construction Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.SyncInterval != 5*time.Minute {
		t.Errorf("SyncInterval = %v, want 5m", config.SyncInterval)
	}
	if config.ProbeInterval != time.Minute {
		t.Errorf("ProbeInterval = %v, want 1m", config.ProbeInterval)
	}
	if config.SyncTimeout != 5*time.Minute {
		t.Errorf("SyncTimeout = %v, want 5m", config.SyncTimeout)
	}
}

// TestNewScheduler_defaults verifies zero and nil configs fall back to defaults.
func TestNewScheduler_defaults(t *testing.T) {
	for name, cfg := range map[string]*SchedulerConfig{"nil": nil, "zero": {}} {
		t.Run(name, func(t *testing.T) {
			s := NewScheduler(newFakeEngine(), cfg)
			if s.syncInterval != 5*time.Minute || s.probeInterval != time.Minute || s.syncTimeout != 5*time.Minute {
				t.Errorf("intervals = %v/%v/%v", s.syncInterval, s.probeInterval, s.syncTimeout)
			}
		})
	}
}

// =====================================================
// Start/Stop Tests
// =====================================================

// TestScheduler_StartStop verifies lifecycle flags and idempotence.
func TestScheduler_StartStop(t *testing.T) {
	_, s := createTestScheduler(t)
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx)
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}

	s.Start(ctx)
	if s.IsRunning() {
		t.Error("stopped scheduler restarted")
	}
}

// TestScheduler_Stop_withoutStart verifies Stop on an idle scheduler.
func TestScheduler_Stop_withoutStart(t *testing.T) {
	_, s := createTestScheduler(t)
	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true")
	}
}

// =====================================================
// Loop Tests
// =====================================================

// TestScheduler_periodicSync verifies the ticker drives Sync while online.
func TestScheduler_periodicSync(t *testing.T) {
	engine, s := createTestScheduler(t)
	s.Start(context.Background())

	eventually(t, "periodic sync", func() bool { return engine.calls.Load() >= 2 })

	st := s.GetStatus()
	if st.LastSyncTime == nil || st.LastResult == nil || st.LastError != "" {
		t.Errorf("status = %+v", st)
	}
}

// TestScheduler_offlineProbe verifies syncs continue at the probe interval
// while offline, and the periodic loop stays quiet.
func TestScheduler_offlineProbe(t *testing.T) {
	engine, s := createTestScheduler(t)
	engine.online.Store(false)
	engine.mu.Lock()
	engine.err = errors.New("server unreachable")
	engine.mu.Unlock()

	s.Start(context.Background())
	eventually(t, "probe sync", func() bool { return engine.calls.Load() >= 1 })

	st := s.GetStatus()
	if st.IsOnline {
		t.Error("IsOnline should follow the engine")
	}
	if st.LastSyncTime != nil {
		t.Error("failed sync recorded as last sync")
	}
	eventually(t, "last error", func() bool { return s.GetStatus().LastError != "" })
}

// TestScheduler_contextCancellation verifies loops exit when ctx ends.
func TestScheduler_contextCancellation(t *testing.T) {
	_, s := createTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loops did not exit on cancellation")
	}
}

// =====================================================
// Manual Trigger Tests
// =====================================================

// TestScheduler_TriggerSync verifies a trigger is refused while one runs.
func TestScheduler_TriggerSync(t *testing.T) {
	engine, s := createTestScheduler(t)
	engine.release = make(chan struct{})

	if !s.TriggerSync(context.Background()) {
		t.Fatal("first TriggerSync() = false")
	}
	eventually(t, "sync started", func() bool { return engine.calls.Load() == 1 })

	if s.TriggerSync(context.Background()) {
		t.Error("second TriggerSync() should be refused")
	}
	if _, err := s.SyncNow(context.Background()); !errors.Is(err, syncpkg.ErrSyncInProgress) {
		t.Errorf("SyncNow() during sync = %v", err)
	}
	if !s.GetStatus().SyncInProgress {
		t.Error("SyncInProgress = false")
	}

	close(engine.release)
	eventually(t, "sync finished", func() bool { return !s.GetStatus().SyncInProgress })
}

// TestScheduler_SyncNow verifies a blocking sync returns the engine result.
func TestScheduler_SyncNow(t *testing.T) {
	engine, s := createTestScheduler(t)

	res, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if res.Flush.Pushed != 1 || engine.calls.Load() != 1 {
		t.Errorf("result = %+v, calls = %d", res, engine.calls.Load())
	}

	engine.mu.Lock()
	engine.err = errors.New("rejected")
	engine.mu.Unlock()
	if _, err := s.SyncNow(context.Background()); err == nil {
		t.Error("SyncNow() should surface engine errors")
	}
	if s.GetStatus().LastError != "rejected" {
		t.Errorf("LastError = %q", s.GetStatus().LastError)
	}
}

// TestScheduler_concurrentAccess verifies status reads race-free with syncs.
func TestScheduler_concurrentAccess(t *testing.T) {
	_, s := createTestScheduler(t)
	s.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.GetStatus()
				s.IsRunning()
				s.TriggerSync(context.Background())
			}
		}()
	}
	wg.Wait()
}

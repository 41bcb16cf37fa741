package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/fleetbeat/internal/device"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// Registry is the part of device.Registry the sweeper needs.
type Registry interface {
	RetryPending(ctx context.Context) error
	Expired(cutoff time.Time) []device.Expiry
	MarkOffline(ctx context.Context, id, reason string, observedHeartbeat time.Time) (bool, error)
}

// Logger defines the logging interface used by the Sweeper.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds sweeper settings.
type Config struct {
	// Interval is how often a sweep runs. Default: 5s.
	Interval time.Duration

	// Timeout is how long an ONLINE device may go without a heartbeat.
	// Default: 10s.
	Timeout time.Duration

	// Now is the time source. Default: time.Now.
	Now func() time.Time
}

// Result summarises one sweep.
type Result struct {
	Expired     int
	MarkedOff   int
	WriteErrors int
}

// Sweeper periodically marks stale devices OFFLINE.
type Sweeper struct {
	registry Registry
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   Logger

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a sweeper over registry.
//
// Parameters:
//   - registry: Usually a *device.Registry
//   - cfg: Interval, timeout and clock; zero fields take defaults
//
// Returns:
//   - *Sweeper: Ready to start (call Start to begin sweeping)
func New(registry Registry, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Sweeper{
		registry: registry,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		now:      cfg.Now,
		logger:   noopLogger{},
		done:     make(chan struct{}),
	}
}

// SetLogger sets the logger for the sweeper.
func (s *Sweeper) SetLogger(logger Logger) {
	s.logger = logger
}

// Start begins periodic sweeping in a background goroutine.
// It stops when ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Run sweeps until ctx is cancelled or Stop is called. It blocks, which
// suits an errgroup.
func (s *Sweeper) Run(ctx context.Context) error {
	s.Start(ctx)
	select {
	case <-ctx.Done():
	case <-s.done:
	}
	s.wg.Wait()
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
// Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("liveness sweeper started", "interval", s.interval, "timeout", s.timeout)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("liveness sweeper stopped")
			return
		case <-s.done:
			s.logger.Info("liveness sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass synchronously and reports what it did.
//
// Every expired entry taken from the registry is processed even if ctx is
// cancelled part way, since Expired has already consumed it. The state
// change is in memory; a write that fails is queued for the next pass.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	var res Result

	if err := s.registry.RetryPending(ctx); err != nil {
		s.logger.Warn("retrying pending device writes failed", "error", err)
	}

	cutoff := s.now().Add(-s.timeout)
	expired := s.registry.Expired(cutoff)
	res.Expired = len(expired)

	for _, e := range expired {
		changed, err := s.registry.MarkOffline(ctx, e.ID, device.ReasonHeartbeatTimeout, e.LastHeartbeatAt)
		if changed {
			res.MarkedOff++
		}
		if err != nil {
			res.WriteErrors++
			s.logger.Warn("offline transition not persisted, will retry", "device_id", e.ID, "error", err)
		}
	}

	if res.Expired > 0 {
		s.logger.Debug("liveness sweep complete",
			"expired", res.Expired, "marked_offline", res.MarkedOff, "write_errors", res.WriteErrors)
	}
	return res
}

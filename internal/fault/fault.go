// Package fault is the Fault Controller of spec.md §4.6: the periodic
// worker pinger (3 consecutive failures removes a worker), the no-workers
// timeout, and the self-watchdog that shuts the coordinator down if it
// isn't poked often enough. Grounded on start_worker_pinger/
// stop_worker_pinger/remove_worker/start_watchdog in master.cpp, restated
// as goroutines synchronized with context.Context cancellation the way the
// teacher's own long-lived background loops are (client/client.go-style
// run loops), and paced with the teacher's go.mod rate limiter.
package fault

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"
)

// Config bundles the tunables spec.md §6 exposes for the fault layer.
type Config struct {
	PingInterval       time.Duration
	PingTimeout        time.Duration
	PingFailuresToDrop int
	NoWorkersTimeout   time.Duration
	WatchdogTimeout    time.Duration
	PingFanoutRate     float64 // pings/sec, bounds broadcast burst on large clusters
}

// DefaultConfig matches spec.md §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:       5 * time.Second,
		PingTimeout:        2 * time.Second,
		PingFailuresToDrop: 3,
		NoWorkersTimeout:   2 * time.Minute,
		WatchdogTimeout:    5 * time.Minute,
		PingFanoutRate:     50,
	}
}

// Pinger periodically pings every active worker known to WorkerSource and
// reports dead ones to onDead, exactly once per removal, with the ping
// fan-out itself rate-limited so a large cluster doesn't burst-dial all at
// once (spec.md §5's concurrency-control note).
type Pinger struct {
	cfg     Config
	log     hclog.Logger
	workers WorkerSource
	limiter *rate.Limiter

	onDead func(nodeID int)
}

// WorkerSource is the subset of registry.Registry the pinger needs.
type WorkerSource interface {
	ActiveNodeIDs() []int
	Ping(nodeID int, timeout time.Duration) error
	RecordFailedPing(nodeID int) (int, error)
	ResetFailedPings(nodeID int) error
}

// NewPinger constructs a Pinger; onDead is invoked (from the pinger's own
// goroutine) once a worker crosses cfg.PingFailuresToDrop.
func NewPinger(cfg Config, log hclog.Logger, workers WorkerSource, onDead func(nodeID int)) *Pinger {
	return &Pinger{
		cfg: cfg, log: log.Named("pinger"), workers: workers,
		limiter: rate.NewLimiter(rate.Limit(cfg.PingFanoutRate), int(cfg.PingFanoutRate)+1),
		onDead:  onDead,
	}
}

// Run blocks, pinging every active worker once per cfg.PingInterval, until
// ctx is cancelled. Intended to be launched as its own goroutine, one per
// coordinator process, matching start_worker_pinger's single background
// thread.
func (p *Pinger) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pingRound(ctx)
		}
	}
}

// PingAll runs one immediate ping fan-out across every active worker,
// outside the regular interval, for PokeWatchdog's "also pings all active
// workers" behavior (spec.md §6).
func (p *Pinger) PingAll(ctx context.Context) {
	p.pingRound(ctx)
}

func (p *Pinger) pingRound(ctx context.Context) {
	var wg sync.WaitGroup
	for _, nodeID := range p.workers.ActiveNodeIDs() {
		nodeID := nodeID
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.pingOne(nodeID)
		}()
	}
	wg.Wait()
}

func (p *Pinger) pingOne(nodeID int) {
	err := p.workers.Ping(nodeID, p.cfg.PingTimeout)
	if err == nil {
		if rerr := p.workers.ResetFailedPings(nodeID); rerr != nil {
			p.log.Warn("reset failed-ping counter", "node", nodeID, "error", rerr)
		}
		return
	}
	failures, rerr := p.workers.RecordFailedPing(nodeID)
	if rerr != nil {
		p.log.Warn("record failed ping", "node", nodeID, "error", rerr)
		return
	}
	p.log.Debug("ping failed", "node", nodeID, "consecutive_failures", failures, "error", err)
	if failures >= p.cfg.PingFailuresToDrop {
		p.log.Warn("worker failed too many consecutive pings, removing", "node", nodeID, "failures", failures)
		p.onDead(nodeID)
	}
}

// NoWorkersTimer fires onTimeout if a bulk job has zero outstanding tasks
// assigned to any worker for longer than cfg.NoWorkersTimeout, matching
// master.cpp's "no workers connected" stall detector.
type NoWorkersTimer struct {
	cfg       Config
	log       hclog.Logger
	hasWork   func() bool
	onTimeout func()

	mu      sync.Mutex
	timer   *time.Timer
	running bool
}

// NewNoWorkersTimer constructs the timer; hasWork reports whether any
// worker currently holds outstanding work for the job being watched.
func NewNoWorkersTimer(cfg Config, log hclog.Logger, hasWork func() bool, onTimeout func()) *NoWorkersTimer {
	return &NoWorkersTimer{cfg: cfg, log: log.Named("no_workers_timer"), hasWork: hasWork, onTimeout: onTimeout}
}

// Poll is called on every NextWork/FinishedWork cycle; it arms the timer
// the moment no worker holds outstanding work, and disarms it the moment
// one does.
func (t *NoWorkersTimer) Poll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasWork() {
		if t.running {
			t.timer.Stop()
			t.running = false
		}
		return
	}
	if t.running {
		return
	}
	t.running = true
	t.timer = time.AfterFunc(t.cfg.NoWorkersTimeout, func() {
		t.log.Warn("no workers held outstanding work for the configured timeout, failing job")
		t.onTimeout()
	})
}

// Stop cancels any pending timer, called once the job finishes normally.
func (t *NoWorkersTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.timer.Stop()
		t.running = false
	}
}

// Watchdog is the coordinator's own liveness self-check: some external
// supervision loop (or the job driver itself) is expected to call Poke
// periodically; if cfg.WatchdogTimeout elapses without a poke, onExpire
// runs, which in production triggers an orderly shutdown broadcast to every
// worker (spec.md §4.6), matching start_watchdog in master.cpp.
type Watchdog struct {
	cfg     Config
	log     hclog.Logger
	onExpire func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewWatchdog constructs and arms a Watchdog.
func NewWatchdog(cfg Config, log hclog.Logger, onExpire func()) *Watchdog {
	w := &Watchdog{cfg: cfg, log: log.Named("watchdog"), onExpire: onExpire}
	w.timer = time.AfterFunc(cfg.WatchdogTimeout, w.expire)
	return w
}

func (w *Watchdog) expire() {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}
	w.log.Error("watchdog timeout elapsed without a poke, shutting down")
	w.onExpire()
}

// Poke resets the watchdog's deadline, per PokeWatchdog in spec.md §6.
func (w *Watchdog) Poke() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.timer.Reset(w.cfg.WatchdogTimeout)
}

// Stop disarms the watchdog permanently, on orderly Shutdown.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}

package fault

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
	"go.uber.org/goleak"
)

type fakeWorkers struct {
	mu       sync.Mutex
	active   []int
	failWith map[int]error
	pingCount map[int]int
}

func (f *fakeWorkers) ActiveNodeIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.active...)
}

func (f *fakeWorkers) Ping(nodeID int, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingCount[nodeID]++
	return f.failWith[nodeID]
}

func (f *fakeWorkers) RecordFailedPing(nodeID int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingCount[nodeID], nil
}

func (f *fakeWorkers) ResetFailedPings(nodeID int) error { return nil }

func TestPingerRemovesWorkerAfterThreshold(t *testing.T) {
	defer goleak.VerifyNone(t)

	workers := &fakeWorkers{active: []int{1}, failWith: map[int]error{1: errPingFailed}, pingCount: map[int]int{}}
	removed := make(chan int, 1)

	cfg := DefaultConfig()
	cfg.PingInterval = 5 * time.Millisecond
	cfg.PingFailuresToDrop = 3
	cfg.PingFanoutRate = 1000

	p := NewPinger(cfg, hclog.NewNullLogger(), workers, func(nodeID int) {
		removed <- nodeID
	})

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	select {
	case nodeID := <-removed:
		must.Eq(t, 1, nodeID)
	case <-time.After(2 * time.Second):
		t.Fatal("worker was never removed")
	}
	cancel()
	time.Sleep(10 * time.Millisecond)
}

func TestNoWorkersTimerFiresWhenIdle(t *testing.T) {
	defer goleak.VerifyNone(t)

	hasWork := false
	fired := make(chan struct{})
	cfg := DefaultConfig()
	cfg.NoWorkersTimeout = 10 * time.Millisecond

	timer := NewNoWorkersTimer(cfg, hclog.NewNullLogger(), func() bool { return hasWork }, func() {
		close(fired)
	})
	timer.Poll()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("no-workers timeout never fired")
	}
	timer.Stop()
}

func TestNoWorkersTimerDisarmsWhenBusy(t *testing.T) {
	defer goleak.VerifyNone(t)

	hasWork := true
	cfg := DefaultConfig()
	cfg.NoWorkersTimeout = 10 * time.Millisecond
	timer := NewNoWorkersTimer(cfg, hclog.NewNullLogger(), func() bool { return hasWork }, func() {
		t.Fatal("timeout should not fire while work is outstanding")
	})
	timer.Poll()
	time.Sleep(30 * time.Millisecond)
	timer.Stop()
}

func TestWatchdogPokeResetsDeadline(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.WatchdogTimeout = 30 * time.Millisecond
	expired := make(chan struct{})
	wd := NewWatchdog(cfg, hclog.NewNullLogger(), func() { close(expired) })

	wd.Poke()
	time.Sleep(20 * time.Millisecond)
	wd.Poke()
	time.Sleep(20 * time.Millisecond)

	select {
	case <-expired:
		t.Fatal("watchdog fired despite being poked")
	default:
	}
	wd.Stop()
}

var errPingFailed = &pingError{}

type pingError struct{}

func (*pingError) Error() string { return "ping failed" }

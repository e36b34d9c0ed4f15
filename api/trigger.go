/*
trigger.go - Periodic gift scheduler trigger

PURPOSE:
  Calls gifts.Scheduler.RunDue on a ticker so scheduled gifts go out
  without an operator pressing a button. The trigger holds no firing
  state: every decision comes from the persisted watermarks, so the
  trigger, the admin endpoint and the CLI may all run at once.

DESIGN:
  - One background goroutine with a configurable interval
  - Runs once immediately on Start
  - Remembers the last result for the status endpoint

USAGE:
  trigger := NewGiftTrigger(scheduler, clock, time.Minute)
  trigger.Start()
  // ... later
  trigger.Stop()

SEE ALSO:
  - gifts/gifts.go: RunDue
  - handlers_admin.go: RunGifts endpoint (manual run)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/gifts"
	"github.com/warp/progress-engine/logging"
)

// GiftTrigger runs due gift occurrences periodically.
type GiftTrigger struct {
	Scheduler *gifts.Scheduler
	Clock     core.Clock
	Interval  time.Duration

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
	last    *gifts.RunResult
	log     *logging.Logger
}

// NewGiftTrigger creates a trigger. An interval of 0 leaves it disabled.
func NewGiftTrigger(scheduler *gifts.Scheduler, clock core.Clock, interval time.Duration) *GiftTrigger {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &GiftTrigger{
		Scheduler: scheduler,
		Clock:     clock,
		Interval:  interval,
		log:       logging.New("Trigger"),
	}
}

func (t *GiftTrigger) Enabled() bool { return t.Interval > 0 }

// Start begins the periodic runs.
func (t *GiftTrigger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.Enabled() {
		t.log.Infof("Disabled, not starting")
		return
	}
	if t.ticker != nil {
		return
	}

	t.ticker = time.NewTicker(t.Interval)
	t.stop = make(chan struct{})
	t.wg.Add(1)
	go t.run()

	t.log.Infof("Started with interval: %v", t.Interval)
}

// Stop stops the trigger and waits for an in-flight run.
func (t *GiftTrigger) Stop() {
	t.mu.Lock()
	if t.ticker == nil {
		t.mu.Unlock()
		return
	}
	t.ticker.Stop()
	close(t.stop)
	t.ticker = nil
	t.mu.Unlock()

	t.wg.Wait()
	t.log.Infof("Stopped")
}

func (t *GiftTrigger) run() {
	defer t.wg.Done()

	t.RunNow(context.Background())

	for {
		select {
		case <-t.tickerC():
			t.RunNow(context.Background())
		case <-t.stop:
			return
		}
	}
}

func (t *GiftTrigger) tickerC() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker == nil {
		return nil
	}
	return t.ticker.C
}

// RunNow fires due occurrences immediately.
func (t *GiftTrigger) RunNow(ctx context.Context) (*gifts.RunResult, error) {
	now := t.Clock.Now()
	result, err := t.Scheduler.RunDue(ctx, now, gifts.RunOptions{})
	if err != nil {
		t.log.Errorf("run failed: %v", err)
		return nil, err
	}

	t.mu.Lock()
	t.lastRun = now
	t.last = result
	t.mu.Unlock()

	if len(result.Fired) > 0 || len(result.Failures) > 0 {
		t.log.Infof("Completed: %d fired, %d failed", len(result.Fired), len(result.Failures))
	}
	return result, nil
}

// Last returns the most recent run and its start time.
func (t *GiftTrigger) Last() (time.Time, *gifts.RunResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRun, t.last
}

// NextRunTime returns when the next periodic run will occur.
func (t *GiftTrigger) NextRunTime() time.Time {
	if !t.Enabled() {
		return time.Time{}
	}
	last, _ := t.Last()
	if last.IsZero() {
		return t.Clock.Now()
	}
	return last.Add(t.Interval)
}

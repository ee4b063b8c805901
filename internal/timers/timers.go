// Package timers holds the cue-card clocks and the 1 Hz ticker that drives them.
package timers

import (
	"context"
	"sync"
	"time"

	"yaxha/internal/domain"
)

// Countdown is the preparation clock.
type Countdown struct {
	Remaining int
	State     domain.TimerState
}

// StartCountdown returns a running countdown from seconds.
func StartCountdown(seconds int) Countdown {
	if seconds <= 0 {
		return Countdown{State: domain.TimerExpired}
	}
	return Countdown{Remaining: seconds, State: domain.TimerRunning}
}

// Tick advances a running countdown by one second.
func (c Countdown) Tick() Countdown {
	if c.State != domain.TimerRunning {
		return c
	}
	c.Remaining--
	if c.Remaining <= 0 {
		c.Remaining = 0
		c.State = domain.TimerExpired
	}
	return c
}

// Running reports whether the countdown is active.
func (c Countdown) Running() bool { return c.State == domain.TimerRunning }

// Stopwatch is the speaking clock.
type Stopwatch struct {
	Elapsed int
	State   domain.TimerState
}

// StartStopwatch returns a running stopwatch at zero.
func StartStopwatch() Stopwatch {
	return Stopwatch{State: domain.TimerRunning}
}

// Tick advances a running stopwatch by one second.
func (s Stopwatch) Tick() Stopwatch {
	if s.State != domain.TimerRunning {
		return s
	}
	s.Elapsed++
	return s
}

// Stop freezes the stopwatch.
func (s Stopwatch) Stop() Stopwatch {
	if s.State == domain.TimerRunning {
		s.State = domain.TimerExpired
	}
	return s
}

// Running reports whether the stopwatch is active.
func (s Stopwatch) Running() bool { return s.State == domain.TimerRunning }

// FireFunc receives ticks. ctx is cancelled when the ticker stops, so a
// blocking delivery must select on it.
type FireFunc func(ctx context.Context, gen uint64)

// Ticker is a cancellable periodic generator. Each run is tagged with the
// generation passed to Start.
type Ticker struct {
	interval time.Duration
	fire     FireFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	gen    uint64
}

func NewTicker(interval time.Duration, fire FireFunc) *Ticker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Ticker{interval: interval, fire: fire}
}

// Start replaces any running generation with gen.
func (t *Ticker) Start(gen uint64) {
	t.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.gen = gen
	t.mu.Unlock()

	go t.run(ctx, gen, done)
}

// Stop cancels the running generation and waits for its goroutine. No tick
// is delivered after Stop returns.
func (t *Ticker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether a generation is active.
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Ticker) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			if ctx.Err() != nil {
				return
			}
			t.fire(ctx, gen)
		}
	}
}

package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/scalerize/infinitegpu/internal/app/lifecycle"
	"github.com/scalerize/infinitegpu/internal/domain"
)

// Expirer fails subtasks whose heartbeat deadline has passed.
type Expirer interface {
	ExpireOverdue(ctx context.Context) ([]lifecycle.FailOutcome, error)
}

// Kicker runs one dispatch attempt.
type Kicker interface {
	DispatchNext(ctx context.Context) (*domain.Subtask, error)
}

// Watchdog periodically expires silent assignments and re-dispatches
// whatever came back to the pool. It backstops the disconnect path:
// a device that stops heartbeating without closing its connection
// still loses its work.
type Watchdog struct {
	expirer  Expirer
	kicker   Kicker
	interval time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatchdog creates a watchdog sweeping at the given interval.
func NewWatchdog(expirer Expirer, kicker Kicker, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Watchdog{
		expirer:  expirer,
		kicker:   kicker,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (w *Watchdog) Start() {
	w.wg.Add(1)
	go w.run()
	log.Printf("[watchdog] sweeping every %s", w.interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (w *Watchdog) Stop() {
	close(w.done)
	w.wg.Wait()
}

func (w *Watchdog) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watchdog) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	defer cancel()

	outcomes, err := w.expirer.ExpireOverdue(ctx)
	if err != nil {
		log.Printf("[watchdog] expire sweep: %v", err)
		return
	}
	for _, o := range outcomes {
		if !o.WasReassigned {
			continue
		}
		if _, err := w.kicker.DispatchNext(ctx); err != nil {
			log.Printf("[watchdog] redispatch: %v", err)
		}
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rinat-enikeev/BTKit-sub000/internal/groutine"
	"github.com/rinat-enikeev/BTKit-sub000/internal/service"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// progress keeps a status line with the current phase and a timer. It counts
// down when started with a duration and up otherwise. On a non-terminal
// writer every method is a no-op.
//
// Stop must be called exactly once the work is done; it is safe to call
// from any goroutine and more than once.
type progress struct {
	w        io.Writer
	prefix   string
	phase    atomic.Value // string
	duration time.Duration
	start    time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startProgress(p *printer, prefix, phase string, countdown time.Duration) *progress {
	pr := &progress{w: p.w, prefix: prefix, duration: countdown, start: time.Now()}
	pr.phase.Store(phase)
	if !p.tty {
		return pr
	}

	ctx, cancel := context.WithCancel(context.Background())
	pr.cancel = cancel
	pr.done = make(chan struct{})
	pr.print()
	groutine.Go(ctx, "progress", func(ctx context.Context) {
		defer close(pr.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pr.print()
			}
		}
	})
	return pr
}

func (pr *progress) print() {
	phase := pr.phase.Load().(string)
	elapsed := time.Since(pr.start)

	seconds := int(elapsed.Seconds())
	if pr.duration > 0 {
		// round to the nearest second, never below zero
		seconds = max(0, int((pr.duration-elapsed).Seconds()+0.5))
	}
	if seconds > 0 {
		fmt.Fprintf(pr.w, "\r%s (%s %ds)   ", pr.prefix, phase, seconds)
	} else {
		fmt.Fprintf(pr.w, "\r%s (%s...)   ", pr.prefix, phase)
	}
}

// Phase replaces the phase label.
func (pr *progress) Phase(phase string) { pr.phase.Store(phase) }

// OnPhase adapts the printer to exchange phase callbacks. Terminal phases stop it.
func (pr *progress) OnPhase(p service.Phase) {
	pr.Phase(p.String())
	if p.Terminal() {
		pr.Stop()
	}
}

// Stop halts the ticker and clears the line.
func (pr *progress) Stop() {
	pr.once.Do(func() {
		if pr.cancel == nil {
			return
		}
		pr.cancel()
		<-pr.done
		fmt.Fprint(pr.w, clearLineSequence)
	})
}

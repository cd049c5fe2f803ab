package groutine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Serial is a single named goroutine draining an ordered queue of closures.
// Everything submitted to a Serial runs one at a time, in submission order.
type Serial struct {
	name   string
	logger *logrus.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	signal chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	gid    atomic.Uint64
}

// NewSerial starts a worker goroutine labelled with name. The worker stops when
// parentCtx is cancelled or Close is called; work queued after that is dropped.
func NewSerial(parentCtx context.Context, name string, logger *logrus.Logger) *Serial {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s := &Serial{
		name:   name,
		logger: logger,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	started := make(chan struct{})
	Go(ctx, name, func(ctx context.Context) {
		s.gid.Store(GetGID())
		close(started)
		s.loop(ctx)
	})
	<-started
	return s
}

// Name returns the worker label.
func (s *Serial) Name() string { return s.name }

func (s *Serial) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.closed = true
			s.queue = nil
			s.mu.Unlock()
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				if ctx.Err() != nil {
					break
				}
				s.run(fn)
			}
			if ctx.Err() != nil {
				break
			}
		}
	}
}

func (s *Serial) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"worker": s.name,
				"panic":  r,
			}).Error("Recovered panic in serial worker")
		}
	}()
	fn()
}

// Async enqueues fn and returns immediately. It reports false if the worker has stopped.
func (s *Serial) Async(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

// Execute enqueues fn, so a Serial can be used wherever an executor is expected.
func (s *Serial) Execute(fn func()) {
	s.Async(fn)
}

// Sync runs fn on the worker and waits for it to finish. Called from the worker
// itself, fn runs inline.
func (s *Serial) Sync(fn func()) bool {
	if s.IsCurrent() {
		fn()
		return true
	}

	finished := make(chan struct{})
	if !s.Async(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}

	select {
	case <-finished:
		return true
	case <-s.done:
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// IsCurrent reports whether the caller is running on the worker goroutine.
func (s *Serial) IsCurrent() bool {
	return s.gid.Load() == GetGID()
}

// Close stops the worker and waits for the in-flight closure to return.
// It must not be called from the worker.
func (s *Serial) Close() {
	s.cancel()
	<-s.done
}

// Done is closed once the worker has exited.
func (s *Serial) Done() <-chan struct{} { return s.done }

// Timer is a one-shot or repeating timer whose callback runs on a Serial.
type Timer struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped atomic.Bool
}

// Stop prevents any further firing. Safe to call more than once and on nil.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	t.mu.Lock()
	if t.t != nil {
		t.t.Stop()
	}
	t.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (t *Timer) Stopped() bool {
	return t == nil || t.stopped.Load()
}

func (t *Timer) arm(d time.Duration, f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped.Load() {
		return
	}
	if t.t == nil {
		t.t = time.AfterFunc(d, f)
		return
	}
	t.t.Reset(d)
}

// After runs fn on the worker once d has elapsed, unless the timer is stopped first.
// A timer stopped from the worker never fires afterwards, even if its expiry was already queued.
func (s *Serial) After(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.arm(d, func() {
		s.Async(func() {
			if tm.stopped.Load() {
				return
			}
			tm.stopped.Store(true)
			fn()
		})
	})
	return tm
}

// Every runs fn on the worker every d until the timer is stopped.
func (s *Serial) Every(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	var fire func()
	fire = func() {
		s.Async(func() {
			if tm.stopped.Load() {
				return
			}
			fn()
			tm.arm(d, fire)
		})
	}
	tm.arm(d, fire)
	return tm
}

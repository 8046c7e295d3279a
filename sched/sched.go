// Package sched runs the workers that execute module code. Each worker
// reaches a safe point between jobs, where it publishes the active code
// index it will resolve calls against and runs any queued aux work, such
// as barrier acknowledgements.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/hotswap/codeix"
)

var log = commonlog.GetLogger("hotswap.sched")

var ErrStopped = errors.New("sched: scheduler stopped")

// Options configures a Scheduler.
type Options struct {
	Workers int
	// SafePointInterval makes idle workers pass a safe point periodically.
	// Zero disables the ticker; aux work still wakes idle workers.
	SafePointInterval time.Duration
	QueueSize         int
}

// job is a unit of work executed on a worker goroutine.
type job struct {
	fn   func(*Worker) error
	done chan error
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

// Worker serializes the jobs it is given on a single goroutine.
type Worker struct {
	id    int
	index *codeix.Manager
	jobs  chan job

	auxMu   sync.Mutex
	aux     []func()
	auxWake chan struct{}

	active     atomic.Uint32
	safePoints atomic.Uint64
}

func (w *Worker) ID() int { return w.id }

// ActiveIndex is the code index this worker observed at its last safe
// point. Calls made by the current job resolve against it.
func (w *Worker) ActiveIndex() codeix.Index { return codeix.Index(w.active.Load()) }

// SafePoints counts the safe points this worker has passed.
func (w *Worker) SafePoints() uint64 { return w.safePoints.Load() }

func (w *Worker) post(fn func()) {
	w.auxMu.Lock()
	w.aux = append(w.aux, fn)
	w.auxMu.Unlock()
	select {
	case w.auxWake <- struct{}{}:
	default:
	}
}

// safePoint runs queued aux work in the order it was posted and publishes
// the active index. The index is published again after aux work, which may
// have parked the worker across a commit.
func (w *Worker) safePoint() {
	w.safePoints.Add(1)
	for {
		w.active.Store(uint32(w.index.Active()))
		w.auxMu.Lock()
		pending := w.aux
		w.aux = nil
		w.auxMu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, fn := range pending {
			fn()
		}
	}
}

// loop processes jobs sequentially on the worker goroutine.
func (w *Worker) loop(ctx context.Context, interval time.Duration) error {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			// Acknowledge whatever is still queued; this worker runs no
			// more code.
			w.safePoint()
			return nil
		case <-w.auxWake:
			w.safePoint()
		case <-tick:
			w.safePoint()
		case j := <-w.jobs:
			w.safePoint()
			j.done <- w.execute(j.fn)
		}
	}
}

// execute runs fn, recovering from panics.
func (w *Worker) execute(fn func(*Worker) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sched: worker %d: panic: %v", w.id, r)
		}
	}()
	return fn(w)
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// Scheduler owns a fixed set of workers.
type Scheduler struct {
	workers []*Worker
	next    atomic.Uint64

	mu      sync.RWMutex // write-held while stopping so Broadcast sees a stable worker set
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New starts opts.Workers workers that resolve code through index.
func New(index *codeix.Manager, opts Options) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	s := &Scheduler{ctx: gctx, cancel: cancel, group: group}

	for i := 0; i < opts.Workers; i++ {
		w := &Worker{
			id:      i,
			index:   index,
			jobs:    make(chan job, opts.QueueSize),
			auxWake: make(chan struct{}, 1),
		}
		w.active.Store(uint32(index.Active()))
		s.workers = append(s.workers, w)
		group.Go(func() error { return w.loop(gctx, opts.SafePointInterval) })
	}
	log.Infof("started %d worker(s)", len(s.workers))
	return s
}

// Len returns the number of workers.
func (s *Scheduler) Len() int { return len(s.workers) }

// Workers returns the workers, for inspection.
func (s *Scheduler) Workers() []*Worker { return s.workers }

// Broadcast posts fn to every live worker's safe-point queue and returns
// how many workers will run it.
func (s *Scheduler) Broadcast(fn func()) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return 0
	}
	for _, w := range s.workers {
		w.post(fn)
	}
	return len(s.workers)
}

// Submit runs fn on the next worker and waits for its result.
func (s *Scheduler) Submit(ctx context.Context, fn func(*Worker) error) error {
	w := s.workers[int(s.next.Add(1)-1)%len(s.workers)]
	j := job{fn: fn, done: make(chan error, 1)}

	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrStopped
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrStopped
	}
}

// StopTheWorld parks every worker at a safe point, runs fn, then resumes
// them. Workers are parked through the same aux queue barriers use, so
// work posted before the call is acknowledged first.
func (s *Scheduler) StopTheWorld(ctx context.Context, fn func() error) error {
	var parked sync.WaitGroup
	resume := make(chan struct{})
	defer close(resume)

	park := func() {
		parked.Done()
		<-resume
	}

	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrStopped
	}
	n := len(s.workers)
	parked.Add(n)
	for _, w := range s.workers {
		w.post(park)
	}
	s.mu.RUnlock()

	all := make(chan struct{})
	go func() {
		parked.Wait()
		close(all)
	}()
	select {
	case <-all:
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Debugf("world stopped (%d workers)", n)
	return fn()
}

// Stop shuts the workers down and waits for them.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	err := s.group.Wait()
	log.Infof("stopped %d worker(s)", len(s.workers))
	return err
}

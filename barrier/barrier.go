// Package barrier implements the rendezvous that follows a generation
// switch. A barrier fires its continuation only after every live worker
// has passed a safe point since the switch, so nothing that was reachable
// from the previous active slot is still in use.
package barrier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("hotswap.barrier")

// Workers is the part of the scheduler a barrier needs. Broadcast posts fn
// to the safe-point queue of every live worker and returns how many
// workers received it. Each of them must call fn exactly once.
type Workers interface {
	Broadcast(fn func()) int
}

// Scope separates the Require/Check bookkeeping of maintenance tasks that
// may run at the same time, such as a staging cycle and a breakpoint edit.
type Scope uint8

// bias keeps the pending count away from zero while the worker count is
// still unknown: acknowledgements may arrive before Broadcast returns.
const bias = int64(1) << 40

// Barrier is one outstanding rendezvous. The zero value is ready for
// Schedule; a Barrier can be scheduled once.
type Barrier struct {
	// Scope is the Require scope this barrier satisfies.
	Scope Scope

	pending   atomic.Int64
	scheduled atomic.Bool
	fired     atomic.Bool

	m           *Manager
	later       func()
	cleanupSize int64

	doneOnce sync.Once
	done     chan struct{}
}

// Done is closed once the continuation has run.
func (b *Barrier) Done() <-chan struct{} {
	b.doneOnce.Do(func() { b.done = make(chan struct{}) })
	return b.done
}

// Fired reports whether the continuation has run.
func (b *Barrier) Fired() bool { return b.fired.Load() }

// Remaining returns the number of acknowledgements still missing, or zero
// once fired.
func (b *Barrier) Remaining() int64 {
	if b.fired.Load() {
		return 0
	}
	n := b.pending.Load()
	if n >= bias/2 {
		n -= bias
	}
	if n < 0 {
		return 0
	}
	return n
}

// Wait blocks until the barrier fires or ctx is done.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager schedules barriers against a worker set and keeps the
// bookkeeping that shutdown and diagnostics look at.
type Manager struct {
	workers Workers

	live     atomic.Int64
	cleanup  atomic.Int64
	blocking atomic.Int64

	reqMu    sync.Mutex
	required map[Scope]bool
}

// NewManager returns a manager that rendezvous with workers.
func NewManager(workers Workers) *Manager {
	return &Manager{workers: workers}
}

// Schedule arms b. The continuation runs exactly once, on the goroutine
// of the last worker to acknowledge (or on the caller when there are no
// workers). cleanupSize is added to CleanupBytes until then.
func (m *Manager) Schedule(b *Barrier, continuation func(), cleanupSize int64) {
	if !b.scheduled.CompareAndSwap(false, true) {
		panic("barrier: Schedule on a barrier that was already scheduled")
	}
	b.m = m
	b.later = continuation
	b.cleanupSize = cleanupSize
	b.Done()

	m.live.Add(1)
	m.cleanup.Add(cleanupSize)
	m.satisfy(b.Scope)

	b.pending.Store(bias)
	n := m.workers.Broadcast(func() { m.FinalizeWait(b) })
	log.Debugf("barrier scheduled on %d worker(s), cleanup %d bytes", n, cleanupSize)

	if b.pending.Add(int64(n)-bias) == 0 {
		b.fire()
	}
}

// FinalizeWait records one worker acknowledgement. It never blocks.
// Acknowledgements beyond the worker count are ignored.
func (m *Manager) FinalizeWait(b *Barrier) {
	if b.pending.Add(-1) == 0 {
		b.fire()
	}
}

func (b *Barrier) fire() {
	if !b.fired.CompareAndSwap(false, true) {
		return
	}
	if b.later != nil {
		b.later()
	}
	b.m.cleanup.Add(-b.cleanupSize)
	b.m.live.Add(-1)
	close(b.done)
}

// Blocking is the variant for callers that have already halted every
// worker: the continuation runs synchronously and the blocking count
// stays raised until FinishBlocking.
func (m *Manager) Blocking(scope Scope, continuation func()) {
	m.blocking.Add(1)
	m.satisfy(scope)
	if continuation != nil {
		continuation()
	}
}

// FinishBlocking is called once the halted workers have been resumed.
func (m *Manager) FinishBlocking() {
	if m.blocking.Add(-1) < 0 {
		panic("barrier: FinishBlocking without a matching Blocking")
	}
}

// OutstandingBlocking returns the number of blocking barriers whose
// workers have not been resumed yet.
func (m *Manager) OutstandingBlocking() int64 { return m.blocking.Load() }

// Pending returns the number of scheduled barriers that have not fired.
func (m *Manager) Pending() int64 { return m.live.Load() }

// CleanupBytes is the memory held back by pending barriers.
func (m *Manager) CleanupBytes() int64 { return m.cleanup.Load() }

// Require records that a code mutation in scope needs a barrier before
// the next mutation in the same scope. Only tracked in debug builds.
func (m *Manager) Require(scope Scope) {
	if !debugChecks {
		return
	}
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	if m.required == nil {
		m.required = make(map[Scope]bool)
	}
	m.required[scope] = true
}

// Check panics if Require was called for scope and no barrier of that
// scope was scheduled since. A no-op unless built with the hotswap_debug
// tag.
func (m *Manager) Check(scope Scope) {
	if !debugChecks {
		return
	}
	m.reqMu.Lock()
	missing := m.required[scope]
	m.reqMu.Unlock()
	if missing {
		panic(fmt.Sprintf("barrier: code was mutated in scope %d without scheduling a barrier", scope))
	}
}

func (m *Manager) satisfy(scope Scope) {
	if !debugChecks {
		return
	}
	m.reqMu.Lock()
	delete(m.required, scope)
	m.reqMu.Unlock()
}

// DebugChecks reports whether Require and Check are compiled in.
func DebugChecks() bool { return debugChecks }

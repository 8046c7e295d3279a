// Package codeix tracks which generation slot is active (used to resolve
// calls) and which one is being staged.
//
// Slots form a ring of NumSlots. A staging cycle always targets the slot
// after the active one; with three slots the slot two steps behind active
// has been left by every worker once the previous barrier completed, so it
// can be reused without an extra barrier round.
package codeix

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("hotswap.codeix")

// NumSlots is the size of the generation ring.
const NumSlots = 3

// Index names one slot of the ring.
type Index uint32

// Next returns the slot after i.
func (i Index) Next() Index { return (i + 1) % NumSlots }

// StagingHolder is satisfied by a live Staging (or Load) permission grant.
type StagingHolder interface {
	HoldsStaging() bool
}

// EndHook runs when a staging cycle ends, before commit or abort is
// possible. Collaborators use it to finish their own staged structures.
type EndHook func(staging Index)

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager publishes the active and staging indices.
type Manager struct {
	active  atomic.Uint32
	staging atomic.Uint32

	current atomic.Pointer[Staging] // outstanding cycle, nil when idle
	commits atomic.Uint64

	hookMu sync.RWMutex
	hooks  []EndHook
}

// NewManager returns a manager with active and staging both at slot 0.
func NewManager() *Manager {
	return &Manager{}
}

// Active returns the active slot. The value is only meaningful for the
// caller's current, non-suspending operation.
func (m *Manager) Active() Index { return Index(m.active.Load()) }

// Staging returns the staging slot. Outside a staging cycle it equals the
// active slot (or the next one, right after a commit).
func (m *Manager) Staging() Index { return Index(m.staging.Load()) }

// Commits counts committed staging cycles.
func (m *Manager) Commits() uint64 { return m.commits.Load() }

// Outstanding reports whether a staging cycle is in progress.
func (m *Manager) Outstanding() bool { return m.current.Load() != nil }

// OnEnd registers a hook run by Staging.End.
func (m *Manager) OnEnd(h EndHook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Reset puts both indices back at slot 0. Only for tests and shutdown.
func (m *Manager) Reset() {
	m.current.Store(nil)
	m.active.Store(0)
	m.staging.Store(0)
}

// StartStaging opens a staging cycle targeting the slot after active.
// numNew is a sizing hint for collaborators and is only logged here.
//
// Starting without Staging permission, or while another cycle is
// outstanding, is a programming error and panics.
func (m *Manager) StartStaging(holder StagingHolder, numNew int) *Staging {
	if holder == nil || !holder.HoldsStaging() {
		panic("codeix: StartStaging without staging permission")
	}

	s := &Staging{m: m, holder: holder}
	if !m.current.CompareAndSwap(nil, s) {
		panic("codeix: StartStaging while a staging cycle is outstanding")
	}

	next := m.Active().Next()
	s.ix = next
	m.staging.Store(uint32(next))
	log.Debugf("staging started: active=%d staging=%d new=%d", m.Active(), next, numNew)
	return s
}

func (m *Manager) endHooks() []EndHook {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	out := make([]EndHook, len(m.hooks))
	copy(out, m.hooks)
	return out
}

// ---------------------------------------------------------------------------
// Staging tokens
// ---------------------------------------------------------------------------

const (
	tokenOpen int32 = iota
	tokenEnded
	tokenDone
)

// Staging is the token for an open staging cycle. It can be ended (and
// then committed) or aborted, exactly once.
type Staging struct {
	m      *Manager
	holder StagingHolder
	ix     Index
	state  atomic.Int32
}

// Index returns the slot being staged.
func (s *Staging) Index() Index { return s.ix }

// End runs the registered end hooks and returns the token that allows
// commit.
func (s *Staging) End() *Ended {
	if !s.state.CompareAndSwap(tokenOpen, tokenEnded) {
		panic(fmt.Sprintf("codeix: End on staging token for slot %d that was already ended or consumed", s.ix))
	}
	for _, h := range s.m.endHooks() {
		h(s.ix)
	}
	return &Ended{s: s}
}

// Abort discards the cycle and republishes staging = active.
func (s *Staging) Abort() {
	if !s.state.CompareAndSwap(tokenOpen, tokenDone) {
		panic("codeix: Abort on a staging token that was already ended or consumed")
	}
	s.abort()
}

func (s *Staging) abort() {
	active := s.m.Active()
	s.m.staging.Store(uint32(active))
	s.m.current.CompareAndSwap(s, nil)
	log.Debugf("staging aborted: slot %d discarded, active=%d", s.ix, active)
}

// Ended is the token for a staging cycle whose structural edits are done.
type Ended struct {
	s        *Staging
	consumed atomic.Bool
}

// Index returns the slot being staged.
func (e *Ended) Index() Index { return e.s.ix }

// Commit makes the staged slot active, then points staging at the slot
// after it.
func (e *Ended) Commit() {
	if !e.consumed.CompareAndSwap(false, true) {
		panic("codeix: Commit on a consumed staging token")
	}
	s := e.s
	if !s.holder.HoldsStaging() {
		panic("codeix: Commit after staging permission was released")
	}
	s.state.Store(tokenDone)

	m := s.m
	m.active.Store(uint32(s.ix))
	m.staging.Store(uint32(s.ix.Next()))
	m.commits.Add(1)
	m.current.CompareAndSwap(s, nil)
	log.Debugf("staging committed: active=%d staging=%d", s.ix, s.ix.Next())
}

// Abort discards an ended cycle.
func (e *Ended) Abort() {
	if !e.consumed.CompareAndSwap(false, true) {
		panic("codeix: Abort on a consumed staging token")
	}
	e.s.state.Store(tokenDone)
	e.s.abort()
}

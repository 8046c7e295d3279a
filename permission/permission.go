// Package permission serializes which maintenance task may modify or stage
// code. There are two independent permissions so that breakpoint and trace
// installation (Modification) never waits behind a long staging cycle, and
// the other way around. Load permission is both, held together.
package permission

import (
	"context"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("hotswap.permission")

// Kind selects one of the two code permissions.
type Kind uint8

const (
	Modification Kind = iota
	Staging
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Modification:
		return "modification"
	case Staging:
		return "staging"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Requester identifies the maintenance task asking for a permission.
// Zero is a valid requester; the holder is tracked separately from "seized".
type Requester uint64

// ---------------------------------------------------------------------------
// Wake tokens
// ---------------------------------------------------------------------------

// WakeKind tags the variant carried by a Wake.
type WakeKind uint8

const (
	WakeNone WakeKind = iota
	WakeResume
	WakeCallback
)

// CallbackID indexes a callback registered with Manager.RegisterCallback.
type CallbackID uint32

// Wake tells the manager how to resume a requester that was queued behind
// the current holder. Only one of Handle and Callback is meaningful,
// depending on Kind.
type Wake struct {
	Kind      WakeKind
	Requester Requester
	Handle    *ResumeHandle
	Callback  CallbackID
}

// NoWake queues nothing; the requester will poll.
func NoWake() Wake { return Wake{Kind: WakeNone} }

// ResumeWith wakes the requester by signalling h.
func ResumeWith(h *ResumeHandle) Wake { return Wake{Kind: WakeResume, Handle: h} }

// CallbackWake wakes the requester by running a registered callback.
func CallbackWake(id CallbackID) Wake { return Wake{Kind: WakeCallback, Callback: id} }

// ResumeHandle is a one-slot signal a blocked requester waits on.
type ResumeHandle struct {
	ch chan struct{}
}

// NewResumeHandle returns a handle with an empty signal slot.
func NewResumeHandle() *ResumeHandle {
	return &ResumeHandle{ch: make(chan struct{}, 1)}
}

// C is closed over by the waiting requester.
func (h *ResumeHandle) C() <-chan struct{} { return h.ch }

func (h *ResumeHandle) resume() {
	select {
	case h.ch <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

type permission struct {
	mu     sync.Mutex
	seized bool
	holder Requester
	grant  uint64 // bumped on every grant; stale leases compare against it
	queue  []Wake
}

// Manager owns the Modification and Staging permissions.
type Manager struct {
	perms [numKinds]permission

	cbMu      sync.RWMutex
	callbacks []func()
}

// NewManager returns a manager with both permissions free.
func NewManager() *Manager {
	return &Manager{}
}

// RegisterCallback stores fn and returns the index used by CallbackWake.
func (m *Manager) RegisterCallback(fn func()) CallbackID {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, fn)
	return CallbackID(len(m.callbacks) - 1)
}

// TrySeize grants kind to requester if it is free. Otherwise wake is queued
// and false is returned; the caller should yield and retry once woken.
func (m *Manager) TrySeize(kind Kind, requester Requester, wake Wake) (*Lease, bool) {
	p := &m.perms[kind]
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.seized {
		p.seized = true
		p.holder = requester
		p.grant++
		return &Lease{m: m, kind: kind, requester: requester, grant: p.grant}, true
	}

	if wake.Kind != WakeNone {
		wake.Requester = requester
		p.queue = append(p.queue, wake)
	}
	return nil, false
}

// SeizeLoad takes Staging and then Modification. If Modification is busy
// the Staging grant is given back before returning, so a caller never ends
// up holding only one half.
func (m *Manager) SeizeLoad(requester Requester, wake Wake) (*LoadLease, bool) {
	stage, ok := m.TrySeize(Staging, requester, wake)
	if !ok {
		return nil, false
	}
	mod, ok := m.TrySeize(Modification, requester, wake)
	if !ok {
		stage.Release()
		return nil, false
	}
	return &LoadLease{Stage: stage, Mod: mod}, true
}

// Release frees kind and wakes every queued requester in the order they
// queued. Releasing a free permission does nothing.
func (m *Manager) Release(kind Kind) {
	m.releaseIf(kind, func(*permission) bool { return true })
}

// releaseIf frees kind if live approves the current grant. The check and
// the release happen under one lock so a newer grant is never released.
func (m *Manager) releaseIf(kind Kind, live func(*permission) bool) {
	p := &m.perms[kind]
	p.mu.Lock()
	if !p.seized || !live(p) {
		p.mu.Unlock()
		return
	}
	p.seized = false
	p.holder = 0
	waiters := p.queue
	p.queue = nil
	p.mu.Unlock()

	if len(waiters) > 0 {
		log.Debugf("%s released, waking %d waiter(s)", kind, len(waiters))
	}
	for _, w := range waiters {
		m.wake(w)
	}
}

// ReleaseLoad gives back both halves of a load grant.
func (m *Manager) ReleaseLoad() {
	m.Release(Modification)
	m.Release(Staging)
}

// Has reports whether requester currently holds kind.
func (m *Manager) Has(kind Kind, requester Requester) bool {
	p := &m.perms[kind]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seized && p.holder == requester
}

// HasLoad reports whether requester holds both permissions.
func (m *Manager) HasLoad(requester Requester) bool {
	return m.Has(Staging, requester) && m.Has(Modification, requester)
}

// Holder returns the current holder of kind, if any.
func (m *Manager) Holder(kind Kind) (Requester, bool) {
	p := &m.perms[kind]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holder, p.seized
}

// Waiting returns a copy of the wait queue of kind, oldest first.
func (m *Manager) Waiting(kind Kind) []Wake {
	p := &m.perms[kind]
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Wake, len(p.queue))
	copy(out, p.queue)
	return out
}

func (m *Manager) wake(w Wake) {
	switch w.Kind {
	case WakeResume:
		if w.Handle != nil {
			w.Handle.resume()
		}
	case WakeCallback:
		m.cbMu.RLock()
		var fn func()
		if int(w.Callback) < len(m.callbacks) {
			fn = m.callbacks[w.Callback]
		}
		m.cbMu.RUnlock()
		if fn != nil {
			fn()
		}
	}
}

// withdraw drops a resume handle that will no longer be waited on.
func (m *Manager) withdraw(kind Kind, h *ResumeHandle) {
	p := &m.perms[kind]
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.queue[:0]
	for _, w := range p.queue {
		if w.Kind == WakeResume && w.Handle == h {
			continue
		}
		kept = append(kept, w)
	}
	p.queue = kept
}

// held reports whether the grant numbered grant is still the live one.
func (m *Manager) held(kind Kind, grant uint64) bool {
	p := &m.perms[kind]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seized && p.grant == grant
}

// releaseGrant frees kind only if grant is still the live one.
func (m *Manager) releaseGrant(kind Kind, grant uint64) {
	m.releaseIf(kind, func(p *permission) bool { return p.grant == grant })
}

// ---------------------------------------------------------------------------
// Blocking forms for maintenance tasks
// ---------------------------------------------------------------------------

// Seize retries TrySeize until it succeeds or ctx is done, parking on a
// resume handle between attempts.
func (m *Manager) Seize(ctx context.Context, kind Kind, requester Requester) (*Lease, error) {
	h := NewResumeHandle()
	for {
		if lease, ok := m.TrySeize(kind, requester, ResumeWith(h)); ok {
			return lease, nil
		}
		select {
		case <-h.C():
		case <-ctx.Done():
			m.withdraw(kind, h)
			return nil, fmt.Errorf("seize %s permission: %w", kind, ctx.Err())
		}
	}
}

// SeizeLoadWait is the blocking form of SeizeLoad.
func (m *Manager) SeizeLoadWait(ctx context.Context, requester Requester) (*LoadLease, error) {
	h := NewResumeHandle()
	for {
		if lease, ok := m.SeizeLoad(requester, ResumeWith(h)); ok {
			return lease, nil
		}
		select {
		case <-h.C():
		case <-ctx.Done():
			m.withdraw(Staging, h)
			m.withdraw(Modification, h)
			return nil, fmt.Errorf("seize load permission: %w", ctx.Err())
		}
	}
}

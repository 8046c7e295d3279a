package codeload

import (
	"context"
	"fmt"

	"github.com/chazu/hotswap/atoms"
	"github.com/chazu/hotswap/barrier"
	"github.com/chazu/hotswap/modtab"
	"github.com/chazu/hotswap/permission"
	"github.com/chazu/hotswap/trace"
)

// FinishOnLoad completes a module parked by a Request with OnLoad set,
// after its init hook ran. On success the parked generation becomes
// current; otherwise it is dropped.
func (r *Runtime) FinishOnLoad(ctx context.Context, requester permission.Requester, identity modtab.Identity, ok bool) (*barrier.Barrier, error) {
	lease, err := r.Permissions.SeizeLoadWait(ctx, requester)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	var dropped *modtab.Generation
	_, _, err = r.stage(ctx, lease, 1, func(tbl *modtab.Table) error {
		if rec := tbl.Get(identity); rec == nil || rec.OnLoad == nil {
			return fmt.Errorf("%w: %s", ErrNoOnLoad, r.name(identity))
		}
		_, err := tbl.Update(identity, func(rec *modtab.Record) error {
			if ok {
				if err := rec.Promote(rec.OnLoad); err != nil {
					return err
				}
			} else {
				dropped = rec.OnLoad
			}
			rec.OnLoad = nil
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if dropped == nil {
		return r.rendezvous(nil, 0), nil
	}
	return r.rendezvous(func() { r.retire(dropped) }, dropped.Size()), nil
}

// Purge removes the old generation of identity. The generation is retired
// by the barrier continuation, once no worker can reach it, and destroyed
// when the last InspectOld using it returns.
func (r *Runtime) Purge(ctx context.Context, requester permission.Requester, identity modtab.Identity) (*barrier.Barrier, error) {
	lease, err := r.Permissions.Seize(ctx, permission.Staging, requester)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	var old *modtab.Generation
	_, _, err = r.stage(ctx, lease, 0, func(tbl *modtab.Table) error {
		if rec := tbl.Get(identity); rec == nil || rec.Old == nil {
			return fmt.Errorf("%w: %s", ErrNoOldCode, r.name(identity))
		}
		unlock := r.Tables.LockOld(r.Index.Active())
		defer unlock()
		_, err := tbl.Update(identity, func(rec *modtab.Record) error {
			if rec.Old.InUse() {
				return fmt.Errorf("%w: %s", ErrOldCodeInUse, rec.Old)
			}
			old = rec.Old
			rec.Old = nil
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Noticef("purging %s", old)
	return r.rendezvous(func() { r.retire(old) }, old.Size()), nil
}

// PurgeAll drops every old generation with all workers parked, so the
// generations are retired before it returns.
func (r *Runtime) PurgeAll(ctx context.Context, requester permission.Requester) (int, error) {
	lease, err := r.Permissions.SeizeLoadWait(ctx, requester)
	if err != nil {
		return 0, err
	}
	defer lease.Release()

	if err := r.Wait(ctx); err != nil {
		return 0, err
	}

	var purged []*modtab.Generation
	err = r.Scheduler.StopTheWorld(ctx, func() error {
		_, _, err := r.stage(ctx, lease, 0, func(tbl *modtab.Table) error {
			for _, rec := range tbl.All() {
				if rec.Old == nil {
					continue
				}
				_, err := tbl.Update(rec.Identity, func(c *modtab.Record) error {
					purged = append(purged, c.Old)
					c.Old = nil
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		r.Barriers.Blocking(stagingScope, func() {
			for _, g := range purged {
				r.retire(g)
			}
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.Barriers.FinishBlocking()

	if len(purged) > 0 {
		log.Noticef("purged %d old generation(s)", len(purged))
	}
	return len(purged), nil
}

// SetBreakpoints adjusts the breakpoint count of identity's current
// generation. Only Modification permission is needed, so it does not wait
// behind a staging cycle.
func (r *Runtime) SetBreakpoints(ctx context.Context, requester permission.Requester, identity modtab.Identity, delta int64) (*barrier.Barrier, error) {
	return r.modify(ctx, requester, func() error {
		gen := r.Lookup(identity)
		if gen == nil {
			return fmt.Errorf("%w: %s", ErrUnknownModule, r.name(identity))
		}
		n := gen.AddBreakpoints(delta)
		log.Debugf("%s: %d breakpoint(s)", gen, n)
		return nil
	})
}

// Trace adds function/arity of identity to the trace registry and returns
// its trace index. Tracing a function twice returns the same index.
func (r *Runtime) Trace(ctx context.Context, requester permission.Requester, identity modtab.Identity, function string, arity uint32) (int, *barrier.Barrier, error) {
	var index int
	b, err := r.modify(ctx, requester, func() error {
		if r.Lookup(identity) == nil {
			return fmt.Errorf("%w: %s", ErrUnknownModule, r.name(identity))
		}
		mfa := trace.MFA{Module: atoms.ID(identity), Function: r.Atoms.Intern(function), Arity: arity}
		i, added, err := r.Traces.Set(mfa)
		if err != nil {
			return err
		}
		if added {
			log.Infof("tracing %s:%s/%d as %d", r.name(identity), function, arity, i)
		}
		index = i
		return nil
	})
	return index, b, err
}

// Traced returns the trace index of function/arity of identity, or 0. An
// empty function matches any traced function of that arity.
func (r *Runtime) Traced(identity modtab.Identity, function string, arity uint32) int {
	mfa := trace.MFA{Module: atoms.ID(identity), Arity: arity}
	if function != "" {
		id, ok := r.Atoms.Lookup(function)
		if !ok {
			return 0
		}
		mfa.Function = id
	}
	return r.Traces.Index(mfa)
}

// ClearTrace empties the trace registry.
func (r *Runtime) ClearTrace(ctx context.Context, requester permission.Requester) (*barrier.Barrier, error) {
	return r.modify(ctx, requester, func() error {
		n := r.Traces.Len()
		r.Traces.Clear()
		log.Infof("cleared %d traced function(s)", n)
		return nil
	})
}

// modify runs edit under Modification permission and schedules the
// barrier after which every worker observes the change.
func (r *Runtime) modify(ctx context.Context, requester permission.Requester, edit func() error) (*barrier.Barrier, error) {
	lease, err := r.Permissions.Seize(ctx, permission.Modification, requester)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	r.Barriers.Check(modifyScope)
	if err := edit(); err != nil {
		return nil, err
	}
	r.Barriers.Require(modifyScope)

	b := &barrier.Barrier{Scope: modifyScope}
	r.Barriers.Schedule(b, nil, 0)
	return b, nil
}

func (r *Runtime) retire(g *modtab.Generation) {
	g.Retire()
	if g.Destroyed() {
		log.Debugf("destroyed %s", g)
	} else {
		log.Debugf("retired %s, destroyed on last release", g)
	}
}

func (r *Runtime) name(identity modtab.Identity) string {
	if n := r.Atoms.Name(atoms.ID(identity)); n != "" {
		return n
	}
	return fmt.Sprintf("#%d", identity)
}

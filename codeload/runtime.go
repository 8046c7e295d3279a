// Package codeload wires the code managers into one runtime and drives the
// maintenance tasks that change code: loading, purging, finishing on_load
// modules and adjusting breakpoints.
//
// A maintenance task always follows the same shape: take permission, wait
// for the previous cycle's barrier, stage the change in the slot after the
// active one, commit, then schedule a barrier whose continuation reclaims
// whatever the change made unreachable.
//
// Maintenance tasks must not run on a scheduler worker: they wait on
// barriers that need every worker to reach a safe point.
package codeload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/hotswap/archive"
	"github.com/chazu/hotswap/atoms"
	"github.com/chazu/hotswap/barrier"
	"github.com/chazu/hotswap/codeix"
	"github.com/chazu/hotswap/config"
	"github.com/chazu/hotswap/loader"
	"github.com/chazu/hotswap/modtab"
	"github.com/chazu/hotswap/permission"
	"github.com/chazu/hotswap/sched"
	"github.com/chazu/hotswap/trace"
)

var log = commonlog.GetLogger("hotswap.codeload")

// Barrier scopes: staging cycles are serialized by Staging permission,
// in-place edits by Modification permission, and the two may overlap.
const (
	stagingScope barrier.Scope = iota
	modifyScope
)

var (
	ErrUnknownModule   = errors.New("codeload: module not loaded")
	ErrDuplicateModule = errors.New("codeload: module appears twice in one batch")
	ErrNoOldCode       = errors.New("codeload: module has no old code")
	ErrOldCodeInUse    = errors.New("codeload: old code is still in use")
	ErrNoOnLoad        = errors.New("codeload: module is not waiting for an init hook")
	ErrNoArchive       = errors.New("codeload: no archive configured")
)

// Runtime is the context object every maintenance task and caller goes
// through. Build one with New at start-up and share it.
type Runtime struct {
	Atoms       *atoms.Table
	Tables      *modtab.Manager
	Index       *codeix.Manager
	Permissions *permission.Manager
	Barriers    *barrier.Manager
	Loader      *loader.Loader
	Scheduler   *sched.Scheduler
	Traces      *trace.Table
	Archive     *archive.Archive // nil when archiving is off

	last       atomic.Pointer[barrier.Barrier] // barrier of the latest cycle
	requesters atomic.Uint64
}

// Option customizes New.
type Option func(*Runtime)

// WithArchive uses a instead of opening the configured archive.
func WithArchive(a *archive.Archive) Option {
	return func(r *Runtime) { r.Archive = a }
}

// New builds a runtime from cfg and starts its workers.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	r := &Runtime{
		Atoms:       atoms.NewTable(),
		Tables:      modtab.NewManager(cfg.Tables.ModuleLimit),
		Index:       codeix.NewManager(),
		Permissions: permission.NewManager(),
		Traces:      trace.NewTable(cfg.Tables.TraceLimit),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.Archive == nil && cfg.Archive.Enabled {
		dsn := cfg.Archive.DSN
		if !strings.HasPrefix(dsn, ":memory:") && !strings.HasPrefix(dsn, "file:") {
			dsn = cfg.Resolve(dsn)
		}
		a, err := archive.Open(cfg.Archive.Driver, dsn)
		if err != nil {
			return nil, err
		}
		r.Archive = a
	}

	r.Loader = loader.New(r.Atoms, r.Tables, r.Index)
	r.Scheduler = sched.New(r.Index, sched.Options{
		Workers:           cfg.Workers.Count,
		QueueSize:         cfg.Workers.QueueSize,
		SafePointInterval: cfg.SafePointInterval(),
	})
	r.Barriers = barrier.NewManager(r.Scheduler)
	return r, nil
}

// NewRequester returns a requester id no other task uses.
func (r *Runtime) NewRequester() permission.Requester {
	return permission.Requester(r.requesters.Add(1))
}

// Close stops the workers and closes the archive.
func (r *Runtime) Close() error {
	err := r.Scheduler.Stop()
	if r.Archive != nil {
		err = errors.Join(err, r.Archive.Close())
	}
	return err
}

// Wait blocks until the barrier of the latest cycle has fired.
func (r *Runtime) Wait(ctx context.Context) error {
	if b := r.last.Load(); b != nil {
		return b.Wait(ctx)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Call resolution
// ---------------------------------------------------------------------------

// Identity returns the identity interned for name, if any.
func (r *Runtime) Identity(name string) (modtab.Identity, bool) {
	id, ok := r.Atoms.Lookup(name)
	return modtab.Identity(id), ok
}

// Lookup resolves identity against the active slot.
func (r *Runtime) Lookup(identity modtab.Identity) *modtab.Generation {
	return r.lookupIn(r.Index.Active(), identity)
}

func (r *Runtime) lookupIn(ix codeix.Index, identity modtab.Identity) *modtab.Generation {
	rec := r.Tables.TableFor(ix).Get(identity)
	if rec == nil {
		return nil
	}
	return rec.Current
}

// Call runs fn on a worker with the current generation of identity held.
// The generation is resolved against the index the worker published at
// its last safe point, so a reload that commits meanwhile does not change
// the code fn sees.
func (r *Runtime) Call(ctx context.Context, identity modtab.Identity, fn func(*sched.Worker, *modtab.Generation) error) error {
	return r.Scheduler.Submit(ctx, func(w *sched.Worker) error {
		gen := r.lookupIn(w.ActiveIndex(), identity)
		if gen == nil {
			return fmt.Errorf("%w: %s", ErrUnknownModule, r.Atoms.Name(atoms.ID(identity)))
		}
		gen.Acquire()
		defer gen.Release()
		return fn(w, gen)
	})
}

// InspectOld runs fn on the old generation of identity. The generation is
// held for the duration of fn, so a purge that completes meanwhile leaves
// its code in place until fn returns.
func (r *Runtime) InspectOld(identity modtab.Identity, fn func(*modtab.Generation)) error {
	ix := r.Index.Active()
	unlock := r.Tables.RLockOld(ix)
	rec := r.Tables.TableFor(ix).Get(identity)
	if rec == nil || rec.Old == nil {
		unlock()
		return ErrNoOldCode
	}
	old := rec.Old
	held := old.TryAcquire()
	unlock()
	if !held {
		return ErrNoOldCode
	}

	defer old.Release()
	fn(old)
	return nil
}

// Info summarizes the code indices and every slot.
func (r *Runtime) Info() string {
	var b strings.Builder
	fmt.Fprintf(&b, "active %d, staging %d, %d commits, %d barrier(s) pending\n",
		r.Index.Active(), r.Index.Staging(), r.Index.Commits(), r.Barriers.Pending())
	for ix := codeix.Index(0); ix < codeix.NumSlots; ix++ {
		marker := " "
		if ix == r.Index.Active() {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s\n", marker, r.Tables.Info(ix))
	}
	return b.String()
}

// Modules lists the names of the modules resolvable in the active slot.
func (r *Runtime) Modules() []string {
	var names []string
	for _, rec := range r.Tables.TableFor(r.Index.Active()).All() {
		if rec.Current != nil {
			names = append(names, rec.Current.Name)
		}
	}
	return names
}

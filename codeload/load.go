package codeload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/hotswap/archive"
	"github.com/chazu/hotswap/barrier"
	"github.com/chazu/hotswap/codeix"
	"github.com/chazu/hotswap/loader"
	"github.com/chazu/hotswap/modtab"
	"github.com/chazu/hotswap/permission"
)

// Request is one module binary to install.
type Request struct {
	Binary   []byte
	Path     string          // for messages only
	Expected modtab.Identity // NoIdentity to accept whatever the binary names
	OnLoad   bool            // park the generation until FinishOnLoad
}

// Result describes an installed generation.
type Result struct {
	Identity   modtab.Identity
	Name       string
	Slot       codeix.Index
	Cycle      uuid.UUID
	Generation *modtab.Generation
	Barrier    *barrier.Barrier
}

// Checksum of the installed code.
func (res *Result) Checksum() uint64 { return res.Generation.Checksum }

// Load installs a single module.
func (r *Runtime) Load(ctx context.Context, requester permission.Requester, req Request) (*Result, error) {
	res, err := r.LoadBatch(ctx, requester, []Request{req})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

// LoadFile reads path and installs it.
func (r *Runtime) LoadFile(ctx context.Context, requester permission.Requester, path string) (*Result, error) {
	p, err := r.Loader.LoadFile(path, modtab.NoIdentity)
	if err != nil {
		return nil, err
	}
	res, err := r.install(ctx, requester, []Request{{Binary: p.Binary, Path: path}}, []*loader.Parsed{p}, true)
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

// LoadBatch installs several modules in one staging cycle: either all of
// them become visible together or none does.
func (r *Runtime) LoadBatch(ctx context.Context, requester permission.Requester, reqs []Request) ([]*Result, error) {
	return r.loadBatch(ctx, requester, reqs, true)
}

func (r *Runtime) loadBatch(ctx context.Context, requester permission.Requester, reqs []Request, save bool) ([]*Result, error) {
	parsed := make([]*loader.Parsed, len(reqs))
	for i, req := range reqs {
		p, err := r.Loader.Prepare(req.Binary, req.Expected)
		if err != nil {
			if req.Path != "" {
				return nil, fmt.Errorf("%s: %w", req.Path, err)
			}
			return nil, err
		}
		parsed[i] = p
	}
	return r.install(ctx, requester, reqs, parsed, save)
}

func (r *Runtime) install(ctx context.Context, requester permission.Requester, reqs []Request, parsed []*loader.Parsed, save bool) ([]*Result, error) {
	lease, err := r.Permissions.SeizeLoadWait(ctx, requester)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	results := make([]*Result, len(parsed))
	cycle, slot, err := r.stage(ctx, lease, len(parsed), func(tbl *modtab.Table) error {
		for i, p := range parsed {
			if p.Identity != modtab.NoIdentity {
				if rec := tbl.Get(p.Identity); rec != nil && rec.Seen {
					return fmt.Errorf("%w: %s", ErrDuplicateModule, p.Name)
				}
			}
			gen, err := r.Loader.Finish(p, reqs[i].Expected, reqs[i].OnLoad)
			if err != nil {
				return fmt.Errorf("%s: %w", p.Name, err)
			}
			results[i] = &Result{Identity: gen.Identity, Name: gen.Name, Generation: gen}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b := r.rendezvous(nil, 0)
	for i, res := range results {
		res.Slot = slot
		res.Cycle = cycle
		res.Barrier = b
		if save {
			r.archive(ctx, res, reqs[i], parsed[i])
		}
	}
	log.Infof("cycle %s committed %d module(s) into slot %d", cycle, len(results), slot)
	return results, nil
}

func (r *Runtime) archive(ctx context.Context, res *Result, req Request, p *loader.Parsed) {
	if r.Archive == nil {
		return
	}
	err := r.Archive.Save(ctx, &archive.Entry{
		Name:     res.Name,
		Checksum: res.Checksum(),
		Cycle:    res.Cycle.String(),
		LoadedAt: time.Now(),
		OnLoad:   req.OnLoad,
		Binary:   p.Binary,
	})
	if err != nil {
		log.Warningf("archiving %s: %v", res.Name, err)
	}
}

// Restore reinstalls the latest archived generation of every module that
// is not already running that exact code.
func (r *Runtime) Restore(ctx context.Context, requester permission.Requester) ([]*Result, error) {
	if r.Archive == nil {
		return nil, ErrNoArchive
	}
	names, err := r.Archive.Names(ctx)
	if err != nil {
		return nil, err
	}

	var reqs []Request
	for _, name := range names {
		e, err := r.Archive.Latest(ctx, name)
		if err != nil {
			if errors.Is(err, archive.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if id, ok := r.Identity(name); ok {
			if cur := r.Lookup(id); cur != nil && cur.Checksum == e.Checksum {
				continue
			}
		}
		reqs = append(reqs, Request{Binary: e.Binary, Path: "archive:" + name, OnLoad: e.OnLoad})
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	// The binaries are already archived.
	return r.loadBatch(ctx, requester, reqs, false)
}

// ---------------------------------------------------------------------------
// Staging cycle helpers
// ---------------------------------------------------------------------------

// stage runs edit against the staging slot's table, seeded from the active
// slot, and commits. Any error aborts the cycle and leaves the active slot
// as it was.
func (r *Runtime) stage(ctx context.Context, holder codeix.StagingHolder, n int, edit func(*modtab.Table) error) (uuid.UUID, codeix.Index, error) {
	// The staging slot was active two cycles ago; the previous barrier
	// guarantees no worker still resolves against it.
	if err := r.Wait(ctx); err != nil {
		return uuid.Nil, 0, err
	}

	r.Barriers.Check(stagingScope)
	cycle := uuid.New()
	st := r.Index.StartStaging(holder, n)
	ix := st.Index()
	if err := r.Tables.Seed(r.Index.Active(), ix); err != nil {
		st.Abort()
		return uuid.Nil, 0, err
	}
	if err := edit(r.Tables.TableFor(ix)); err != nil {
		st.Abort()
		log.Warningf("cycle %s aborted: %v", cycle, err)
		return uuid.Nil, 0, err
	}
	st.End().Commit()
	r.Barriers.Require(stagingScope)
	return cycle, ix, nil
}

// rendezvous schedules the barrier that follows a commit. cleanup runs once
// every worker has observed the new active slot.
func (r *Runtime) rendezvous(cleanup func(), size int64) *barrier.Barrier {
	b := &barrier.Barrier{Scope: stagingScope}
	r.last.Store(b)
	r.Barriers.Schedule(b, cleanup, size)
	return b
}

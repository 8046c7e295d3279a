// Package modtab holds the per-slot module tables. There is one table per
// generation slot; workers read the active slot's table without locking
// while the maintenance task edits the staging slot's table.
package modtab

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/launix-de/NonLockingReadMap"
)

var (
	ErrResourceExhausted = errors.New("modtab: module table limit reached")
	ErrOldCodeExists     = errors.New("modtab: module already has old code")
)

// Record is the per-slot entry for one module.
//
// A record is never changed once a table holds it: readers of any slot may
// be looking at it. Writers edit a clone and install that (see Update).
type Record struct {
	Identity Identity
	Seen     bool // already touched by the current batch
	Current  *Generation
	Old      *Generation
	OnLoad   *Generation // waiting for its init hook
}

/* implement NonLockingReadMap */
func (r Record) GetKey() Identity {
	return r.Identity
}

func (r Record) ComputeSize() uint {
	return uint(unsafe.Sizeof(r))
}

// Clone returns a shallow copy: generations are shared, the slots are not.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// Promote demotes the current generation to old and installs g as
// current. It fails if old code is still present; purge it first.
func (r *Record) Promote(g *Generation) error {
	if r.Current != nil {
		if r.Old != nil {
			return fmt.Errorf("%w: %s", ErrOldCodeExists, r.Old)
		}
		r.Old = r.Current
	}
	r.Current = g
	return nil
}

var recordSize = int64(unsafe.Sizeof(Record{}))

// Table maps identities to records for one slot.
type Table struct {
	mu      sync.Mutex // serializes writers; readers never take it
	records NonLockingReadMap.NonLockingReadMap[Record, Identity]
	count   atomic.Int64
	bytes   atomic.Int64
	limit   int
}

// NewTable returns an empty table holding at most limit records; zero
// means unlimited.
func NewTable(limit int) *Table {
	return &Table{
		records: NonLockingReadMap.New[Record, Identity](),
		limit:   limit,
	}
}

// Get returns the record for id, or nil.
func (t *Table) Get(id Identity) *Record {
	return t.records.Get(id)
}

// Put returns the record for id, creating an empty one the first time.
// The result is shared with readers; edit through Update.
func (t *Table) Put(id Identity) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec := t.records.Get(id); rec != nil {
		return rec, nil
	}
	if err := t.checkLimit(); err != nil {
		return nil, err
	}
	rec := &Record{Identity: id}
	t.records.Set(rec)
	t.grow()
	return rec, nil
}

// Update replaces the record for id with a clone edited by fn, creating
// an empty record first if there is none. If fn fails nothing is
// installed. The installed record is returned.
func (t *Table) Update(id Identity, fn func(*Record) error) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var rec *Record
	if cur := t.records.Get(id); cur != nil {
		rec = cur.Clone()
	} else {
		if err := t.checkLimit(); err != nil {
			return nil, err
		}
		rec = &Record{Identity: id}
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if t.records.Set(rec) == nil {
		t.grow()
	}
	return rec, nil
}

// Install stores rec, replacing any record with the same identity.
func (t *Table) Install(rec *Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.records.Get(rec.Identity) == nil {
		if err := t.checkLimit(); err != nil {
			return err
		}
		t.grow()
	}
	t.records.Set(rec)
	return nil
}

// Remove drops the record for id and reports whether there was one.
func (t *Table) Remove(id Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.records.Remove(id) == nil {
		return false
	}
	t.count.Add(-1)
	t.bytes.Add(-recordSize)
	return true
}

// All returns the records ordered by identity.
func (t *Table) All() []*Record {
	all := t.records.GetAll()
	out := make([]*Record, len(all))
	copy(out, all)
	return out
}

// At returns the i-th record in identity order, or nil if out of range.
func (t *Table) At(i int) *Record {
	all := t.records.GetAll()
	if i < 0 || i >= len(all) {
		return nil
	}
	return all[i]
}

func (t *Table) Size() int         { return int(t.count.Load()) }
func (t *Table) TotalBytes() int64 { return t.bytes.Load() }
func (t *Table) Limit() int        { return t.limit }

// Clear removes every record.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.records.GetAll() {
		t.records.Remove(rec.Identity)
	}
	t.count.Store(0)
	t.bytes.Store(0)
}

func (t *Table) checkLimit() error {
	if t.limit > 0 && int(t.count.Load()) >= t.limit {
		return fmt.Errorf("%w (%d modules)", ErrResourceExhausted, t.limit)
	}
	return nil
}

func (t *Table) grow() {
	t.count.Add(1)
	t.bytes.Add(recordSize)
}

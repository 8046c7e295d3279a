package modtab

import (
	"fmt"
	"sync"

	"github.com/chazu/hotswap/codeix"
	"github.com/docker/go-units"
)

// Manager owns one table per generation slot plus the per-slot lock that
// guards inspection of old code against purging.
type Manager struct {
	tables [codeix.NumSlots]*Table
	old    [codeix.NumSlots]sync.RWMutex
}

// NewManager creates the slot tables, each capped at limit modules.
func NewManager(limit int) *Manager {
	m := &Manager{}
	for i := range m.tables {
		m.tables[i] = NewTable(limit)
	}
	return m
}

// TableFor returns the table of slot ix.
func (m *Manager) TableFor(ix codeix.Index) *Table {
	return m.tables[ix%codeix.NumSlots]
}

// Seed replaces the contents of slot to with clones of slot from's
// records. Used when a staging cycle starts.
func (m *Manager) Seed(from, to codeix.Index) error {
	src, dst := m.TableFor(from), m.TableFor(to)
	dst.Clear()
	for _, rec := range src.All() {
		c := rec.Clone()
		c.Seen = false
		if err := dst.Install(c); err != nil {
			return err
		}
	}
	return nil
}

// RLockOld takes the old-code lock of slot ix for reading and returns the
// unlock function. Readers inspecting an old generation hold it.
func (m *Manager) RLockOld(ix codeix.Index) func() {
	l := &m.old[ix%codeix.NumSlots]
	l.RLock()
	return l.RUnlock
}

// LockOld takes the old-code lock of slot ix exclusively.
func (m *Manager) LockOld(ix codeix.Index) func() {
	l := &m.old[ix%codeix.NumSlots]
	l.Lock()
	return l.Unlock
}

// TotalBytes sums the record accounting of every slot.
func (m *Manager) TotalBytes() int64 {
	var n int64
	for _, t := range m.tables {
		n += t.TotalBytes()
	}
	return n
}

// Info summarizes slot ix for logs and the command line.
func (m *Manager) Info(ix codeix.Index) string {
	t := m.TableFor(ix)
	var code int64
	var old int
	for _, rec := range t.All() {
		if rec.Current != nil {
			code += rec.Current.Size()
		}
		if rec.Old != nil {
			old++
		}
	}
	return fmt.Sprintf("slot %d: %d modules (%d with old code), table %s, code %s",
		ix%codeix.NumSlots, t.Size(), old,
		units.HumanSize(float64(t.TotalBytes())), units.HumanSize(float64(code)))
}

// Clear empties every slot.
func (m *Manager) Clear() {
	for _, t := range m.tables {
		t.Clear()
	}
}

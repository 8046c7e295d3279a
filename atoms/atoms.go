// Package atoms maps module names to the opaque identities used by the
// code-loading core.
package atoms

import "sync"

// ID is an interned atom. Module identities are atom IDs.
type ID uint32

// None is never handed out by a Table; callers use it to mean "no atom".
const None ID = 0

// ---------------------------------------------------------------------------
// Table: Interned atoms
// ---------------------------------------------------------------------------

// Table interns atom text to unique IDs. IDs start at 1 so the zero value
// stays free for None.
type Table struct {
	mu     sync.RWMutex
	byName map[string]ID
	byID   []string // index = ID-1
}

// NewTable creates an empty atom table.
func NewTable() *Table {
	return &Table{
		byName: make(map[string]ID),
		byID:   make([]string, 0, 256),
	}
}

// Intern returns the ID for name, creating one if needed.
func (t *Table) Intern(name string) ID {
	t.mu.RLock()
	if id, ok := t.byName[name]; ok {
		t.mu.RUnlock()
		return id
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Another writer may have won the race.
	if id, ok := t.byName[name]; ok {
		return id
	}

	t.byID = append(t.byID, name)
	id := ID(len(t.byID))
	t.byName[name] = id
	return id
}

// Lookup returns the ID for name without interning it.
func (t *Table) Lookup(name string) (ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byName[name]
	return id, ok
}

// Name returns the text of an atom, or "" if the ID was never handed out.
func (t *Table) Name(id ID) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if id == None || int(id) > len(t.byID) {
		return ""
	}
	return t.byID[id-1]
}

// Len returns the number of interned atoms.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

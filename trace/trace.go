// Package trace keeps the registry of traced functions. Each traced
// (module, function, arity) gets a small index, starting at 1, that stays
// fixed until the registry is cleared; zero means "not traced".
package trace

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/hotswap/atoms"
)

var log = commonlog.GetLogger("hotswap.trace")

// DefaultLimit is the number of functions a registry traces when no limit
// is given.
const DefaultLimit = 256

var ErrFull = errors.New("trace: too many traced functions")

// MFA names a function by module, function name and arity.
type MFA struct {
	Module   atoms.ID
	Function atoms.ID
	Arity    uint32
}

// Table is the trace registry.
type Table struct {
	mu      sync.RWMutex
	byMFA   map[MFA]int
	byIndex []MFA // index-1
	limit   int
}

// NewTable returns an empty registry holding at most limit functions;
// zero means DefaultLimit.
func NewTable(limit int) *Table {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Table{byMFA: make(map[MFA]int), limit: limit}
}

// Set traces mfa and returns its index. Tracing an already traced function
// returns the index it already has. added reports whether mfa is new.
func (t *Table) Set(mfa MFA) (index int, added bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.byMFA[mfa]; ok {
		return i, false, nil
	}
	if len(t.byIndex) >= t.limit {
		return 0, false, fmt.Errorf("%w (limit %d)", ErrFull, t.limit)
	}
	t.byIndex = append(t.byIndex, mfa)
	index = len(t.byIndex)
	t.byMFA[mfa] = index
	return index, true, nil
}

// Index returns the index of a traced function, or 0. A Function of
// atoms.None matches any traced function of the module with that arity.
func (t *Table) Index(mfa MFA) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if mfa.Function != atoms.None {
		return t.byMFA[mfa]
	}
	for i, m := range t.byIndex {
		if m.Module == mfa.Module && m.Arity == mfa.Arity {
			return i + 1
		}
	}
	return 0
}

// Get returns the function traced under index.
func (t *Table) Get(index int) (MFA, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 1 || index > len(t.byIndex) {
		return MFA{}, false
	}
	return t.byIndex[index-1], true
}

// Module returns the indices traced for module, in index order.
func (t *Table) Module(module atoms.ID) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []int
	for i, m := range t.byIndex {
		if m.Module == module {
			out = append(out, i+1)
		}
	}
	return out
}

// Len returns the number of traced functions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byIndex)
}

// Limit returns the capacity of the registry.
func (t *Table) Limit() int { return t.limit }

// Clear forgets every traced function; indices start at 1 again.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byMFA = make(map[MFA]int)
	t.byIndex = nil
}

// Tracef formats a trace message for the function traced under index and
// logs it. It reports false, logging nothing, if index is not traced.
func (t *Table) Tracef(index int, format string, args ...any) (string, bool) {
	mfa, ok := t.Get(index)
	if !ok {
		return "", false
	}
	msg := fmt.Sprintf(format, args...)
	log.Infof("[%d] %d:%d/%d %s", index, mfa.Module, mfa.Function, mfa.Arity, msg)
	return msg, true
}

package modtab

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"
)

// Identity is the interned module name. Zero is reserved for "none".
type Identity uint32

// NoIdentity is passed when the caller does not know which module a binary
// holds.
const NoIdentity Identity = 0

// Export is one entry of a module's export table.
type Export struct {
	Function uint32
	Arity    uint32
	Label    uint32
}

// Generation is one immutable compiled version of a module. Everything but
// the breakpoint counter and the reference state is fixed at construction.
type Generation struct {
	Identity    Identity
	Name        string
	Exports     []Export
	Attributes  []byte
	CompileInfo []byte
	Checksum    uint64
	Native      any // native extension handle, nil for plain modules
	Created     time.Time

	code  atomic.Pointer[[]byte]
	size  int64
	state atomic.Int64 // reference count, retiredBit, or stateDead
	bps   atomic.Int64
}

const (
	retiredBit = int64(1) << 62
	refMask    = retiredBit - 1
	stateDead  = int64(-1)
)

// NewGeneration builds a generation around code and checksums it.
func NewGeneration(id Identity, name string, code []byte) *Generation {
	g := &Generation{
		Identity: id,
		Name:     name,
		Checksum: xxh3.Hash(code),
		Created:  time.Now(),
		size:     int64(len(code)),
	}
	g.code.Store(&code)
	return g
}

// Code returns the executable region, or nil once destroyed.
func (g *Generation) Code() []byte {
	if p := g.code.Load(); p != nil {
		return *p
	}
	return nil
}

// Size is the number of bytes released when the generation is destroyed.
func (g *Generation) Size() int64 {
	return g.size + int64(len(g.Attributes)+len(g.CompileInfo)+12*len(g.Exports))
}

// Acquire marks the generation as being executed.
func (g *Generation) Acquire() {
	for {
		st := g.state.Load()
		if st == stateDead {
			panic(fmt.Sprintf("modtab: acquire of destroyed generation %s", g))
		}
		if g.state.CompareAndSwap(st, st+1) {
			return
		}
	}
}

// TryAcquire is Acquire for callers that may race with destruction: it
// reports false instead of panicking once the generation is destroyed.
func (g *Generation) TryAcquire() bool {
	for {
		st := g.state.Load()
		if st == stateDead {
			return false
		}
		if g.state.CompareAndSwap(st, st+1) {
			return true
		}
	}
}

// Release undoes Acquire. The last release of a retired generation
// destroys it.
func (g *Generation) Release() {
	for {
		st := g.state.Load()
		if st == stateDead || st&refMask == 0 {
			panic("modtab: generation released more often than acquired")
		}
		if g.state.CompareAndSwap(st, st-1) {
			if st-1 == retiredBit {
				g.finish()
			}
			return
		}
	}
}

// InUse reports whether any caller holds a reference.
func (g *Generation) InUse() bool {
	st := g.state.Load()
	return st != stateDead && st&refMask > 0
}

// AddBreakpoints adjusts the breakpoint counter and returns the new value.
func (g *Generation) AddBreakpoints(delta int64) int64 { return g.bps.Add(delta) }

// Breakpoints returns the number of installed breakpoints.
func (g *Generation) Breakpoints() int64 { return g.bps.Load() }

// Destroy drops the code bytes now. Only called once no worker can reach
// the generation and nothing holds a reference.
func (g *Generation) Destroy() {
	for {
		st := g.state.Load()
		if st == stateDead {
			panic(fmt.Sprintf("modtab: generation %s destroyed twice", g))
		}
		if g.state.CompareAndSwap(st, stateDead) {
			g.code.Store(nil)
			return
		}
	}
}

// Retire destroys the generation once the last reference is released,
// immediately if there is none. Called from a barrier continuation, after
// which no worker can newly reach it.
func (g *Generation) Retire() {
	for {
		st := g.state.Load()
		if st == stateDead || st&retiredBit != 0 {
			panic(fmt.Sprintf("modtab: generation %s retired twice", g))
		}
		if g.state.CompareAndSwap(st, st|retiredBit) {
			if st == 0 {
				g.finish()
			}
			return
		}
	}
}

// finish destroys a retired generation whose references are gone. Losing
// the race to an Acquire leaves it for that reference's Release.
func (g *Generation) finish() {
	if g.state.CompareAndSwap(retiredBit, stateDead) {
		g.code.Store(nil)
	}
}

// Retired reports whether Retire has run.
func (g *Generation) Retired() bool {
	st := g.state.Load()
	return st == stateDead || st&retiredBit != 0
}

// Destroyed reports whether the code bytes have been dropped.
func (g *Generation) Destroyed() bool { return g.state.Load() == stateDead }

func (g *Generation) String() string {
	return fmt.Sprintf("%s/%016x", g.Name, g.Checksum)
}

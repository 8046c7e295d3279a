// Package loader turns a module binary into a code generation and installs
// it into the staging slot.
//
// Loading is split in two: Prepare validates and parses the binary without
// touching any shared state, so it can run before permissions are taken;
// Finish installs the result and must run inside a staging cycle.
package loader

import (
	"errors"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/chazu/hotswap/atoms"
	"github.com/chazu/hotswap/codeix"
	"github.com/chazu/hotswap/modtab"
)

var log = commonlog.GetLogger("hotswap.loader")

var (
	ErrNotStaging    = errors.New("loader: no staging cycle in progress")
	ErrOnLoadPending = errors.New("loader: module is waiting for its init hook")

	ErrOldCodeExists = modtab.ErrOldCodeExists
)

// Parsed is a validated module binary.
type Parsed struct {
	Header      Header
	Identity    modtab.Identity // NoIdentity when the binary names no module
	Name        string
	Atoms       []string
	Code        []byte
	Exports     []modtab.Export
	Attributes  []byte
	CompileInfo []byte
	Chunks      []Chunk
	Binary      []byte
}

// Loader installs parsed modules into the staging slot's table.
type Loader struct {
	atoms  *atoms.Table
	tables *modtab.Manager
	index  *codeix.Manager
}

// New returns a loader over the given collaborators.
func New(a *atoms.Table, tables *modtab.Manager, index *codeix.Manager) *Loader {
	return &Loader{atoms: a, tables: tables, index: index}
}

// Prepare validates data and decodes the chunks the loader understands.
// When expected is not NoIdentity the binary must name that module.
func (l *Loader) Prepare(data []byte, expected modtab.Identity) (*Parsed, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}

	p := &Parsed{Header: h, Binary: data, Chunks: ScanChunks(data)}
	for _, c := range p.Chunks {
		switch c.Name() {
		case "AtU8":
			if p.Atoms, err = decodeAtoms(c.Data); err != nil {
				return nil, err
			}
			p.Name = p.Atoms[0]
		case "Atom":
			return nil, fmt.Errorf("%w: latin-1 atom chunk", ObsoleteAtomTable)
		case "Code":
			p.Code = c.Data
		case "ExpT":
			if p.Exports, err = decodeExports(c.Data); err != nil {
				return nil, err
			}
		case "Attr":
			p.Attributes = c.Data
		case "CInf":
			p.CompileInfo = c.Data
		}
	}

	if p.Name != "" {
		p.Identity = modtab.Identity(l.atoms.Intern(p.Name))
	}
	if expected != modtab.NoIdentity {
		if p.Name == "" {
			return nil, MissingAtomTable
		}
		if p.Identity != expected {
			return nil, fmt.Errorf("%w: binary holds %q, expected %q",
				CorruptFileHeader, p.Name, l.atoms.Name(atoms.ID(expected)))
		}
	}
	if len(p.Code) == 0 {
		return nil, MissingCodeChunk
	}
	return p, nil
}

// Finish installs p as a new generation of identity in the staging slot.
// Modules with an init hook are parked in the record's on-load position;
// everything else becomes current, demoting the previous current to old.
// identity may be NoIdentity to use the name found in the binary.
func (l *Loader) Finish(p *Parsed, identity modtab.Identity, onLoad bool) (*modtab.Generation, error) {
	if !l.index.Outstanding() {
		return nil, ErrNotStaging
	}
	if identity == modtab.NoIdentity {
		identity = p.Identity
	}
	if identity == modtab.NoIdentity {
		return nil, MissingAtomTable
	}

	ix := l.index.Staging()
	gen := NewGeneration(p, identity, l.atoms.Name(atoms.ID(identity)))
	_, err := l.tables.TableFor(ix).Update(identity, func(rec *modtab.Record) error {
		if onLoad {
			if rec.OnLoad != nil {
				return fmt.Errorf("%w: %s", ErrOnLoadPending, gen.Name)
			}
			rec.OnLoad = gen
		} else if err := rec.Promote(gen); err != nil {
			return err
		}
		rec.Seen = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("staged %s in slot %d (on_load=%t, %d exports)", gen, ix, onLoad, len(gen.Exports))
	return gen, nil
}

// NewGeneration builds the generation for a parsed binary.
func NewGeneration(p *Parsed, identity modtab.Identity, name string) *modtab.Generation {
	gen := modtab.NewGeneration(identity, name, p.Code)
	gen.Exports = p.Exports
	gen.Attributes = p.Attributes
	gen.CompileInfo = p.CompileInfo
	return gen
}

// LoadFile reads a module binary from disk and prepares it.
func (l *Loader) LoadFile(path string, expected modtab.Identity) (*Parsed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: read %s: %w", path, err)
	}
	p, err := l.Prepare(data, expected)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

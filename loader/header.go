package loader

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/chazu/hotswap/modtab"
)

// HeaderSize is the smallest valid container: form tag, form length and
// form type.
const HeaderSize = 12

var (
	formTagPlain    = [4]byte{'F', 'O', 'R', '1'}
	formTagExtended = [4]byte{'F', 'O', 'R', 'X'}
	formType        = [4]byte{'B', 'E', 'A', 'M'}
)

// ---------------------------------------------------------------------------
// Header
// ---------------------------------------------------------------------------

// Header is the parsed container header.
type Header struct {
	Tag        [4]byte
	FormLength uint32
}

// Extended reports whether the container uses the FORX tag.
func (h Header) Extended() bool { return h.Tag == formTagExtended }

// ReadHeader validates the container header at the start of data.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need at least %d", CorruptFileHeader, len(data), HeaderSize)
	}

	var h Header
	copy(h.Tag[:], data[0:4])
	if h.Tag != formTagPlain && h.Tag != formTagExtended {
		return Header{}, fmt.Errorf("%w: form tag %q", CorruptFileHeader, data[0:4])
	}
	h.FormLength = binary.LittleEndian.Uint32(data[4:8])

	if [4]byte(data[8:12]) != formType {
		return Header{}, fmt.Errorf("%w: form type %q", CorruptFileHeader, data[8:12])
	}
	return h, nil
}

// ---------------------------------------------------------------------------
// Chunk directory
// ---------------------------------------------------------------------------

// Chunk is one entry of the chunk directory. Data aliases the input.
type Chunk struct {
	ID   [4]byte
	Data []byte
}

func (c Chunk) Name() string { return string(c.ID[:]) }

// ScanChunks walks the chunk directory that follows the header. Each chunk
// is a 4-byte id, a big-endian u32 size and the payload padded to a
// multiple of 4. A chunk that runs past the end of data ends the walk.
func ScanChunks(data []byte) []Chunk {
	var chunks []Chunk
	pos := HeaderSize
	for pos+8 <= len(data) {
		var c Chunk
		copy(c.ID[:], data[pos:pos+4])
		size := int(binary.BigEndian.Uint32(data[pos+4 : pos+8]))
		pos += 8
		if size < 0 || size > len(data)-pos {
			break
		}
		c.Data = data[pos : pos+size]
		chunks = append(chunks, c)
		pos += (size + 3) &^ 3
	}
	return chunks
}

// ---------------------------------------------------------------------------
// Chunk decoders
// ---------------------------------------------------------------------------

// decodeAtoms reads a count followed by length-prefixed names.
func decodeAtoms(data []byte) ([]string, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d byte chunk", CorruptAtomTable, len(data))
	}
	count := binary.BigEndian.Uint32(data[0:4])
	if count < 1 {
		return nil, fmt.Errorf("%w: no atoms", CorruptAtomTable)
	}
	pos := 4
	names := make([]string, 0, min(int(count), len(data)))
	for i := uint32(0); i < count; i++ {
		if pos >= len(data) {
			return nil, fmt.Errorf("%w: atom %d past end of chunk", CorruptAtomTable, i)
		}
		n := int(data[pos])
		pos++
		if pos+n > len(data) {
			return nil, fmt.Errorf("%w: atom %d past end of chunk", CorruptAtomTable, i)
		}
		if !utf8.Valid(data[pos : pos+n]) {
			return nil, fmt.Errorf("%w: atom %d is not valid UTF-8", CorruptAtomTable, i)
		}
		names = append(names, string(data[pos:pos+n]))
		pos += n
	}
	return names, nil
}

// decodeExports reads a count followed by (function, arity, label) triples.
func decodeExports(data []byte) ([]modtab.Export, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d byte chunk", CorruptExportTable, len(data))
	}
	count := int(binary.BigEndian.Uint32(data[0:4]))
	if count > (len(data)-4)/12 {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", CorruptExportTable, count, len(data))
	}
	exports := make([]modtab.Export, count)
	for i := range exports {
		off := 4 + 12*i
		exports[i] = modtab.Export{
			Function: binary.BigEndian.Uint32(data[off:]),
			Arity:    binary.BigEndian.Uint32(data[off+4:]),
			Label:    binary.BigEndian.Uint32(data[off+8:]),
		}
	}
	return exports, nil
}

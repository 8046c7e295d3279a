package archive

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
)

// Entry is one archived generation: the module binary as it was loaded
// plus enough metadata to reload it.
type Entry struct {
	Name     string    `cbor:"1,keyasint"`
	Checksum uint64    `cbor:"2,keyasint"`
	Cycle    string    `cbor:"3,keyasint"` // staging cycle that installed it
	LoadedAt time.Time `cbor:"4,keyasint"`
	OnLoad   bool      `cbor:"5,keyasint,omitempty"`
	Binary   []byte    `cbor:"6,keyasint"`
}

var cborEncMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("archive: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal encodes e as canonical CBOR compressed with an lz4 frame.
func Marshal(e *Entry) ([]byte, error) {
	raw, err := cborEncMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("archive: encode %s: %w", e.Name, err)
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("archive: compress %s: %w", e.Name, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("archive: compress %s: %w", e.Name, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal reverses Marshal.
func Unmarshal(data []byte) (*Entry, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("archive: decompress: %w", err)
	}
	var e Entry
	if err := cbor.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("archive: decode: %w", err)
	}
	return &e, nil
}

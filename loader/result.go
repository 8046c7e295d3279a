package loader

import (
	"errors"
	"fmt"
)

// ReadResult is the closed set of ways reading a module binary can fail.
// Every value except Success implements error and can be matched with
// errors.Is.
type ReadResult uint8

const (
	Success ReadResult = iota
	CorruptFileHeader
	MissingAtomTable
	ObsoleteAtomTable
	CorruptAtomTable
	MissingCodeChunk
	CorruptCodeChunk
	MissingExportTable
	CorruptExportTable
	MissingImportTable
	CorruptImportTable
	CorruptLambdaTable
	CorruptLineTable
	CorruptLiteralTable
	CorruptLocalsTable
	CorruptTypeTable
	CorruptDebugTable
)

var resultNames = [...]string{
	Success:             "success",
	CorruptFileHeader:   "corrupt file header",
	MissingAtomTable:    "missing atom table",
	ObsoleteAtomTable:   "obsolete atom table",
	CorruptAtomTable:    "corrupt atom table",
	MissingCodeChunk:    "missing code chunk",
	CorruptCodeChunk:    "corrupt code chunk",
	MissingExportTable:  "missing export table",
	CorruptExportTable:  "corrupt export table",
	MissingImportTable:  "missing import table",
	CorruptImportTable:  "corrupt import table",
	CorruptLambdaTable:  "corrupt lambda table",
	CorruptLineTable:    "corrupt line table",
	CorruptLiteralTable: "corrupt literal table",
	CorruptLocalsTable:  "corrupt locals table",
	CorruptTypeTable:    "corrupt type table",
	CorruptDebugTable:   "corrupt debug table",
}

func (r ReadResult) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("read result %d", uint8(r))
}

func (r ReadResult) Error() string { return "loader: " + r.String() }

// ResultOf extracts the ReadResult carried by err. A nil error is Success;
// the boolean is false when err carries no ReadResult at all.
func ResultOf(err error) (ReadResult, bool) {
	if err == nil {
		return Success, true
	}
	var r ReadResult
	if errors.As(err, &r) {
		return r, true
	}
	return Success, false
}

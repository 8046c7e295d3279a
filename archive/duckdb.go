//go:build cgo

package archive

import _ "github.com/marcboeker/go-duckdb"

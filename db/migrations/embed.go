// Package dbmigrations exposes embedded SQL migrations for engine binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into engine binaries.
//
//go:embed *.sql
var Files embed.FS

// Package dbmigrations exposes embedded SQL migrations for Estuary binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Estuary binaries.
//
//go:embed *.sql
var Files embed.FS

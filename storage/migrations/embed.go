package migrations

import "embed"

// FS holds one directory of golang-migrate files per SQL dialect.
//
//go:embed sqlite postgres mysql
var FS embed.FS

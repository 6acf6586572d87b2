// Package dbmigrations exposes the embedded SQL migrations for the SQL-backed stores.
package dbmigrations

import "embed"

// Files holds one migration directory per SQL dialect: postgres/ and sqlite/.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS

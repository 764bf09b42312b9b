// Package migrations holds the Postgres schema for downstream outputs.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Package migrations embeds the goose SQL migration files, one directory
// per schema: the device-local store and the server's authoritative store.
package migrations

import "embed"

const (
	Local  = "local"
	Remote = "remote"
)

//go:embed local/*.sql remote/*.sql
var FS embed.FS

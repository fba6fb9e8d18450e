// Package templates embeds default configuration and documentation files.
package templates

import "embed"

//go:embed config.yaml lifeline.md
var FS embed.FS

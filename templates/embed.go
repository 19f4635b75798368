// Package templates embeds the annotated default configuration.
package templates

import _ "embed"

// Config is the default config.yaml, with comments.
//
//go:embed config.yaml
var Config []byte

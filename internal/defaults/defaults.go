// Package defaults provides the embedded example configuration written
// by the gestella init subcommand.
package defaults

import _ "embed"

// ConfigYAML is a commented starting configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

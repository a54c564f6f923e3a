// Package defaults provides the embedded configuration template for
// the tankmon init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte

package workersdk

import "github.com/rs/zerolog"

// logger carries the SDK's diagnostics. Disabled until the embedding tool
// installs one.
var logger = zerolog.Nop()

// SetLogger routes the SDK's diagnostics through l.
func SetLogger(l zerolog.Logger) {
	logger = l
}

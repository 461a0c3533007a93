//go:build v8

package workersdk

import (
	"fmt"

	v8 "github.com/tommie/v8go"
)

// compileAndProbe evaluates the wrapped script in a throwaway V8 isolate and
// returns the handlers the module object exposes.
func compileAndProbe(wrapped string) ([]string, error) {
	iso := v8.NewIsolate()
	defer iso.Dispose()
	ctx := v8.NewContext(iso)
	defer ctx.Close()

	if _, err := ctx.RunScript(wrapped, "worker.js"); err != nil {
		return nil, fmt.Errorf("compiling worker script: %w", err)
	}

	var handlers []string
	for _, h := range workerHandlers {
		val, err := ctx.RunScript(probeHandlerJS(h), "probe.js")
		if err != nil {
			return nil, fmt.Errorf("probing %s handler: %w", h, err)
		}
		if val.Boolean() {
			handlers = append(handlers, h)
		}
	}
	return handlers, nil
}

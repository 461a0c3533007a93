//go:build !v8

package workersdk

import (
	"fmt"

	"modernc.org/quickjs"
)

// compileAndProbe evaluates the wrapped script in a throwaway QuickJS VM and
// returns the handlers the module object exposes.
func compileAndProbe(wrapped string) ([]string, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating validation VM: %w", err)
	}
	defer vm.Close()

	v, err := vm.EvalValue(wrapped, quickjs.EvalGlobal)
	if err != nil {
		return nil, fmt.Errorf("compiling worker script: %w", err)
	}
	v.Free()

	var handlers []string
	for _, h := range workerHandlers {
		ok, err := evalBool(vm, probeHandlerJS(h))
		if err != nil {
			return nil, fmt.Errorf("probing %s handler: %w", h, err)
		}
		if ok {
			handlers = append(handlers, h)
		}
	}
	return handlers, nil
}

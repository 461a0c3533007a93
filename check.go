package workersdk

import (
	"fmt"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// workerHandlers are the module exports the platform dispatches events to.
var workerHandlers = []string{"fetch", "scheduled", "queue", "tail"}

// CheckResult reports what a validated worker script exposes.
type CheckResult struct {
	// Handlers holds the event handlers found on the default export, in
	// workerHandlers order.
	Handlers []string
}

// HasHandler reports whether the script exports the named handler.
func (r *CheckResult) HasHandler(name string) bool {
	for _, h := range r.Handlers {
		if h == name {
			return true
		}
	}
	return false
}

// CheckScript compiles a bundled worker script in a throwaway VM and probes
// its default export for event handlers. Deploy runs this before any upload
// so compile errors never reach the platform. A script with no handlers at
// all is rejected: it could never serve an event.
func CheckScript(script string) (*CheckResult, error) {
	handlers, err := compileAndProbe(WrapESModule(script))
	if err != nil {
		return nil, err
	}
	if len(handlers) == 0 {
		return nil, fmt.Errorf("script exports no event handler (expected one of %s)", strings.Join(workerHandlers, ", "))
	}
	return &CheckResult{Handlers: handlers}, nil
}

// WrapESModule transforms an ES module source into a script that assigns
// exports to globalThis.__worker_module__. It uses esbuild's Transform API
// to parse the JS AST and wrap the module as an IIFE assigned to the global.
//
// If the source has no exports (already a plain script), the IIFE wrapping
// is harmless -- the global name is set to the IIFE's return value.
// If esbuild reports errors, the source is returned unchanged so that
// callers handle compile errors downstream.
func WrapESModule(source string) string {
	result := esbuild.Transform(source, esbuild.TransformOptions{
		Format:     esbuild.FormatIIFE,
		GlobalName: "globalThis.__worker_module__",
		Target:     esbuild.ESNext,
	})
	if len(result.Errors) > 0 {
		return source
	}
	code := string(result.Code)
	// esbuild places the default export under a .default property when
	// converting ESM to IIFE. Unwrap it so callers can access handlers
	// (fetch, scheduled, etc.) directly on globalThis.__worker_module__.
	code += "if(globalThis.__worker_module__&&globalThis.__worker_module__.default)globalThis.__worker_module__=globalThis.__worker_module__.default;\n"
	return code
}

// probeHandlerJS builds the expression that tests for one handler on the
// wrapped module object.
func probeHandlerJS(handler string) string {
	return fmt.Sprintf("typeof globalThis.__worker_module__ === 'object' && globalThis.__worker_module__ !== null && typeof globalThis.__worker_module__[%q] === 'function'", handler)
}

package workersdk

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// nodeBuiltinModules lists the Node.js core modules, top-level names only.
// Imports of these never resolve to npm packages; what happens to them
// depends on the worker's compatibility mode.
var nodeBuiltinModules = map[string]bool{
	"assert":              true,
	"async_hooks":         true,
	"buffer":              true,
	"child_process":       true,
	"cluster":             true,
	"console":             true,
	"constants":           true,
	"crypto":              true,
	"dgram":               true,
	"diagnostics_channel": true,
	"dns":                 true,
	"domain":              true,
	"events":              true,
	"fs":                  true,
	"http":                true,
	"http2":               true,
	"https":               true,
	"inspector":           true,
	"module":              true,
	"net":                 true,
	"os":                  true,
	"path":                true,
	"perf_hooks":          true,
	"process":             true,
	"punycode":            true,
	"querystring":         true,
	"readline":            true,
	"repl":                true,
	"stream":              true,
	"string_decoder":      true,
	"sys":                 true,
	"timers":              true,
	"tls":                 true,
	"trace_events":        true,
	"tty":                 true,
	"url":                 true,
	"util":                true,
	"v8":                  true,
	"vm":                  true,
	"wasi":                true,
	"worker_threads":      true,
	"zlib":                true,
}

// nodeCompatV1Modules is the subset the runtime serves natively under the v1
// builtin set. It doubles as the unenv alias list for legacy bundling.
var nodeCompatV1Modules = []string{
	"async_hooks",
	"buffer",
	"crypto",
	"events",
	"fs",
	"http",
	"https",
	"module",
	"net",
	"os",
	"path",
	"process",
	"stream",
	"string_decoder",
	"url",
	"util",
}

// isNodeBuiltin reports whether specifier names a Node.js core module,
// accepting the node: prefix and subpath imports like fs/promises.
func isNodeBuiltin(specifier string) bool {
	return nodeBuiltinModules[builtinName(specifier)]
}

// builtinName reduces an import specifier to its top-level module name.
func builtinName(specifier string) string {
	specifier = strings.TrimPrefix(specifier, "node:")
	if i := strings.IndexByte(specifier, '/'); i >= 0 {
		specifier = specifier[:i]
	}
	return specifier
}

// checkNodeImport decides whether an import of the builtin named name may be
// left external for the runtime under the given compatibility flags. A non-nil
// error fails the build with a hint. Legacy mode never gets here, it rewrites
// imports through aliases instead.
func checkNodeImport(compat CompatFlags, name string) error {
	switch compat.Mode {
	case NodeCompatV2:
		return nil
	case NodeCompatV1:
		for _, m := range nodeCompatV1Modules {
			if m == name {
				return nil
			}
		}
		return fmt.Errorf("%q is outside the v1 builtin set; set your compatibility date to %s or later, or add the nodejs_compat_v2 flag", name, nodeCompatV2Date)
	case NodeCompatALS:
		if name == "async_hooks" {
			return nil
		}
		return fmt.Errorf("%q is not available under nodejs_als; add the nodejs_compat flag", name)
	default:
		return fmt.Errorf("%q is a Node.js builtin; add the nodejs_compat compatibility flag to use it", name)
	}
}

// nodeBuiltinFilter matches any import of a Node.js builtin, with or without
// the node: prefix, including subpaths.
var nodeBuiltinFilter = func() string {
	names := make([]string, 0, len(nodeBuiltinModules))
	for name := range nodeBuiltinModules {
		names = append(names, name)
	}
	sort.Strings(names)
	return "^(node:)?(" + strings.Join(names, "|") + ")(/.*)?$"
}()

// builtinRecorder accumulates the builtins a bundle touched. OnResolve
// callbacks run on esbuild's worker goroutines.
type builtinRecorder struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (r *builtinRecorder) add(name string) {
	r.mu.Lock()
	if r.seen == nil {
		r.seen = map[string]bool{}
	}
	r.seen[name] = true
	r.mu.Unlock()
}

func (r *builtinRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.seen))
	for name := range r.seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// nodeCompatPlugin intercepts builtin imports and applies the worker's
// compatibility mode. External imports are normalized to the node: prefix,
// which is the canonical form the runtime expects.
func nodeCompatPlugin(compat CompatFlags, used *builtinRecorder) esbuild.Plugin {
	return esbuild.Plugin{
		Name: "node-compat",
		Setup: func(build esbuild.PluginBuild) {
			build.OnResolve(esbuild.OnResolveOptions{Filter: nodeBuiltinFilter},
				func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
					name := builtinName(args.Path)
					if !nodeBuiltinModules[name] {
						return esbuild.OnResolveResult{}, nil
					}
					if err := checkNodeImport(compat, name); err != nil {
						return esbuild.OnResolveResult{}, err
					}
					used.add(name)
					path := args.Path
					if !strings.HasPrefix(path, "node:") {
						path = "node:" + path
					}
					return esbuild.OnResolveResult{Path: path, External: true}, nil
				})
		},
	}
}

package workersdk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// DataDir is the base directory for local tool state: cached polyfills and
// the dev server's KV and D1 stores.
var DataDir = ".workerctl"

// BundleOptions configures one bundling pass.
type BundleOptions struct {
	// EntryPoint is the worker's main module.
	EntryPoint string
	// Compat steers how Node.js builtin imports are handled.
	Compat CompatFlags
	// Minify shrinks the output for deploys; dev builds leave it off.
	Minify bool
	// Define maps identifiers to compile-time constant expressions.
	Define map[string]string
	// DataDir overrides the polyfill cache location. Defaults to DataDir.
	DataDir string
}

// BundleResult is a self-contained worker script ready for upload or local
// execution.
type BundleResult struct {
	Script string
	// Hash is the hex SHA-256 of Script. Deploys use it as the deploy key,
	// so unchanged scripts keep their key.
	Hash string
	// NodeModules lists the Node.js builtins the script relies on the
	// runtime for, in sorted order.
	NodeModules []string
	Warnings    []string
}

// Bundle compiles the worker entry point and all its imports into a single
// script. Node.js builtin imports are resolved according to opts.Compat:
// left to the runtime, rewritten to bundled polyfills in legacy mode, or
// rejected with a hint when no compatibility flag allows them.
//
// Sources without imports skip esbuild entirely unless minification or
// defines ask for a real pass.
func Bundle(opts BundleOptions) (*BundleResult, error) {
	entry, err := filepath.Abs(opts.EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("resolving entry point: %w", err)
	}
	source, err := os.ReadFile(entry)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", opts.EntryPoint, err)
	}

	src := string(source)
	if !needsBundling(src) && !opts.Minify && len(opts.Define) == 0 {
		return finishBundle(src, nil, nil), nil
	}

	buildOpts := esbuild.BuildOptions{
		EntryPoints:   []string{entry},
		AbsWorkingDir: filepath.Dir(entry),
		Bundle:        true,
		Format:        esbuild.FormatESModule,
		Write:         false,
		Platform:      esbuild.PlatformBrowser,
		Target:        esbuild.ES2022,
		TreeShaking:   esbuild.TreeShakingFalse,
		Define:        opts.Define,
	}
	if opts.Minify {
		buildOpts.MinifyWhitespace = true
		buildOpts.MinifyIdentifiers = true
		buildOpts.MinifySyntax = true
	}

	used := &builtinRecorder{}
	switch opts.Compat.Mode {
	case NodeCompatLegacy:
		dataDir := opts.DataDir
		if dataDir == "" {
			dataDir = DataDir
		}
		unenvDir := findUnenvPath(dataDir)
		if unenvDir == "" {
			return nil, fmt.Errorf("legacy node compat needs the unenv polyfills and they could not be installed")
		}
		aliases := make(map[string]string, len(nodeCompatV1Modules)*2)
		for _, mod := range nodeCompatV1Modules {
			polyfill := filepath.Join(unenvDir, "runtime", "node", mod, "index.mjs")
			aliases["node:"+mod] = polyfill
			aliases[mod] = polyfill
		}
		buildOpts.Alias = aliases
		// node_modules path so esbuild can resolve unenv's own deps
		// (pathe, consola, etc.).
		buildOpts.NodePaths = []string{filepath.Join(unenvDir, "..")}
	default:
		buildOpts.Plugins = []esbuild.Plugin{nodeCompatPlugin(opts.Compat, used)}
	}

	result := esbuild.Build(buildOpts)

	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return nil, fmt.Errorf("bundling %s: %s", filepath.Base(entry), strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return nil, fmt.Errorf("bundling produced no output")
	}

	var warnings []string
	for _, w := range result.Warnings {
		warnings = append(warnings, w.Text)
	}
	return finishBundle(string(result.OutputFiles[0].Contents), used.list(), warnings), nil
}

func finishBundle(script string, nodeModules, warnings []string) *BundleResult {
	sum := sha256.Sum256([]byte(script))
	return &BundleResult{
		Script:      script,
		Hash:        hex.EncodeToString(sum[:]),
		NodeModules: nodeModules,
		Warnings:    warnings,
	}
}

// needsBundling checks if a script contains import statements that require
// bundling. Simple scripts without imports can skip the esbuild pass.
func needsBundling(source string) bool {
	return strings.Contains(source, "import ") ||
		strings.Contains(source, "import{") ||
		strings.Contains(source, "import(") ||
		strings.Contains(source, "from 'node:") ||
		strings.Contains(source, "from \"node:") ||
		strings.Contains(source, "require(")
}

var (
	resolvedUnenvPath string
	resolveUnenvOnce  sync.Once
)

// findUnenvPath returns the absolute path to the unenv package directory, or
// an empty string if unenv is not available. The result is cached for the
// process lifetime.
//
// It first checks the WORKERCTL_UNENV_PATH env var, then auto-downloads
// unenv and its dependencies from the npm registry if needed.
func findUnenvPath(dataDir string) string {
	resolveUnenvOnce.Do(func() {
		if envPath := os.Getenv("WORKERCTL_UNENV_PATH"); envPath != "" {
			if info, err := os.Stat(filepath.Join(envPath, "runtime", "node")); err == nil && info.IsDir() {
				resolvedUnenvPath = envPath
			}
			return
		}

		unenvDir, err := EnsureUnenv(dataDir)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to install unenv polyfills")
			return
		}
		resolvedUnenvPath = unenvDir
	})
	return resolvedUnenvPath
}

// ResetUnenvCache clears the cached unenv path (used in tests).
func ResetUnenvCache() {
	resolveUnenvOnce = sync.Once{}
	resolvedUnenvPath = ""
}

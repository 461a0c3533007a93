package workersdk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNeedsBundling(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   bool
	}{
		{"no imports", "export default { fetch() {} }", false},
		{"import statement", `import { foo } from './utils.js';`, true},
		{"import no space", `import{foo} from './utils.js';`, true},
		{"dynamic import", `const m = import('./mod.js');`, true},
		{"comment with import word", `// this is important\nexport default {}`, false},
		{"node: import single quotes", `import { Buffer } from 'node:buffer';`, true},
		{"node: import double quotes", `import crypto from "node:crypto";`, true},
		{"require call", `const fs = require('fs');`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := needsBundling(tt.source)
			if got != tt.want {
				t.Errorf("needsBundling(%q) = %v, want %v", tt.source, got, tt.want)
			}
		})
	}
}

func writeEntry(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return filepath.Join(dir, "index.js")
}

func TestBundle_NoImports(t *testing.T) {
	src := `export default { fetch(req) { return new Response("ok"); } }`
	entry := writeEntry(t, map[string]string{"index.js": src})

	result, err := Bundle(BundleOptions{EntryPoint: entry})
	if err != nil {
		t.Fatal(err)
	}
	if result.Script != src {
		t.Errorf("expected source unchanged, got %q", result.Script)
	}
	if len(result.Hash) != 64 {
		t.Errorf("Hash = %q, want 64 hex chars", result.Hash)
	}
}

func TestBundle_WithImports(t *testing.T) {
	entry := writeEntry(t, map[string]string{
		"utils.js": `export function greet(name) { return "Hello " + name; }`,
		"index.js": "import { greet } from './utils.js';\nexport default { fetch(req) { return new Response(greet(\"World\")); } }",
	})

	result, err := Bundle(BundleOptions{EntryPoint: entry})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Script, "greet") {
		t.Error("bundled output should inline the imported function")
	}
	if strings.Contains(result.Script, "./utils.js") {
		t.Error("relative import should be resolved away")
	}
}

func TestBundle_NodeBuiltinExternal(t *testing.T) {
	entry := writeEntry(t, map[string]string{
		"index.js": "import { Buffer } from 'node:buffer';\nexport default { fetch() { return new Response(Buffer.from(\"hi\").toString(\"base64\")); } }",
	})

	result, err := Bundle(BundleOptions{
		EntryPoint: entry,
		Compat:     CompatFlags{Mode: NodeCompatV2, V2: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Script, "node:buffer") {
		t.Error("builtin import should stay external")
	}
	if len(result.NodeModules) != 1 || result.NodeModules[0] != "buffer" {
		t.Errorf("NodeModules = %v, want [buffer]", result.NodeModules)
	}
}

func TestBundle_BareBuiltinNormalized(t *testing.T) {
	entry := writeEntry(t, map[string]string{
		"index.js": "import path from 'path';\nexport default { fetch() { return new Response(path.join(\"a\", \"b\")); } }",
	})

	result, err := Bundle(BundleOptions{
		EntryPoint: entry,
		Compat:     CompatFlags{Mode: NodeCompatV2, V2: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Script, "node:path") {
		t.Error("bare builtin import should be normalized to the node: prefix")
	}
}

func TestBundle_NodeImportRejected(t *testing.T) {
	entry := writeEntry(t, map[string]string{
		"index.js": "import fs from 'node:fs';\nexport default { fetch() { return new Response(\"x\"); } }",
	})

	_, err := Bundle(BundleOptions{EntryPoint: entry})
	if err == nil || !strings.Contains(err.Error(), "nodejs_compat") {
		t.Errorf("expected a nodejs_compat hint, got %v", err)
	}
}

func TestBundle_ALSOnlyAllowsAsyncHooks(t *testing.T) {
	als := CompatFlags{Mode: NodeCompatALS, ALS: true}

	entry := writeEntry(t, map[string]string{
		"index.js": "import { AsyncLocalStorage } from 'node:async_hooks';\nexport default { fetch() { return new Response(\"x\"); } }",
	})
	result, err := Bundle(BundleOptions{EntryPoint: entry, Compat: als})
	if err != nil {
		t.Fatalf("async_hooks under als: %v", err)
	}
	if len(result.NodeModules) != 1 || result.NodeModules[0] != "async_hooks" {
		t.Errorf("NodeModules = %v", result.NodeModules)
	}

	entry = writeEntry(t, map[string]string{
		"index.js": "import fs from 'node:fs';\nexport default { fetch() { return new Response(\"x\"); } }",
	})
	if _, err := Bundle(BundleOptions{EntryPoint: entry, Compat: als}); err == nil {
		t.Error("fs under als should fail")
	}
}

func TestBundle_V1RejectsOutsideSet(t *testing.T) {
	entry := writeEntry(t, map[string]string{
		"index.js": "import dns from 'node:dns';\nexport default { fetch() { return new Response(\"x\"); } }",
	})

	_, err := Bundle(BundleOptions{
		EntryPoint: entry,
		Compat:     CompatFlags{Mode: NodeCompatV1, V1: true},
	})
	if err == nil || !strings.Contains(err.Error(), "nodejs_compat_v2") {
		t.Errorf("expected a nodejs_compat_v2 hint, got %v", err)
	}
}

func TestBundle_LegacyAliases(t *testing.T) {
	ResetUnenvCache()
	defer ResetUnenvCache()

	// Point the resolver at a stub unenv tree instead of downloading one.
	unenv := t.TempDir()
	bufferDir := filepath.Join(unenv, "runtime", "node", "buffer")
	if err := os.MkdirAll(bufferDir, 0o755); err != nil {
		t.Fatal(err)
	}
	stub := "export const Buffer = { from: (s) => ({ toString: () => s }) };\n"
	if err := os.WriteFile(filepath.Join(bufferDir, "index.mjs"), []byte(stub), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WORKERCTL_UNENV_PATH", unenv)

	entry := writeEntry(t, map[string]string{
		"index.js": "import { Buffer } from 'node:buffer';\nexport default { fetch() { return new Response(Buffer.from(\"hi\").toString()); } }",
	})

	result, err := Bundle(BundleOptions{
		EntryPoint: entry,
		Compat:     CompatFlags{Mode: NodeCompatLegacy},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(result.Script, "node:buffer") {
		t.Error("legacy mode should inline the polyfill, not leave the import external")
	}
	if !strings.Contains(result.Script, "toString") {
		t.Error("polyfill body missing from bundle")
	}
}

func TestBundle_Minify(t *testing.T) {
	files := map[string]string{
		"utils.js": "export function add(a, b) {\n  return a + b;\n}\n",
		"index.js": "import { add } from './utils.js';\nexport default {\n  fetch(req) {\n    return new Response(String(add(1, 2)));\n  }\n}\n",
	}

	plain, err := Bundle(BundleOptions{EntryPoint: writeEntry(t, files)})
	if err != nil {
		t.Fatal(err)
	}
	min, err := Bundle(BundleOptions{EntryPoint: writeEntry(t, files), Minify: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(min.Script) >= len(plain.Script) {
		t.Errorf("minified output (%d bytes) not smaller than plain (%d bytes)", len(min.Script), len(plain.Script))
	}
	if min.Hash == plain.Hash {
		t.Error("different scripts must not share a hash")
	}
}

func TestBundle_HashStable(t *testing.T) {
	files := map[string]string{"index.js": `export default { fetch() { return new Response("ok"); } }`}

	a, err := Bundle(BundleOptions{EntryPoint: writeEntry(t, files)})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Bundle(BundleOptions{EntryPoint: writeEntry(t, files)})
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash != b.Hash {
		t.Errorf("same source produced different hashes: %s vs %s", a.Hash, b.Hash)
	}
}

func TestBundle_MissingEntry(t *testing.T) {
	_, err := Bundle(BundleOptions{EntryPoint: filepath.Join(t.TempDir(), "index.js")})
	if err == nil {
		t.Fatal("expected error for missing entry point")
	}
}

func TestBundle_InvalidImport(t *testing.T) {
	entry := writeEntry(t, map[string]string{
		"index.js": "import { foo } from './nonexistent.js';\nexport default { fetch(req) { return new Response(foo()); } }",
	})

	if _, err := Bundle(BundleOptions{EntryPoint: entry}); err == nil {
		t.Fatal("expected error for unresolvable import")
	}
}

package workersdk

import (
	"fmt"
	"strings"
	"time"
)

// NodeCompatMode identifies which tier of the Node.js compatibility layer a
// worker runs under. Exactly one mode is active per deployment.
type NodeCompatMode int

const (
	// NodeCompatNone runs the worker with no Node.js layer at all.
	NodeCompatNone NodeCompatMode = iota
	// NodeCompatLegacy is the old bundler-side polyfill opt-in.
	NodeCompatLegacy
	// NodeCompatALS enables AsyncLocalStorage only.
	NodeCompatALS
	// NodeCompatV1 enables the first-generation runtime builtin set.
	NodeCompatV1
	// NodeCompatV2 enables the full runtime builtin set.
	NodeCompatV2
)

func (m NodeCompatMode) String() string {
	switch m {
	case NodeCompatLegacy:
		return "legacy"
	case NodeCompatALS:
		return "als"
	case NodeCompatV1:
		return "v1"
	case NodeCompatV2:
		return "v2"
	default:
		return "none"
	}
}

// defaultCompatDate is the date floor assumed when a worker declares no
// compatibility date. It predates every feature cutover, so date-gated
// behavior stays off unless a real date is configured.
const defaultCompatDate = "2000-01-01"

// nodeCompatV2Date is the cutover on and after which nodejs_compat also
// enables the v2 builtin set.
const nodeCompatV2Date = "2024-09-23"

// CompatFlags is the outcome of resolving a worker's compatibility date and
// flag list. Mode is what the toolchain acts on; the booleans expose the
// individual flags so callers can validate combinations themselves.
type CompatFlags struct {
	Mode NodeCompatMode

	// ALS, V1 and V2 report the resolved nodejs_als, nodejs_compat and
	// nodejs_compat_v2 flags. V2 may be set by date implication even when
	// the flag itself was never listed.
	ALS bool
	V1  bool
	V2  bool

	// ExperimentalV2 reports the literal experimental:nodejs_compat_v2
	// token. It never influences Mode.
	ExperimentalV2 bool
}

// ResolveNodeCompat computes the Node.js compatibility mode for a worker
// from its compatibility date, its compatibility flags and the legacy
// node_compat setting.
//
// A flag counts as set when it appears in the list and its no_ form does
// not; the negation wins regardless of order or repetition. Dates compare
// lexicographically, which is exact for YYYY-MM-DD strings. Unknown flags
// are ignored, and no input is an error: garbage dates simply leave
// date-gated behavior off.
func ResolveNodeCompat(compatDate string, compatFlags []string, legacyNodeCompat bool) CompatFlags {
	if compatDate == "" {
		compatDate = defaultCompatDate
	}

	als := hasCompatFlag(compatFlags, "nodejs_als")
	v1 := hasCompatFlag(compatFlags, "nodejs_compat")
	v2 := hasCompatFlag(compatFlags, "nodejs_compat_v2") ||
		(v1 && compatDate >= nodeCompatV2Date)

	out := CompatFlags{
		ALS:            als,
		V1:             v1,
		V2:             v2,
		ExperimentalV2: containsFlag(compatFlags, "experimental:nodejs_compat_v2"),
	}

	switch {
	case v2:
		out.Mode = NodeCompatV2
	case v1:
		out.Mode = NodeCompatV1
	case als:
		out.Mode = NodeCompatALS
	case legacyNodeCompat:
		out.Mode = NodeCompatLegacy
	default:
		out.Mode = NodeCompatNone
	}
	return out
}

// hasCompatFlag reports whether name is set in flags: present at least once
// and never negated with the no_ prefix.
func hasCompatFlag(flags []string, name string) bool {
	return containsFlag(flags, name) && !containsFlag(flags, "no_"+name)
}

func containsFlag(flags []string, name string) bool {
	for _, f := range flags {
		if f == name {
			return true
		}
	}
	return false
}

// knownCompatFlags maps every compatibility flag the toolchain understands
// to a short description. Flags outside this table are passed through to
// the platform untouched.
var knownCompatFlags = map[string]string{
	"nodejs_als":                    "enable AsyncLocalStorage without the rest of the Node.js layer",
	"nodejs_compat":                 "enable the v1 Node.js builtin set",
	"nodejs_compat_v2":              "enable the full Node.js builtin set",
	"experimental:nodejs_compat_v2": "preview gate for the v2 builtin set",
}

// IsKnownCompatFlag reports whether name, or the flag it negates, is one the
// toolchain understands.
func IsKnownCompatFlag(name string) bool {
	_, ok := knownCompatFlags[strings.TrimPrefix(name, "no_")]
	return ok
}

// ValidateCompatDate checks that date is a zero-padded YYYY-MM-DD calendar
// date. The resolver itself tolerates anything; this is for config
// validation, where a malformed date should be reported instead of silently
// disabling date-gated behavior.
func ValidateCompatDate(date string) error {
	if len(date) != 10 || date[4] != '-' || date[7] != '-' {
		return fmt.Errorf("compatibility date %q is not in YYYY-MM-DD form", date)
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("compatibility date %q is not a calendar date", date)
	}
	return nil
}

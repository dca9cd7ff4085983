// Package initcfg implements parts of bring-up (§4.9): registration and
// memory-consistency mode selection, a per-provider quirk lookup, and the
// OOB-driven address/memory-region exchange that turns N independently-opened
// fabric.Providers into a working mesh. It does not select a provider: the
// caller supplies one, and there is no provider denylist.
package initcfg

import "strings"

// quirks records the special-case handling the original implementation
// carries for specific providers (comm-ofi.c's providerInUse checks),
// looked up by provider name through SkipPollWaitSet and ExitOnAbort.
type quirks struct {
	// skipPollWaitSet mirrors "we don't use poll and wait sets with the
	// efa/gni providers... nor with tcp;ofi_rxm": those providers'
	// fi_poll/fi_wait implementations are unreliable enough that the
	// original always falls back to manual CQ polling for them.
	skipPollWaitSet bool

	// exitOnAbort mirrors exit_any's verbs-specific "(over)abundance of
	// caution": terminate via the immediate-process-exit path instead of
	// the normal graceful one, working around a (historically) broken
	// librdmacm destructor that could segfault during atexit handlers.
	exitOnAbort bool
}

// knownProviders is intentionally small: it encodes the documented problem
// providers from the original implementation (four names, two kinds of
// quirk), not a general compatibility matrix.
var knownProviders = map[string]quirks{
	"efa":         {skipPollWaitSet: true},
	"gni":         {skipPollWaitSet: true},
	"tcp;ofi_rxm": {skipPollWaitSet: true},
	"verbs":       {exitOnAbort: true},
}

// quirksFor looks up the quirks for a negotiated provider name, matching on
// substring the way the original's isInProvName does (a provider name like
// "verbs;ofi_rxm" still counts as "verbs").
func quirksFor(name string) quirks {
	name = strings.ToLower(name)
	for key, q := range knownProviders {
		if strings.Contains(name, key) {
			return q
		}
	}
	return quirks{}
}

// SkipPollWaitSet reports whether the named provider's poll/wait-set
// support should be avoided in favor of manual CQ polling.
func SkipPollWaitSet(providerName string) bool { return quirksFor(providerName).skipPollWaitSet }

// ExitOnAbort reports whether an unrecoverable error on the named provider
// should route through an immediate process exit rather than the normal
// graceful shutdown sequence.
func ExitOnAbort(providerName string) bool { return quirksFor(providerName).exitOnAbort }

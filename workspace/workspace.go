// Package workspace summarizes ambient project state into a bounded textual
// block appended to prompts. The packing is deterministic: identical snapshots
// always produce identical blocks, which the dispatcher relies on for stable
// cache keys.
package workspace

import (
	"fmt"
	"strings"
)

// Snapshot captures the ambient signals a context source must supply. Any
// producer (file indexer, task store, tests) satisfying this shape works.
type Snapshot struct {
	Cwd              string   `json:"cwd"`
	SymbolCount      int      `json:"symbolCount"`
	TopSymbols       []string `json:"topSymbols"`
	PendingTaskCount int      `json:"pendingTaskCount"`
}

// Pack renders the snapshot as a textual context block. The symbol list is
// truncated to maxSymbols entries to bound prompt size.
func Pack(snap Snapshot, maxSymbols int) string {
	if maxSymbols <= 0 {
		maxSymbols = 8
	}

	var b strings.Builder
	b.WriteString("## Project context\n")
	if snap.Cwd != "" {
		fmt.Fprintf(&b, "Working directory: %s\n", snap.Cwd)
	}
	if snap.SymbolCount > 0 {
		fmt.Fprintf(&b, "Indexed symbols: %d\n", snap.SymbolCount)
	}
	if len(snap.TopSymbols) > 0 {
		symbols := snap.TopSymbols
		truncated := false
		if len(symbols) > maxSymbols {
			symbols = symbols[:maxSymbols]
			truncated = true
		}
		fmt.Fprintf(&b, "Top symbols: %s", strings.Join(symbols, ", "))
		if truncated {
			fmt.Fprintf(&b, " (+%d more)", len(snap.TopSymbols)-maxSymbols)
		}
		b.WriteString("\n")
	}
	if snap.PendingTaskCount > 0 {
		fmt.Fprintf(&b, "Open tasks: %d\n", snap.PendingTaskCount)
	}
	return b.String()
}

// Empty reports whether the snapshot carries no signal worth packing.
func (s Snapshot) Empty() bool {
	return s.Cwd == "" && s.SymbolCount == 0 && len(s.TopSymbols) == 0 && s.PendingTaskCount == 0
}

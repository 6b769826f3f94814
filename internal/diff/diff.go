// Package diff computes the character-level delta between two versions of
// a file's text, used both by the file bridge (disk -> CRDT
// reconciliation) and the editor gateway (open-time reconciliation
// between an editor's buffer and the CRDT's content). Trimming the common
// prefix and suffix first keeps a shifted run from being re-deleted and
// re-inserted rune by rune; the result is a single coalesced edit over
// the span that actually changed.
package diff

import "ethersync/internal/crdt"

// Compute returns the Delta that turns oldText into newText. It is always
// either empty (oldText == newText) or a single Edit spanning the first
// rune where the two differ to the last rune where they differ, which is
// the minimal single contiguous edit a rune-by-rune comparison can produce
// and is never an artifact-free no-op delete+insert of matching runs.
func Compute(oldText, newText string) crdt.Delta {
	if oldText == newText {
		return nil
	}

	old := []rune(oldText)
	newRunes := []rune(newText)

	start := 0
	for start < len(old) && start < len(newRunes) && old[start] == newRunes[start] {
		start++
	}

	oldEnd := len(old)
	newEnd := len(newRunes)
	for oldEnd > start && newEnd > start && old[oldEnd-1] == newRunes[newEnd-1] {
		oldEnd--
		newEnd--
	}

	if start == oldEnd && start == newEnd {
		return nil
	}

	return crdt.Delta{{
		Range:       crdt.Range{Start: start, End: oldEnd},
		Replacement: string(newRunes[start:newEnd]),
	}}
}

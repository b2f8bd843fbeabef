// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package filetable

// Merge composes upper over lower and returns a new table.
//
// An upper entry replaces the lower entry at the same path. When the
// replacement is not a directory, everything below the replaced lower
// path is dropped too. A whiteout in upper deletes the lower entry and,
// for a directory, all of its descendants; the whiteout itself is
// consumed. Whiteouts that match nothing in lower are kept, so they
// still apply when the result is laid over an existing tree.
//
// Hardlink groups of the two layers never share a number in the result;
// groups are renumbered from 1 in path order.
func Merge(lower, upper *Table) *Table {
	lowerIndex := make(map[string]*Entry, len(lower.Entries))
	var groupOffset uint32
	for i := range lower.Entries {
		lowerIndex[lower.Entries[i].Path] = &lower.Entries[i]
		groupOffset = max(groupOffset, lower.Entries[i].LinkGroup)
	}

	upperPaths := make(map[string]bool, len(upper.Entries))
	// removeTree holds paths whose lower entry and descendants go away;
	// removeBelow holds paths whose lower descendants go away.
	removeTree := make(map[string]bool)
	removeBelow := make(map[string]bool)

	var merged []Entry
	for _, entry := range upper.Entries {
		lowerEntry, shadowed := lowerIndex[entry.Path]
		if entry.Type == TypeWhiteout {
			if shadowed {
				removeTree[entry.Path] = true
				continue
			}
		} else if shadowed && lowerEntry.Type == TypeDirectory && entry.Type != TypeDirectory {
			removeBelow[entry.Path] = true
		}
		upperPaths[entry.Path] = true
		if entry.LinkGroup != 0 {
			entry.LinkGroup += groupOffset
		}
		merged = append(merged, entry)
	}

	for _, entry := range lower.Entries {
		if upperPaths[entry.Path] || removed(entry.Path, removeTree, removeBelow) {
			continue
		}
		merged = append(merged, entry)
	}

	table := New(merged)
	renumberLinkGroups(table.Entries)
	return table
}

// renumberLinkGroups numbers hardlink groups densely in order of first
// appearance.
func renumberLinkGroups(entries []Entry) {
	renumbered := make(map[uint32]uint32)
	for i := range entries {
		group := entries[i].LinkGroup
		if group == 0 {
			continue
		}
		next, ok := renumbered[group]
		if !ok {
			next = uint32(len(renumbered) + 1)
			renumbered[group] = next
		}
		entries[i].LinkGroup = next
	}
}

// removed reports whether p is deleted by a whiteout or lies below a
// replaced directory.
func removed(p string, removeTree, removeBelow map[string]bool) bool {
	if removeTree[p] {
		return true
	}
	for ancestor := Parent(p); ; ancestor = Parent(ancestor) {
		if removeTree[ancestor] || removeBelow[ancestor] {
			return true
		}
		if ancestor == Root {
			return false
		}
	}
}

package backend

import (
	"strings"
)

// ChangeKind is the kind of a push-stream change notification.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "entry-added"
	ChangeUpdated ChangeKind = "entry-updated"
	ChangeDeleted ChangeKind = "entry-deleted"
)

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeAdded, ChangeUpdated, ChangeDeleted:
		return true
	}
	return false
}

// Operation maps the change kind to the local operation that would produce
// the same echo.
func (k ChangeKind) Operation() OperationKind {
	switch k {
	case ChangeAdded:
		return OpCreate
	case ChangeUpdated:
		return OpUpdate
	case ChangeDeleted:
		return OpDelete
	}
	return OpNone
}

// RemoteChange is one decoded push-stream notification.
type RemoteChange struct {
	Kind       ChangeKind
	Cursor     string
	CalendarID string
	Date       string
	EntryID    string
	// Entry is nil for deletions.
	Entry *Entry
}

// MergeOutcome describes what applying a RemoteChange did to the local store.
type MergeOutcome string

const (
	MergeConfirmed MergeOutcome = "confirmed" // own write echoed back
	MergeApplied   MergeOutcome = "applied"   // foreign change written
	MergeRemoved   MergeOutcome = "removed"   // foreign delete
	MergeNoop      MergeOutcome = "noop"      // already applied
)

// CompareCursors orders two stream cursors and returns -1, 0 or 1.
//
// Decimal cursors compare numerically, ignoring leading zeros. Any other
// pair of distinct cursors has no order of its own; a is taken as the
// newer one, since the server only hands out a new cursor with a new
// event. The empty cursor precedes everything.
func CompareCursors(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	}
	if !isDecimal(a) || !isDecimal(b) {
		return 1
	}
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	switch {
	case len(a) != len(b):
		if len(a) > len(b) {
			return 1
		}
		return -1
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

// CursorAfter reports whether cursor a is strictly after cursor b.
func CursorAfter(a, b string) bool {
	return CompareCursors(a, b) > 0
}

func isDecimal(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// Package coalesce turns a noisy stream of filesystem notifications into
// batches of net per-path actions.
//
// Every accepted event rearms one shared debounce timer. When the timer fires
// with no newer event, the whole pending map is drained as a single batch, so
// a burst across hundreds of files (a branch switch, a bulk rename) costs one
// mirror pass and one index rebuild.
package coalesce

import "fmt"

// Kind is the kind of a raw event or pending action.
type Kind int

const (
	// Created means a file appeared.
	Created Kind = iota + 1
	// Modified means a file's content changed.
	Modified
	// Deleted means a file (or, with Dir set, a directory) went away.
	Deleted
	// Moved means a file was renamed; the action carries the destination.
	Moved
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Moved:
		return "moved"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RawEvent is one notification from the watch source.
type RawEvent struct {
	Kind Kind
	// Path is the absolute path the event refers to (the source of a move).
	Path string
	// Dest is the absolute destination of a move.
	Dest string
	// Dir marks the deletion of a whole directory.
	Dir bool
}

// Action is the reduced state for one path, keyed by its source path.
type Action struct {
	Kind Kind
	// Path is the slash-separated path relative to the watched root.
	Path string
	// Dest is the relative destination of a Moved action.
	Dest string
	// Dir marks a directory deletion.
	Dir bool
	// Seq is the ingestion sequence number of the last event merged into
	// this action. Batches are ordered by it.
	Seq uint64
}

func (a Action) String() string {
	if a.Kind == Moved {
		return fmt.Sprintf("%s %s -> %s", a.Kind, a.Path, a.Dest)
	}
	if a.Dir {
		return fmt.Sprintf("%s %s/", a.Kind, a.Path)
	}
	return fmt.Sprintf("%s %s", a.Kind, a.Path)
}

// merge folds an incoming action into the pending one for the same path.
//
// A Created that lands on a pending Deleted becomes Modified: editors that
// save via write-temp-then-rename delete and recreate the file, and the net
// effect is an update. Everything else is last-event-wins.
func merge(pending Action, havePending bool, incoming Action) Action {
	if !havePending {
		return incoming
	}
	if incoming.Kind == Created && pending.Kind == Deleted && !pending.Dir {
		incoming.Kind = Modified
	}
	return incoming
}

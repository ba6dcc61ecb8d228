// Package common holds the shared contract of the local folder
// adapters: the Adapter interface every mbox/MH/maildir
// implementation satisfies, the per-folder state file codec, and the
// cross-process FileLock (dotlock + flock).
package common

import (
	"context"
	"time"
)

// Message is the raw input to Append: a full RFC 5322 message plus
// the flags/labels/user-tags the caller wants recorded immediately.
type Message struct {
	Raw    []byte
	Flags  uint32
	Labels []string
}

// MessageMeta is what an adapter can determine about a message purely
// from the on-disk form, without invoking the MIME parser: size and
// dates are filled in by the caller from the parsed headers before
// the info is pushed into FolderSummary.
type MessageMeta struct {
	UID       string
	Flags     uint32
	Size      int64
	DSent     int64
	DReceived int64
	Subject   string
	From      string
	To        string
}

// Adapter is the common interface of the mbox, MH and maildir local
// folder adapters.
type Adapter interface {
	// Append writes message to disk and returns the uid it was
	// assigned. A failed append must unlink any partial tmp file and
	// leave no trace.
	Append(ctx context.Context, message Message) (uid string, err error)

	// GetMessage returns the raw bytes of uid.
	GetMessage(ctx context.Context, uid string) ([]byte, error)

	// GetFilename returns the on-disk path backing uid, where the
	// format exposes one (mbox does not; it returns an offset-encoded
	// pseudo-path instead).
	GetFilename(ctx context.Context, uid string) (string, error)

	// CmpUIDs orders two uids the way this format's on-disk naming
	// convention would (e.g. MH's plain integer filenames).
	CmpUIDs(a, b string) int

	// SortUIDs sorts uids in place using CmpUIDs.
	SortUIDs(uids []string)

	// Transfer moves or copies uids into dest. Same-format transfers
	// within one store attempt a raw rename first and fall back to
	// copy+delete on a cross-device failure.
	Transfer(ctx context.Context, uids []string, dest Adapter, deleteOriginals bool) error

	// RefreshInfo reconciles on-disk state against the last known
	// summary and returns the uids added, removed, or changed.
	RefreshInfo(ctx context.Context) (added, removed, changed []string, err error)

	// Expunge permanently removes every uid flagged DELETED and
	// reports which uids were removed.
	Expunge(ctx context.Context) (removed []string, err error)

	// Options returns the folder's persistent option bag (mark-seen
	// mode, mark-seen timeout), loaded from the state file next to
	// the folder on open. Mutations are flushed by Close.
	Options() *State

	// DeleteStateFile removes the folder's state file from disk;
	// called when the folder itself is destroyed.
	DeleteStateFile() error

	// Close flushes dirty options and releases any held file locks.
	Close() error
}

// StateFilePath returns the conventional state-file location for a
// folder stored at path (a file or a directory): a ".cmeta" sibling.
func StateFilePath(path string) string { return path + ".cmeta" }

// OpenState loads the state file next to path, immediately persisting
// the rewrite when the load upgraded a legacy binary file. A failed
// rewrite is not fatal: the upgrade happens again on the next load.
func OpenState(path string) *State {
	s := LoadState(StateFilePath(path))
	if s.Dirty() {
		s.Save()
	}
	return s
}

// LockConfig tunes the dotlock retry policy.
type LockConfig struct {
	Retries   int
	Delay     time.Duration
	Staleness time.Duration
}

// DefaultLockConfig is the mbox dotlock policy (retry up to 5x, 2s
// delay, 60s staleness), reused by MH and maildir for cross-process
// coordination.
var DefaultLockConfig = LockConfig{
	Retries:   5,
	Delay:     2 * time.Second,
	Staleness: 60 * time.Second,
}

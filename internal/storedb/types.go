package storedb

import "github.com/emersion/go-imap/v2"

// FolderFlag is a bit in FolderRecord.Flags.
type FolderFlag uint32

const (
	FolderHasSummary FolderFlag = 1 << iota
	FolderHasSearch
	FolderFilterRecent
	FolderHasBeenDeleted
	FolderIsTrash
	FolderIsJunk
	FolderFilterJunk
	FolderNoSelect
	FolderNoInferiors
	FolderChildren
	// Bits 10..15 hold the TYPE field (see FolderType), so the
	// remaining flags start at bit 16.
	FolderNoChildren FolderFlag = 1 << (iota + 6)
	FolderSubscribed
	FolderVirtual
	FolderSystem
	FolderVTrash
	FolderSharedToMe
	FolderSharedByMe
)

// FolderType occupies the 6-bit TYPE field at bit 10 of the folder
// flags.
type FolderType uint32

const (
	FolderTypeNormal FolderType = iota
	FolderTypeInbox
	FolderTypeOutbox
	FolderTypeTrash
	FolderTypeJunk
	FolderTypeSent
)

const folderTypeShift = 10
const folderTypeMask = 0x3f

// WithType returns flags with its TYPE field set to t.
func (f FolderFlag) WithType(t FolderType) FolderFlag {
	cleared := uint32(f) &^ (folderTypeMask << folderTypeShift)
	return FolderFlag(cleared | (uint32(t)&folderTypeMask)<<folderTypeShift)
}

// Type extracts the TYPE field.
func (f FolderFlag) Type() FolderType {
	return FolderType((uint32(f) >> folderTypeShift) & folderTypeMask)
}

// MessageFlag is a bit in MessageRecord.Flags.
type MessageFlag uint32

const (
	MessageAnswered MessageFlag = 1 << iota
	MessageDeleted
	MessageDraft
	MessageFlagged
	MessageSeen
	MessageAttachments
	MessageJunk
	MessageSecure
	// MessageFolderFlagged is the "dirty" bit: pending upload.
	MessageFolderFlagged
	MessageJunkLearn
)

// Has reports whether mask is fully set in f.
func (f MessageFlag) Has(mask MessageFlag) bool { return f&mask == mask }

// flagNames maps each system bit to its canonical IMAP flag name, the
// spelling the rest of the ecosystem (maildir info suffixes aside)
// exchanges flags in.
var flagNames = []struct {
	bit  MessageFlag
	name imap.Flag
}{
	{MessageAnswered, imap.FlagAnswered},
	{MessageDeleted, imap.FlagDeleted},
	{MessageDraft, imap.FlagDraft},
	{MessageFlagged, imap.FlagFlagged},
	{MessageSeen, imap.FlagSeen},
	{MessageJunk, imap.FlagJunk},
}

// Names returns the canonical IMAP flag names for the system bits set
// in f, in a stable order.
func (f MessageFlag) Names() []string {
	var out []string
	for _, e := range flagNames {
		if f.Has(e.bit) {
			out = append(out, string(e.name))
		}
	}
	return out
}

// FolderRecord is the persistent row of the `folders` table.
type FolderRecord struct {
	FolderID      int64
	Name          string
	Version       int
	Flags         FolderFlag
	NextUID       uint64
	LastSync      int64 // unix seconds
	SavedCount    int64
	UnreadCount   int64
	DeletedCount  int64
	JunkCount     int64
	VisibleCount  int64 // not-deleted and not-junk
	JunkNotDelCnt int64 // junk-not-deleted
	BackendData   string
}

// Exists reports whether this record refers to a real folder
// (folder_id == 0 is the documented "not found" zero value).
func (f FolderRecord) Exists() bool { return f.FolderID != 0 }

// MessageRecord is the persistent row of a per-folder `messages_<id>`
// table.
type MessageRecord struct {
	UID         string
	Flags       MessageFlag
	MsgType     int
	Dirty       bool
	Size        int64
	DSent       int64
	DReceived   int64
	Subject     string
	MailFrom    string
	MailTo      string
	MailCC      string
	MList       string
	Part        string // decimal count + "<hi> <lo>" pairs; own id then references
	Labels      string // space-separated user flags
	UserTags    string // encoded key/value pairs
	CInfo       string
	BData       string
	UserHeaders string
	Preview     string
}

// CountKind selects which WHERE-clause family CountMessages uses.
type CountKind int

const (
	CountTotal CountKind = iota
	CountUnread
	CountJunk
	CountDeleted
	CountNotJunkNotDeleted
	CountNotJunkNotDeletedUnread
	CountJunkNotDeleted
)

package summary

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/localmail/storecore/internal/logging"
	"github.com/localmail/storecore/internal/storedb"
)

// MessageInfo is the in-memory form of a message: it extends the
// persistent MessageRecord with a lock, a dirty bit, a
// lazily-fetched header array, a preview, and decoded user-header /
// user-tag maps. A MessageInfo may be "loaded" (present in a
// Summary's cache) or "unloaded" (only in StoreDB).
type MessageInfo struct {
	mu sync.Mutex

	Record storedb.MessageRecord
	Dirty  bool

	headersLoaded bool
	Headers       map[string]string

	UserTags    map[string]string
	UserHeaders map[string]string
}

// UID returns the message's uid for convenience.
func (m *MessageInfo) UID() string { return m.Record.UID }

// SetHeaders installs the full decoded header map (lowercased names),
// marking the info as header-loaded.
func (m *MessageInfo) SetHeaders(h map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Headers = make(map[string]string, len(h))
	for k, v := range h {
		m.Headers[strings.ToLower(k)] = v
	}
	m.headersLoaded = true
}

// HeaderValue returns the named header, or ok=false when the full
// header array has not been fetched for this info (absence of a
// header on a loaded info reports ("", true)).
func (m *MessageInfo) HeaderValue(name string) (value string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.headersLoaded {
		return "", false
	}
	return m.Headers[strings.ToLower(name)], true
}

func newMessageInfo(r storedb.MessageRecord) *MessageInfo {
	return &MessageInfo{
		Record:      r,
		UserTags:    decodeKV(r.UserTags),
		UserHeaders: decodeKV(r.UserHeaders),
	}
}

// Summary is a per-folder in-memory cache of MessageInfo, backed by a
// StoreDB folder.
type Summary struct {
	db         *storedb.DB
	folderName string
	log        zerolog.Logger

	mu    sync.Mutex
	infos map[string]*MessageInfo

	change *ChangeInfo

	freezeDepth   int
	changedFrozen *ChangeInfo
	notifyCh      chan *ChangeInfo
	notifyPending bool

	// Tiebreak compares two uids whose decimal prefixes are equal
	// (maildir breaks ties by received-date ascending). Defaults to
	// string comparison if unset.
	Tiebreak func(a, b *MessageInfo) bool
}

// New returns a Summary for folderName backed by db. notifyBuf sizes
// the deferred-notification channel; 0 is fine for tests that drain
// synchronously.
func New(db *storedb.DB, folderName string, notifyBuf int) *Summary {
	return &Summary{
		db:         db,
		folderName: folderName,
		log:        logging.WithComponent("summary"),
		infos:      make(map[string]*MessageInfo),
		change:     NewChangeInfo(),
		notifyCh:   make(chan *ChangeInfo, notifyBuf+1),
	}
}

// Notifications returns the channel a single consumer drains for
// coalesced "changed" events.
func (s *Summary) Notifications() <-chan *ChangeInfo { return s.notifyCh }

// Count returns the number of loaded+unloaded messages known to the
// folder.
func (s *Summary) Count(ctx context.Context) (int, error) {
	n, err := s.db.CountMessages(ctx, s.folderName, storedb.CountTotal)
	return int(n), err
}

// GetInfo returns the MessageInfo for uid, loading it from StoreDB on
// first access if not already cached.
func (s *Summary) GetInfo(ctx context.Context, uid string) (*MessageInfo, error) {
	s.mu.Lock()
	if mi, ok := s.infos[uid]; ok {
		s.mu.Unlock()
		return mi, nil
	}
	s.mu.Unlock()

	rec, ok, err := s.db.ReadMessage(ctx, s.folderName, uid)
	if err != nil || !ok {
		return nil, err
	}
	mi := newMessageInfo(rec)
	s.mu.Lock()
	s.infos[uid] = mi
	s.mu.Unlock()
	return mi, nil
}

// Peek returns the MessageInfo for uid only if it is already loaded
// in memory, without touching StoreDB — for callers (storesearch's
// UDF implementations) that need to know whether in-memory state
// should win over a stale db column but must never block on a DB
// read from inside a SQL callback.
func (s *Summary) Peek(uid string) (*MessageInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mi, ok := s.infos[uid]
	return mi, ok
}

// DupUIDs returns a fresh copy of every uid currently known (loaded
// or not).
func (s *Summary) DupUIDs(ctx context.Context) ([]string, error) {
	flags, err := s.db.DupUidsWithFlags(ctx, s.folderName)
	if err != nil {
		return nil, err
	}
	uids := make([]string, 0, len(flags))
	for u := range flags {
		uids = append(uids, u)
	}
	s.SortUIDs(uids)
	return uids, nil
}

// SortUIDs sorts uids in place using the default comparator: the
// decimal prefix of the uid, broken by Tiebreak if set, else by
// string order.
func (s *Summary) SortUIDs(uids []string) {
	sort.SliceStable(uids, func(i, j int) bool {
		ni, oki := decimalPrefix(uids[i])
		nj, okj := decimalPrefix(uids[j])
		if oki && okj && ni != nj {
			return ni < nj
		}
		if oki && okj && s.Tiebreak != nil {
			mi, _ := s.infos[uids[i]]
			mj, _ := s.infos[uids[j]]
			if mi != nil && mj != nil {
				return s.Tiebreak(mi, mj)
			}
		}
		return uids[i] < uids[j]
	})
}

func decimalPrefix(uid string) (int64, bool) {
	i := 0
	for i < len(uid) && uid[i] >= '0' && uid[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(uid[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Add allocates a new uid from the folder's next-uid counter,
// materializes a MessageInfo, and pushes uid_added into change.
func (s *Summary) Add(ctx context.Context, rec storedb.MessageRecord, change *ChangeInfo) (*MessageInfo, error) {
	folder, err := s.db.ReadFolder(ctx, s.folderName)
	if err != nil {
		return nil, err
	}
	uid := rec.UID
	if uid == "" {
		uid = strconv.FormatUint(folder.NextUID, 10)
		folder.NextUID++
		rec.UID = uid
		if _, err := s.db.WriteFolder(ctx, s.folderName, folder); err != nil {
			return nil, err
		}
	}
	if err := s.db.WriteMessage(ctx, s.folderName, rec); err != nil {
		return nil, err
	}
	mi := newMessageInfo(rec)
	s.mu.Lock()
	s.infos[uid] = mi
	s.mu.Unlock()

	change.AddUID(uid)
	s.recordChange(change)
	return mi, nil
}

// SetMessageFlags atomically applies flags = (flags &^ mask) | set;
// if the value actually changed, raises the info's dirty bit and
// pushes uid_changed.
func (s *Summary) SetMessageFlags(ctx context.Context, uid string, mask, set storedb.MessageFlag, change *ChangeInfo) (bool, error) {
	mi, err := s.GetInfo(ctx, uid)
	if err != nil || mi == nil {
		return false, err
	}
	mi.mu.Lock()
	next := (mi.Record.Flags &^ mask) | set
	changed := next != mi.Record.Flags
	if changed {
		mi.Record.Flags = next
		mi.Dirty = true
	}
	mi.mu.Unlock()

	if changed {
		change.ChangeUID(uid)
		s.recordChange(change)
	}
	return changed, nil
}

// recordChange merges change into the active freeze buffer (if
// frozen) or the live ChangeInfo, and schedules the deferred notify.
func (s *Summary) recordChange(change *ChangeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freezeDepth > 0 {
		if s.changedFrozen == nil {
			s.changedFrozen = NewChangeInfo()
		}
		s.changedFrozen.Merge(change)
		return
	}
	s.change.Merge(change)
	s.scheduleNotifyLocked()
}

// Freeze increments the freeze counter; while > 0, change events
// accumulate in a private changed_frozen set instead of notifying.
func (s *Summary) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freezeDepth++
}

// Thaw decrements the freeze counter; at zero, if changed_frozen is
// non-empty, it is swapped out and a single consolidated "changed"
// notification is emitted, then the summary is saved.
func (s *Summary) Thaw(ctx context.Context) error {
	s.mu.Lock()
	if s.freezeDepth == 0 {
		s.mu.Unlock()
		return nil
	}
	s.freezeDepth--
	if s.freezeDepth > 0 {
		s.mu.Unlock()
		return nil
	}
	frozen := s.changedFrozen
	s.changedFrozen = nil
	s.mu.Unlock()

	if frozen == nil || frozen.IsEmpty() {
		return nil
	}
	s.mu.Lock()
	s.change.Merge(frozen)
	s.scheduleNotifyLocked()
	s.mu.Unlock()
	return s.Save(ctx)
}

// scheduleNotifyLocked coalesces pending notifications: if one is
// already queued, the diff is simply left to accumulate on s.change,
// appended to the pending diff instead of scheduling a second
// emission.
func (s *Summary) scheduleNotifyLocked() {
	if s.notifyPending {
		return
	}
	pending := s.change
	s.change = NewChangeInfo()
	select {
	case s.notifyCh <- pending:
		return
	default:
	}
	// Consumer is behind; hand off asynchronously and let further
	// diffs pile onto s.change until this emission lands.
	s.notifyPending = true
	go func() {
		select {
		case s.notifyCh <- pending:
		case <-time.After(time.Second):
			s.log.Warn().Msg("notification channel full, dropping change-info emission")
		}
		s.mu.Lock()
		s.notifyPending = false
		s.mu.Unlock()
	}()
}

// PrepareFetchAll preloads every info to avoid per-row disk
// round-trips during an upcoming scan.
func (s *Summary) PrepareFetchAll(ctx context.Context) error {
	return s.db.ReadMessages(ctx, s.folderName, func(rec storedb.MessageRecord) error {
		s.mu.Lock()
		if _, ok := s.infos[rec.UID]; !ok {
			s.infos[rec.UID] = newMessageInfo(rec)
		}
		s.mu.Unlock()
		return nil
	})
}

// Save writes every dirty info back through StoreDB in one
// transaction, then clears the dirty bits.
func (s *Summary) Save(ctx context.Context) error {
	s.mu.Lock()
	dirty := make([]*MessageInfo, 0)
	for _, mi := range s.infos {
		mi.mu.Lock()
		if mi.Dirty {
			dirty = append(dirty, mi)
		}
		mi.mu.Unlock()
	}
	s.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	ctx, wt, err := s.db.WriterLock(ctx)
	if err != nil {
		return err
	}
	for _, mi := range dirty {
		mi.mu.Lock()
		rec := mi.Record
		rec.UserTags = encodeKV(mi.UserTags)
		rec.UserHeaders = encodeKV(mi.UserHeaders)
		mi.mu.Unlock()

		if err := s.db.WriteMessage(ctx, s.folderName, rec); err != nil {
			s.db.AbortTransaction(wt)
			return err
		}
	}
	if err := s.db.EndTransaction(wt); err != nil {
		return err
	}
	for _, mi := range dirty {
		mi.mu.Lock()
		mi.Dirty = false
		mi.mu.Unlock()
	}
	return nil
}

func decodeKV(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}
	for _, pair := range strings.Split(s, "\x01") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "\x02", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

func encodeKV(m map[string]string) string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"\x02"+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, "\x01")
}

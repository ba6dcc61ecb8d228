package storesearch

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/localmail/storecore/internal/matchthreads"
	"github.com/localmail/storecore/internal/storedb"
	"github.com/localmail/storecore/internal/summary"
)

// CmpText implements storedb.SearchContext's CmpText: the "=" string
// operator, case- and normalization-insensitive — both sides fold
// through NFC so a message in NFC and a search term typed in NFD
// still match. header is accepted for interface parity with
// search_header's richer contract but unused here: cmp_text always
// compares the two values the compiler already resolved to columns or
// literals. kind "eq" (or empty) tests equality; any other kind tests
// whether hay contains needle.
func (s *StoreSearch) CmpText(uid, header, kind, hay, needle string) bool {
	a, b := foldText(hay), foldText(needle)
	switch kind {
	case "eq", "":
		return a == b
	default:
		return strings.Contains(a, b)
	}
}

func foldText(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

// SearchBody implements the search_body UDF contract: body-contains
// and body-regex are remote ops, answered provisionally true during
// the SELECT and resolved for real between passes.
func (s *StoreSearch) SearchBody(uid, kind, encodedWords string) bool {
	key := opKey{kind: opBody, uid: uid, sub: kind, needle: encodedWords}
	return s.resolver.lookup(key, true)
}

// SearchHeader implements search_header: a loaded info whose full
// header array has been fetched answers immediately; everything else
// is a remote op, answered provisionally true and resolved between
// passes.
func (s *StoreSearch) SearchHeader(uid, name, kind, needle, dbValue string) bool {
	if info := s.loadedInfo(uid); info != nil {
		if v, ok := info.HeaderValue(name); ok {
			present := v != ""
			return matchHeaderString(v, present, kind, needle)
		}
	}
	key := opKey{kind: opHeader, uid: uid, name: name, sub: kind, needle: needle}
	return s.resolver.lookup(key, true)
}

// GetUserTag implements get_user_tag: in-memory loaded info (not yet
// flushed to StoreDB) wins over the row's own usertags column, since
// a folder's loaded summary is always at least as fresh as its
// backing row.
func (s *StoreSearch) GetUserTag(uid, tag, dbValue string) string {
	if info := s.loadedInfo(uid); info != nil {
		if v, ok := info.UserTags[tag]; ok {
			return v
		}
	}
	return decodeKVLocal(dbValue)[tag]
}

// FromLoadedInfoOrDB implements from_loaded_info_or_db: column is one
// of the MessageRecord field names the compiler might prefer reading
// from loaded info (subject/mail_from/mail_to/...); falls back to
// dbValue when no loaded MessageInfo exists for uid yet.
func (s *StoreSearch) FromLoadedInfoOrDB(uid, column, dbValue string) string {
	info := s.loadedInfo(uid)
	if info == nil {
		return dbValue
	}
	switch column {
	case "subject":
		return info.Record.Subject
	case "mail_from":
		return info.Record.MailFrom
	case "mail_to":
		return info.Record.MailTo
	case "mail_cc":
		return info.Record.MailCC
	case "mlist":
		return info.Record.MList
	case "labels":
		return info.Record.Labels
	default:
		return dbValue
	}
}

// AddressbookContains implements addressbook_contains: a remote op,
// answered provisionally true during the SELECT (so a row is not
// dropped before the lookup runs) and resolved in bulk between
// passes. The addressbook itself is never called from inside a
// SELECT.
func (s *StoreSearch) AddressbookContains(bookUID, email string) bool {
	key := opKey{kind: opAddressbook, sub: bookUID, needle: email}
	return s.resolver.lookup(key, true)
}

// CheckLabels implements check_labels (user-flag): loaded info wins
// over the row's own labels column, same precedence as GetUserTag.
func (s *StoreSearch) CheckLabels(uid, label, dbValue string) bool {
	labels := dbValue
	if info := s.loadedInfo(uid); info != nil {
		labels = info.Record.Labels
	}
	for _, l := range strings.Fields(labels) {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// CheckFlags implements check_flags (system-flag): loaded info's
// in-memory flags win over the row's own flags column.
func (s *StoreSearch) CheckFlags(uid string, mask int64, dbValue int64) bool {
	flags := dbValue
	if info := s.loadedInfo(uid); info != nil {
		flags = int64(info.Record.Flags)
	}
	return flags&mask != 0
}

// InResultIndex implements in_result_index: membership in the
// post-thread-expansion result set for the folder currently being
// queried.
func (s *StoreSearch) InResultIndex(uid string) bool {
	if s.resultIndex == nil {
		return false
	}
	return s.resultIndex.Contains(matchthreads.Triple{
		Store: s.storeName, FolderID: s.currentFolderID, UID: uid,
	})
}

// InMatchIndex implements in_match_index (in-match-index): membership
// in a named auxiliary SearchIndex previously attached via AttachIndex.
func (s *StoreSearch) InMatchIndex(indexID, uid string) bool {
	if s.matchIndexes == nil {
		return false
	}
	return s.matchIndexes.Contains(indexID, uid)
}

// IsFolderID implements is_folder_id (message-location): whether id
// names the folder the current SELECT is running against.
func (s *StoreSearch) IsFolderID(id int64) bool {
	return s.currentFolderID == id
}

// MakeTime exists to satisfy the SearchContext interface; like
// compare_date, the make_time UDF registered in storedb evaluates its
// argument without a handle lookup, so this method is never invoked
// through SQL.
func (s *StoreSearch) MakeTime(str string) int64 {
	return storedb.MakeTime(str)
}

// CompareDate implements compare_date; the UDF registration in
// storedb already special-cases this one without a handle lookup, so
// this method exists only to satisfy the SearchContext interface and
// is never actually invoked through SQL.
func (s *StoreSearch) CompareDate(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// loadedInfo returns the cached MessageInfo for uid from the folder
// currently being queried, or nil if none is loaded or no folder is
// attached yet.
func (s *StoreSearch) loadedInfo(uid string) *summary.MessageInfo {
	s.foldersMu.RLock()
	fb, ok := s.foldersByID[s.currentFolderID]
	s.foldersMu.RUnlock()
	if !ok || fb.summary == nil {
		return nil
	}
	info, ok := fb.summary.Peek(uid)
	if !ok {
		return nil
	}
	return info
}

// decodeKVLocal parses the \x01/\x02-delimited key/value encoding
// summary.Summary uses for usertags/userheaders columns. Duplicated
// here rather than exported from internal/summary since it's a
// storage-format detail, not part of that package's API.
func decodeKVLocal(s string) map[string]string {
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

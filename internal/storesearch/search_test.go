package storesearch

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/localmail/storecore/internal/matchthreads"
	"github.com/localmail/storecore/internal/sexpr"
	"github.com/localmail/storecore/internal/storedb"
)

func openTestDB(t *testing.T) *storedb.DB {
	t.Helper()
	db, err := storedb.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func writeMessage(t *testing.T, db *storedb.DB, folder, uid string, flags storedb.MessageFlag, subject, part string) {
	t.Helper()
	if err := db.WriteMessage(context.Background(), folder, storedb.MessageRecord{
		UID: uid, Flags: flags, Subject: subject, Part: part,
	}); err != nil {
		t.Fatalf("WriteMessage(%s): %v", uid, err)
	}
}

// 3 messages with flags {SEEN, none, JUNK}; (not (system-flag
// "seen")) should match the two unseen ones.
func TestGetUIDsSyncBasicFlagSearch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.WriteFolder(ctx, "INBOX", storedb.FolderRecord{}); err != nil {
		t.Fatalf("WriteFolder: %v", err)
	}
	writeMessage(t, db, "INBOX", "m1", storedb.MessageSeen, "one", "")
	writeMessage(t, db, "INBOX", "m2", 0, "two", "")
	writeMessage(t, db, "INBOX", "m3", storedb.MessageJunk, "three", "")

	s := New(db, "store1", nil)
	defer s.Dispose()
	if err := s.AttachFolder(ctx, "INBOX", nil, nil); err != nil {
		t.Fatalf("AttachFolder: %v", err)
	}

	expr := sexpr.ListNode("not", sexpr.ListNode("system-flag", sexpr.StrNode("seen")))
	if err := s.Rebuild(ctx, expr, []string{"INBOX"}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	uids, err := s.GetUIDsSync(ctx, "INBOX")
	if err != nil {
		t.Fatalf("GetUIDsSync: %v", err)
	}
	if !sameSet(uids, []string{"m2", "m3"}) {
		t.Errorf("expected {m2, m3}, got %v", uids)
	}
}

// (or #t (body-contains "anything")) must short-circuit at compile
// time and never touch the body-search remote op, returning every uid
// in the attached folder.
func TestGetUIDsSyncShortCircuitsOnLiteralTrue(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.WriteFolder(ctx, "INBOX", storedb.FolderRecord{}); err != nil {
		t.Fatalf("WriteFolder: %v", err)
	}
	writeMessage(t, db, "INBOX", "m1", 0, "one", "")
	writeMessage(t, db, "INBOX", "m2", 0, "two", "")

	s := New(db, "store1", nil)
	defer s.Dispose()
	if err := s.AttachFolder(ctx, "INBOX", nil, nil); err != nil {
		t.Fatalf("AttachFolder: %v", err)
	}

	expr := sexpr.ListNode("or", sexpr.BoolNode(true),
		sexpr.ListNode("body-contains", sexpr.StrNode("anything")))
	if err := s.Rebuild(ctx, expr, []string{"INBOX"}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if s.compiled.SQL != "1" {
		t.Fatalf("expected the literal-true or to fold to the constant 1, got %q", s.compiled.SQL)
	}

	uids, err := s.GetUIDsSync(ctx, "INBOX")
	if err != nil {
		t.Fatalf("GetUIDsSync: %v", err)
	}
	if !sameSet(uids, []string{"m1", "m2"}) {
		t.Errorf("expected every uid to match, got %v", uids)
	}
	if s.resolver.hasPending() {
		t.Error("expected no pending remote ops after a constant-folded query")
	}
}

// A, B(in-reply-to A), C(in-reply-to B), D unrelated. Base search
// returns {B}; match-threads "all" expands to {A, B, C}.
func TestMatchThreadsAllExpandsToWholeThread(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.WriteFolder(ctx, "INBOX", storedb.FolderRecord{}); err != nil {
		t.Fatalf("WriteFolder: %v", err)
	}

	writeMessage(t, db, "INBOX", "A", storedb.MessageFlagged, "thread", matchthreads.EncodePart("<a@x>", nil))
	writeMessage(t, db, "INBOX", "B", 0, "thread", matchthreads.EncodePart("<b@x>", []string{"<a@x>"}))
	writeMessage(t, db, "INBOX", "C", storedb.MessageFlagged, "thread", matchthreads.EncodePart("<c@x>", []string{"<b@x>"}))
	writeMessage(t, db, "INBOX", "D", storedb.MessageFlagged, "unrelated", matchthreads.EncodePart("<d@x>", nil))

	s := New(db, "store1", nil)
	defer s.Dispose()
	if err := s.AttachFolder(ctx, "INBOX", nil, nil); err != nil {
		t.Fatalf("AttachFolder: %v", err)
	}

	// Base search: only B (the unflagged message) matches.
	inner := sexpr.ListNode("not", sexpr.ListNode("system-flag", sexpr.StrNode("flagged")))
	expr := sexpr.ListNode("match-threads", sexpr.StrNode("all"), inner)
	if err := s.Rebuild(ctx, expr, []string{"INBOX"}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	uids, err := s.GetUIDsSync(ctx, "INBOX")
	if err != nil {
		t.Fatalf("GetUIDsSync: %v", err)
	}
	if !sameSet(uids, []string{"A", "B", "C"}) {
		t.Errorf("expected match-threads all to expand to {A, B, C}, got %v", uids)
	}
}

// match-threads "none" must leave the result index identical to the
// un-expanded base search.
func TestMatchThreadsNoneLeavesResultUnchanged(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.WriteFolder(ctx, "INBOX", storedb.FolderRecord{}); err != nil {
		t.Fatalf("WriteFolder: %v", err)
	}
	writeMessage(t, db, "INBOX", "A", storedb.MessageFlagged, "thread", matchthreads.EncodePart("<a@x>", nil))
	writeMessage(t, db, "INBOX", "B", 0, "thread", matchthreads.EncodePart("<b@x>", []string{"<a@x>"}))

	s := New(db, "store1", nil)
	defer s.Dispose()
	if err := s.AttachFolder(ctx, "INBOX", nil, nil); err != nil {
		t.Fatalf("AttachFolder: %v", err)
	}

	inner := sexpr.ListNode("not", sexpr.ListNode("system-flag", sexpr.StrNode("flagged")))
	expr := sexpr.ListNode("match-threads", sexpr.StrNode("none"), inner)
	if err := s.Rebuild(ctx, expr, []string{"INBOX"}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	uids, err := s.GetUIDsSync(ctx, "INBOX")
	if err != nil {
		t.Fatalf("GetUIDsSync: %v", err)
	}
	if !sameSet(uids, []string{"B"}) {
		t.Errorf("match-threads none should not expand the result, expected {B}, got %v", uids)
	}
}

// staticBook is a canned addressbook for exercising the bulk
// resolution path without a vcard file.
type staticBook map[string]bool

func (b staticBook) Contains(ctx context.Context, bookUID, email string) (bool, error) {
	return b[email], nil
}

// addressbook-contains must answer provisionally true during the
// first SELECT, then drop non-matching rows once the bulk resolution
// phase has run the real lookups.
func TestGetUIDsSyncAddressbookContainsResolvesInBulk(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.WriteFolder(ctx, "INBOX", storedb.FolderRecord{}); err != nil {
		t.Fatalf("WriteFolder: %v", err)
	}
	if err := db.WriteMessage(ctx, "INBOX", storedb.MessageRecord{UID: "m1", MailFrom: "ada@example.com"}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := db.WriteMessage(ctx, "INBOX", storedb.MessageRecord{UID: "m2", MailFrom: "nobody@example.com"}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	s := New(db, "store1", staticBook{"ada@example.com": true})
	defer s.Dispose()
	if err := s.AttachFolder(ctx, "INBOX", nil, nil); err != nil {
		t.Fatalf("AttachFolder: %v", err)
	}

	expr := sexpr.ListNode("addressbook-contains", sexpr.StrNode("personal"), sexpr.StrNode("from"))
	if err := s.Rebuild(ctx, expr, []string{"INBOX"}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	uids, err := s.GetUIDsSync(ctx, "INBOX")
	if err != nil {
		t.Fatalf("GetUIDsSync: %v", err)
	}
	if !sameSet(uids, []string{"m1"}) {
		t.Errorf("expected only the known sender to survive resolution, got %v", uids)
	}
	if s.resolver.hasPending() {
		t.Error("expected all addressbook ops resolved once the fixpoint is reached")
	}
}

func sameSet(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	gs := make(map[string]bool, len(got))
	for _, g := range got {
		gs[g] = true
	}
	for _, w := range want {
		if !gs[w] {
			return false
		}
	}
	return true
}

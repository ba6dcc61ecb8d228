package summary

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/localmail/storecore/internal/storedb"
)

func openTestSummary(t *testing.T) (*storedb.DB, *Summary) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	db, err := storedb.Open(path)
	if err != nil {
		t.Fatalf("storedb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if _, err := db.WriteFolder(ctx, "INBOX", storedb.FolderRecord{NextUID: 1}); err != nil {
		t.Fatalf("WriteFolder: %v", err)
	}
	return db, New(db, "INBOX", 4)
}

func TestSummaryAddAllocatesUID(t *testing.T) {
	_, s := openTestSummary(t)
	ctx := context.Background()

	mi, err := s.Add(ctx, storedb.MessageRecord{Subject: "hi"}, NewChangeInfo())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if mi.UID() == "" {
		t.Fatal("expected Add to allocate a uid")
	}

	got, err := s.GetInfo(ctx, mi.UID())
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if got.Record.Subject != "hi" {
		t.Errorf("GetInfo mismatch: got %+v", got.Record)
	}
}

func TestSummaryAddPushesUIDAdded(t *testing.T) {
	_, s := openTestSummary(t)
	change := NewChangeInfo()
	mi, err := s.Add(context.Background(), storedb.MessageRecord{}, change)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !containsUID(change.Added(), mi.UID()) {
		t.Errorf("expected %q in change.Added(), got %v", mi.UID(), change.Added())
	}
}

func TestSummaryGetInfoLoadsFromDB(t *testing.T) {
	db, s := openTestSummary(t)
	ctx := context.Background()
	if err := db.WriteMessage(ctx, "INBOX", storedb.MessageRecord{UID: "1", Subject: "direct"}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	if _, ok := s.Peek("1"); ok {
		t.Fatal("uid 1 should not be loaded before GetInfo is called")
	}

	mi, err := s.GetInfo(ctx, "1")
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if mi.Record.Subject != "direct" {
		t.Errorf("expected subject loaded from db, got %q", mi.Record.Subject)
	}
	if _, ok := s.Peek("1"); !ok {
		t.Error("expected uid 1 to be loaded into the cache after GetInfo")
	}
}

func TestSummaryPeekMissingReturnsFalse(t *testing.T) {
	_, s := openTestSummary(t)
	if _, ok := s.Peek("nope"); ok {
		t.Error("expected Peek to report false for an unloaded uid")
	}
}

func TestSummarySetMessageFlagsMarksDirtyAndChanged(t *testing.T) {
	_, s := openTestSummary(t)
	ctx := context.Background()
	mi, err := s.Add(ctx, storedb.MessageRecord{}, NewChangeInfo())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	change := NewChangeInfo()
	changed, err := s.SetMessageFlags(ctx, mi.UID(), 0, storedb.MessageSeen, change)
	if err != nil {
		t.Fatalf("SetMessageFlags: %v", err)
	}
	if !changed {
		t.Fatal("expected SetMessageFlags to report a change when setting a new flag")
	}
	if !containsUID(change.Changed(), mi.UID()) {
		t.Errorf("expected %q in change.Changed(), got %v", mi.UID(), change.Changed())
	}
	if !mi.Record.Flags.Has(storedb.MessageSeen) {
		t.Error("expected the seen flag to be set on the loaded info")
	}
}

func TestSummarySetMessageFlagsNoopReportsNoChange(t *testing.T) {
	_, s := openTestSummary(t)
	ctx := context.Background()
	mi, err := s.Add(ctx, storedb.MessageRecord{Flags: storedb.MessageSeen}, NewChangeInfo())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	changed, err := s.SetMessageFlags(ctx, mi.UID(), 0, storedb.MessageSeen, NewChangeInfo())
	if err != nil {
		t.Fatalf("SetMessageFlags: %v", err)
	}
	if changed {
		t.Error("setting a flag that is already set should report no change")
	}
}

func TestSummarySaveWritesDirtyInfosAndClearsDirtyBit(t *testing.T) {
	db, s := openTestSummary(t)
	ctx := context.Background()
	mi, err := s.Add(ctx, storedb.MessageRecord{}, NewChangeInfo())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.SetMessageFlags(ctx, mi.UID(), 0, storedb.MessageFlagged, NewChangeInfo()); err != nil {
		t.Fatalf("SetMessageFlags: %v", err)
	}

	if err := s.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec, ok, err := db.ReadMessage(ctx, "INBOX", mi.UID())
	if err != nil || !ok {
		t.Fatalf("ReadMessage: ok=%v err=%v", ok, err)
	}
	if !rec.Flags.Has(storedb.MessageFlagged) {
		t.Error("expected Save to persist the flagged bit to storedb")
	}
	if mi.Dirty {
		t.Error("expected Save to clear the dirty bit")
	}
}

func TestSummaryFreezeThawCoalescesNotification(t *testing.T) {
	_, s := openTestSummary(t)
	ctx := context.Background()
	mi, err := s.Add(ctx, storedb.MessageRecord{}, NewChangeInfo())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Drain the add's own notification so only the frozen-window
	// changes are observed below.
	for {
		select {
		case <-s.Notifications():
			continue
		default:
		}
		break
	}

	s.Freeze()
	if _, err := s.SetMessageFlags(ctx, mi.UID(), 0, storedb.MessageSeen, NewChangeInfo()); err != nil {
		t.Fatalf("SetMessageFlags: %v", err)
	}
	if _, err := s.SetMessageFlags(ctx, mi.UID(), 0, storedb.MessageFlagged, NewChangeInfo()); err != nil {
		t.Fatalf("SetMessageFlags: %v", err)
	}

	select {
	case <-s.Notifications():
		t.Fatal("expected no notification to be emitted while frozen")
	default:
	}

	if err := s.Thaw(ctx); err != nil {
		t.Fatalf("Thaw: %v", err)
	}

	select {
	case ci := <-s.Notifications():
		if !containsUID(ci.Changed(), mi.UID()) {
			t.Errorf("expected the coalesced notification to include %q, got %v", mi.UID(), ci.Changed())
		}
	default:
		t.Fatal("expected exactly one consolidated notification after Thaw")
	}
}

func TestSummaryThawWithoutFreezeIsNoop(t *testing.T) {
	_, s := openTestSummary(t)
	if err := s.Thaw(context.Background()); err != nil {
		t.Fatalf("Thaw without a matching Freeze should be a no-op, got: %v", err)
	}
}

func TestSummarySortUIDsByDecimalPrefix(t *testing.T) {
	_, s := openTestSummary(t)
	uids := []string{"10", "2", "1"}
	s.SortUIDs(uids)
	want := []string{"1", "2", "10"}
	for i := range want {
		if uids[i] != want[i] {
			t.Fatalf("SortUIDs = %v, want %v", uids, want)
		}
	}
}

func TestSummaryPrepareFetchAllLoadsEveryMessage(t *testing.T) {
	db, s := openTestSummary(t)
	ctx := context.Background()
	for _, uid := range []string{"1", "2", "3"} {
		if err := db.WriteMessage(ctx, "INBOX", storedb.MessageRecord{UID: uid}); err != nil {
			t.Fatalf("WriteMessage(%s): %v", uid, err)
		}
	}

	if err := s.PrepareFetchAll(ctx); err != nil {
		t.Fatalf("PrepareFetchAll: %v", err)
	}
	for _, uid := range []string{"1", "2", "3"} {
		if _, ok := s.Peek(uid); !ok {
			t.Errorf("expected uid %q to be preloaded", uid)
		}
	}
}

func TestSummaryCount(t *testing.T) {
	db, s := openTestSummary(t)
	ctx := context.Background()
	for _, uid := range []string{"1", "2"} {
		if err := db.WriteMessage(ctx, "INBOX", storedb.MessageRecord{UID: uid}); err != nil {
			t.Fatalf("WriteMessage(%s): %v", uid, err)
		}
	}
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

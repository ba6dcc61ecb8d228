package mh

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/localmail/storecore/internal/localfolder/common"
)

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "mh"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return a
}

func TestAppendAndGetMessageRoundTrip(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	uid, err := a.Append(ctx, common.Message{Raw: []byte("Subject: hi\r\n\r\nbody")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if uid != "1" {
		t.Errorf("expected the first message to be named 1, got %q", uid)
	}

	got, err := a.GetMessage(ctx, uid)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if string(got) != "Subject: hi\r\n\r\nbody" {
		t.Errorf("GetMessage mismatch: got %q", got)
	}
}

func TestAppendPicksMaxExistingPlusOne(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(a.dir, "5"), []byte("old"), 0600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	uid, err := a.Append(ctx, common.Message{Raw: []byte("new")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if uid != "6" {
		t.Errorf("expected next uid 6 after existing file 5, got %q", uid)
	}
}

func TestExpungeUIDsRemovesOnlyGivenFiles(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	keep, err := a.Append(ctx, common.Message{Raw: []byte("keep")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	gone, err := a.Append(ctx, common.Message{Raw: []byte("gone")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	removed, err := a.ExpungeUIDs(ctx, []string{gone})
	if err != nil {
		t.Fatalf("ExpungeUIDs: %v", err)
	}
	if len(removed) != 1 || removed[0] != gone {
		t.Errorf("expected only %q removed, got %v", gone, removed)
	}
	if _, err := a.GetMessage(ctx, keep); err != nil {
		t.Errorf("expected kept message to survive, got: %v", err)
	}
	if _, err := a.GetMessage(ctx, gone); err == nil {
		t.Error("expected the expunged message to be gone")
	}
}

func TestRefreshInfoFollowsSubdirectoriesAndSkipsDotfiles(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	sub := filepath.Join(a.dir, "sub")
	if err := os.MkdirAll(sub, 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, "7"), []byte("nested"), 0600); err != nil {
		t.Fatalf("seed nested file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(a.dir, ".folders"), []byte("index"), 0600); err != nil {
		t.Fatalf("seed .folders: %v", err)
	}

	found, _, _, err := a.RefreshInfo(ctx)
	if err != nil {
		t.Fatalf("RefreshInfo: %v", err)
	}
	if len(found) != 1 || found[0] != "7" {
		t.Errorf("expected only the nested numeric file found, got %v", found)
	}
}

func TestRewriteFoldersIndexReplacesPrefix(t *testing.T) {
	a := openTestAdapter(t)
	path := filepath.Join(a.dir, ".folders")
	if err := os.WriteFile(path, []byte("Inbox/foo\nArchive/bar\n"), 0600); err != nil {
		t.Fatalf("seed .folders: %v", err)
	}

	if err := a.RewriteFoldersIndex("Inbox", "Inbox2"); err != nil {
		t.Fatalf("RewriteFoldersIndex: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "Inbox2/foo\nArchive/bar\n"
	if string(data) != want {
		t.Errorf("RewriteFoldersIndex = %q, want %q", data, want)
	}
}

func TestTransferSameTypeRenamesAcrossDirectories(t *testing.T) {
	src := openTestAdapter(t)
	dst := openTestAdapter(t)
	ctx := context.Background()

	uid, err := src.Append(ctx, common.Message{Raw: []byte("payload")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := src.Transfer(ctx, []string{uid}, dst, true); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if _, err := src.GetMessage(ctx, uid); err == nil {
		t.Error("expected the source message to be gone after a deleting transfer")
	}
	entries, err := os.ReadDir(dst.dir)
	if err != nil {
		t.Fatalf("ReadDir dst: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file in destination, got %d", len(entries))
	}
	got, err := os.ReadFile(filepath.Join(dst.dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("expected the transferred payload to survive intact, got %q", got)
	}
}

func TestCmpUIDsOrdersNumerically(t *testing.T) {
	a := openTestAdapter(t)
	if a.CmpUIDs("2", "10") >= 0 {
		t.Error("expected numeric comparison to order 2 before 10")
	}
}

func TestDeleteStateFileResetsOptions(t *testing.T) {
	a := openTestAdapter(t)
	a.Options().SetMarkSeen(0)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := a.DeleteStateFile(); err != nil {
		t.Fatalf("DeleteStateFile: %v", err)
	}
	if err := a.DeleteStateFile(); err != nil {
		t.Fatalf("DeleteStateFile on an already-deleted file should be a no-op, got: %v", err)
	}

	b, err := Open(a.dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	if got := b.Options().MarkSeen(); got != -1 {
		t.Errorf("expected the reopened folder to fall back to the inherit default, got %d", got)
	}
}

package maildir

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/localmail/storecore/internal/localfolder/common"
	"github.com/localmail/storecore/internal/storedb"
)

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "Maildir"))
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
	if uid == "" {
		t.Fatal("expected Append to return a nonempty uid")
	}

	got, err := a.GetMessage(ctx, uid)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if string(got) != "Subject: hi\r\n\r\nbody" {
		t.Errorf("GetMessage mismatch: got %q", got)
	}
}

func TestAppendWritesIntoCurWithInfoSuffix(t *testing.T) {
	a := openTestAdapter(t)
	uid, err := a.Append(context.Background(), common.Message{Raw: []byte("x"), Flags: uint32(storedb.MessageSeen)})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	path, err := a.GetFilename(context.Background(), uid)
	if err != nil {
		t.Fatalf("GetFilename: %v", err)
	}
	if filepath.Dir(path) != filepath.Join(a.root, "cur") {
		t.Errorf("expected the message to land in cur/, got %q", path)
	}
	if filepath.Base(path) != uid+":2,S" {
		t.Errorf("expected info suffix 2,S for a seen message, got %q", filepath.Base(path))
	}
}

func TestSetFlagsRenamesWithNewSuffix(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()
	uid, err := a.Append(ctx, common.Message{Raw: []byte("x")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := a.SetFlags(uid, storedb.MessageSeen|storedb.MessageFlagged); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}

	path, err := a.GetFilename(ctx, uid)
	if err != nil {
		t.Fatalf("GetFilename: %v", err)
	}
	if filepath.Base(path) != uid+":2,FS" {
		t.Errorf("expected flags in alphabetic order (F before S), got %q", filepath.Base(path))
	}
}

func TestExpungeRemovesDeletedMessagesOnly(t *testing.T) {
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
	if err := a.SetFlags(gone, storedb.MessageDeleted); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}

	removed, err := a.Expunge(ctx)
	if err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	if len(removed) != 1 || removed[0] != gone {
		t.Errorf("expected only %q to be expunged, got %v", gone, removed)
	}
	if _, err := a.GetMessage(ctx, keep); err != nil {
		t.Errorf("expected the kept message to survive expunge, got: %v", err)
	}
	if _, err := a.GetMessage(ctx, gone); err == nil {
		t.Error("expected the deleted message to be gone after expunge")
	}
}

func TestRefreshInfoDetectsAddedRemovedChanged(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	added, removed, changed, err := a.RefreshInfo(ctx)
	if err != nil {
		t.Fatalf("RefreshInfo (empty): %v", err)
	}
	if len(added) != 0 || len(removed) != 0 || len(changed) != 0 {
		t.Fatalf("expected no diffs on an empty maildir, got a=%v r=%v c=%v", added, removed, changed)
	}

	uid, err := a.Append(ctx, common.Message{Raw: []byte("x")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	added, removed, changed, err = a.RefreshInfo(ctx)
	if err != nil {
		t.Fatalf("RefreshInfo (after append): %v", err)
	}
	if len(added) != 1 || added[0] != uid {
		t.Fatalf("expected %q reported as added, got %v", uid, added)
	}
	if len(removed) != 0 || len(changed) != 0 {
		t.Fatalf("unexpected removed/changed on first scan after append: r=%v c=%v", removed, changed)
	}

	if err := a.SetFlags(uid, storedb.MessageSeen); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	added, removed, changed, err = a.RefreshInfo(ctx)
	if err != nil {
		t.Fatalf("RefreshInfo (after flag change): %v", err)
	}
	if len(changed) != 1 || changed[0] != uid {
		t.Fatalf("expected %q reported as changed after a flag update, got %v", uid, changed)
	}
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("unexpected added/removed on the flag-change scan: a=%v r=%v", added, removed)
	}
}

func TestOptionsDefaults(t *testing.T) {
	a := openTestAdapter(t)
	if got := a.Options().MarkSeen(); got != -1 {
		t.Errorf("MarkSeen default = %d, want -1 (inherit)", got)
	}
	if got := a.Options().MarkSeenTimeout(); got != common.DefaultMarkSeenTimeout {
		t.Errorf("MarkSeenTimeout default = %d, want %d", got, common.DefaultMarkSeenTimeout)
	}
}

func TestFlattenFolderName(t *testing.T) {
	if got := FlattenFolderName("Archive/2024"); got != ".Archive.2024" {
		t.Errorf("FlattenFolderName = %q, want %q", got, ".Archive.2024")
	}
}

func TestTransferMovesBetweenAdapters(t *testing.T) {
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
	got, err := dst.GetMessage(ctx, uid)
	if err != nil {
		t.Fatalf("GetMessage on destination: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("expected the transferred payload to survive intact, got %q", got)
	}
}

package common

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestStateSetGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmeta")
	s := LoadState(path)

	s.SetBool("mark-seen", true)
	s.SetInt32("mark-seen-timeout", 1500)
	s.SetInt64("last-sync", 1700000000)
	s.SetTri("expanded", -1)

	if !s.GetBool("mark-seen", false) {
		t.Error("expected mark-seen to read back true")
	}
	if got := s.GetInt32("mark-seen-timeout", 0); got != 1500 {
		t.Errorf("GetInt32 = %d, want 1500", got)
	}
	if got := s.GetInt64("last-sync", 0); got != 1700000000 {
		t.Errorf("GetInt64 = %d, want 1700000000", got)
	}
	if got := s.GetTri("expanded", 0); got != -1 {
		t.Errorf("GetTri = %d, want -1", got)
	}
}

func TestStateSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmeta")
	s := LoadState(path)
	s.SetBool("subscribed", true)
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if s.Dirty() {
		t.Error("expected Dirty to be false right after Save")
	}

	reloaded := LoadState(path)
	if !reloaded.GetBool("subscribed", false) {
		t.Error("expected the reloaded state to retain subscribed=true")
	}
}

func TestLoadStateMissingFileIsEmptyNotError(t *testing.T) {
	s := LoadState(filepath.Join(t.TempDir(), "does-not-exist"))
	if s.GetBool("anything", true) != true {
		t.Error("expected default to be returned for a missing key")
	}
	if s.Dirty() {
		t.Error("a freshly loaded missing file should not be dirty")
	}
}

func TestLoadStateUpgradesLegacyBinaryFormat(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("CLMD")
	binary.Write(&buf, binary.BigEndian, uint32(1)) // version
	binary.Write(&buf, binary.BigEndian, uint32(1)) // count
	// tag: type 0 (bool) in the top 4 bits, name id 7 in the rest.
	binary.Write(&buf, binary.BigEndian, uint32(0<<28|7))
	binary.Write(&buf, binary.BigEndian, uint8(1))

	path := filepath.Join(t.TempDir(), "cmeta")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatalf("seed legacy file: %v", err)
	}

	s := LoadState(path)
	if !s.Dirty() {
		t.Error("expected a legacy file load to mark the state dirty for rewrite")
	}
	if !s.GetBool("7", false) {
		t.Error("expected the legacy bool value to decode to true")
	}

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if bytes.HasPrefix(data, []byte("CLMD")) {
		t.Error("expected Save to rewrite the legacy file into the modern INI format")
	}
}

func TestLoadStateReplacesCorruptFileSilently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmeta")
	if err := os.WriteFile(path, []byte("not a valid state line\nmore garbage"), 0600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	s := LoadState(path)
	if s.GetBool("anything", false) {
		t.Error("expected a corrupt file to load as an empty state, not panic or error out")
	}
}

func TestVisitedSetDetectsRevisit(t *testing.T) {
	dir := t.TempDir()
	v := NewVisitedSet()

	already, err := v.Visit(dir)
	if err != nil {
		t.Fatalf("Visit: %v", err)
	}
	if already {
		t.Error("expected the first visit to report not-already-visited")
	}

	already, err = v.Visit(dir)
	if err != nil {
		t.Fatalf("Visit (second): %v", err)
	}
	if !already {
		t.Error("expected the second visit to the same path to report already-visited")
	}
}

func TestMarkSeenOptionsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "folder")
	s := OpenState(path)
	if s.MarkSeen() != -1 || s.MarkSeenTimeout() != DefaultMarkSeenTimeout {
		t.Fatalf("unexpected defaults: mode=%d timeout=%d", s.MarkSeen(), s.MarkSeenTimeout())
	}

	s.SetMarkSeen(1)
	s.SetMarkSeenTimeout(500)
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := OpenState(path)
	if reloaded.MarkSeen() != 1 || reloaded.MarkSeenTimeout() != 500 {
		t.Errorf("reloaded options mismatch: mode=%d timeout=%d", reloaded.MarkSeen(), reloaded.MarkSeenTimeout())
	}

	if err := reloaded.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := reloaded.Remove(); err != nil {
		t.Fatalf("Remove on a missing file should be a no-op, got: %v", err)
	}
}

func TestFileLockExclusiveWithinProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "folder-file")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	l := NewFileLock(path, DefaultLockConfig)
	if err := l.Lock(false); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	// A second lock/unlock cycle must succeed once released.
	if err := l.Lock(false); err != nil {
		t.Fatalf("second Lock: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("second Unlock: %v", err)
	}
}

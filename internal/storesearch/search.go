package storesearch

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/localmail/storecore/internal/addressbook"
	"github.com/localmail/storecore/internal/localfolder/common"
	"github.com/localmail/storecore/internal/logging"
	"github.com/localmail/storecore/internal/matchthreads"
	"github.com/localmail/storecore/internal/sexpr"
	"github.com/localmail/storecore/internal/storedb"
	"github.com/localmail/storecore/internal/storeerr"
	"github.com/localmail/storecore/internal/summary"
)

// State is StoreSearch's lifecycle: NEW -> REBUILDING -> READY ->
// EXECUTING -> READY -> DISPOSED.
type State int

const (
	StateNew State = iota
	StateRebuilding
	StateReady
	StateExecuting
	StateDisposed
)

// maxFixpointPasses bounds the remote-op resolve/re-run loop; a
// search whose answers keep flipping past this many passes gives up
// and returns its current best answer rather than looping forever.
const maxFixpointPasses = 8

// folderBinding is what StoreSearch knows about one attached folder:
// its stable id, the in-memory Summary backing "loaded info wins"
// precedence, and the Adapter the remote-op resolver fetches raw
// messages from.
type folderBinding struct {
	name    string
	id      int64
	summary *summary.Summary
	adapter common.Adapter
}

// StoreSearch compiles one search expression, registers itself as the
// storedb.SearchContext the compiled SQL's UDF calls dispatch to, and
// runs it to a fixpoint across one or more attached folders. A
// StoreSearch is single-threaded per instance.
type StoreSearch struct {
	log         zerolog.Logger
	db          *storedb.DB
	storeName   string
	addressbook addressbook.AddressBook

	foldersMu     sync.RWMutex
	foldersByName map[string]*folderBinding
	foldersByID   map[int64]*folderBinding

	mu              sync.Mutex
	state           State
	handle          int64
	compiled        Compiled
	currentFolderID int64
	resolver        *resolver
	resultIndex     *matchthreads.ResultIndex
	matchIndexes    *matchthreads.NamedIndex
}

// New returns a StoreSearch bound to db, registering it under a fresh
// opaque handle immediately so its UDF methods are reachable the
// moment any SELECT runs.
func New(db *storedb.DB, storeName string, ab addressbook.AddressBook) *StoreSearch {
	s := &StoreSearch{
		log:           logging.WithComponent("storesearch"),
		db:            db,
		storeName:     storeName,
		addressbook:   ab,
		foldersByName: make(map[string]*folderBinding),
		foldersByID:   make(map[int64]*folderBinding),
		state:         StateNew,
		resolver:      newResolver(),
		matchIndexes:  matchthreads.NewNamedIndex(),
	}
	s.handle = storedb.RegisterSearch(s)
	return s
}

// AttachFolder binds folderName so the search can run against it;
// summ and adapter may be nil (a pure-SQL query over a folder never
// touching loaded-info precedence or remote ops still works without
// them, it just always sees the db's own columns and fails any remote
// op closed).
func (s *StoreSearch) AttachFolder(ctx context.Context, folderName string, summ *summary.Summary, adapter common.Adapter) error {
	id, err := s.db.FolderID(ctx, folderName)
	if err != nil {
		return err
	}
	fb := &folderBinding{name: folderName, id: id, summary: summ, adapter: adapter}
	s.foldersMu.Lock()
	s.foldersByName[folderName] = fb
	s.foldersByID[id] = fb
	s.foldersMu.Unlock()
	return nil
}

// AttachIndex registers idx under id for the compiled query's
// in-match-index operator.
func (s *StoreSearch) AttachIndex(id string, idx *matchthreads.ResultIndex) {
	s.matchIndexes.Attach(id, idx)
}

// resolveLocation implements Compiler's LocationResolver: url is
// either a bare folder name or "<store>:<folder>"; a store prefix
// naming a different store than s.storeName resolves to (0, false).
func (s *StoreSearch) resolveLocation(url string) (int64, bool) {
	name := url
	if i := indexOfColon(url); i >= 0 {
		store, folder := url[:i], url[i+1:]
		if store != s.storeName {
			return 0, false
		}
		name = folder
	}
	s.foldersMu.RLock()
	fb, ok := s.foldersByName[name]
	s.foldersMu.RUnlock()
	if !ok {
		return 0, false
	}
	return fb.id, true
}

func indexOfColon(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// Rebuild compiles root and, if it is wrapped in a non-none
// match-threads, runs the thread-expansion pre-pass across allFolders
// before the state becomes READY.
func (s *StoreSearch) Rebuild(ctx context.Context, root sexpr.Node, allFolders []string) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return storeerr.New(storeerr.KindInvalid, "storesearch.Rebuild", nil)
	}
	s.state = StateRebuilding
	s.mu.Unlock()

	c := &Compiler{Handle: s.handle, Resolve: s.resolveLocation}
	compiled, err := c.Compile(root)
	if err != nil {
		return storeerr.New(storeerr.KindInvalid, "storesearch.Rebuild", err)
	}

	s.mu.Lock()
	s.compiled = compiled
	s.resolver = newResolver()
	s.resultIndex = nil
	s.mu.Unlock()

	if compiled.HasThreads {
		if err := s.buildThreadIndex(ctx, compiled, allFolders); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()
	return nil
}

// buildThreadIndex runs the inner (pre-match-threads) expression
// across every folder in allFolders, builds the conversation-thread
// forest from every message in those folders, expands the inner
// result set per the requested policy, and stores the outcome as
// s.resultIndex.
func (s *StoreSearch) buildThreadIndex(ctx context.Context, compiled Compiled, allFolders []string) error {
	combined := matchthreads.NewResultIndex()

	for _, folderName := range allFolders {
		s.foldersMu.RLock()
		fb, ok := s.foldersByName[folderName]
		s.foldersMu.RUnlock()
		if !ok {
			continue
		}

		uids, err := s.runSelect(ctx, fb, compiled.SQL)
		if err != nil {
			return err
		}
		matched := matchthreads.NewResultIndex()
		for _, u := range uids {
			matched.Add(matchthreads.Triple{Store: s.storeName, FolderID: fb.id, UID: u})
		}

		items, err := s.loadThreadItems(ctx, fb)
		if err != nil {
			return err
		}
		tree := matchthreads.Build(items, matchthreads.BuildFlags{SubjectGrouping: !compiled.ThreadNoSubject})
		expanded := matchthreads.Expand(tree, matched, compiled.ThreadKind, s.storeName, fb.id)
		combined.MoveFromExisting(expanded)
	}

	s.mu.Lock()
	s.resultIndex = combined
	s.mu.Unlock()
	return nil
}

// loadThreadItems reads every message in fb's folder as a
// matchthreads.ThreadItem, decoding the `part` column back into a
// message-id hash plus reference hashes.
func (s *StoreSearch) loadThreadItems(ctx context.Context, fb *folderBinding) ([]matchthreads.ThreadItem, error) {
	var items []matchthreads.ThreadItem
	err := s.db.ReadMessages(ctx, fb.name, func(r storedb.MessageRecord) error {
		own, refs := matchthreads.DecodePart(r.Part)
		if own == "" {
			own = matchthreads.HashMessageID(r.UID)
		}
		items = append(items, matchthreads.ThreadItem{
			Store:         s.storeName,
			FolderID:      fb.id,
			UID:           r.UID,
			Subject:       r.Subject,
			MessageIDHash: own,
			References:    refs,
		})
		return nil
	})
	return items, err
}

// runSelect runs the compiled WHERE-clause sql against fb's message
// table, without the remote-op fixpoint loop (used internally by
// buildThreadIndex, which only needs one pass over the pre-threads
// expression; remote ops inside a match-threads inner expression fall
// back to their provisional default, a documented approximation).
func (s *StoreSearch) runSelect(ctx context.Context, fb *folderBinding, whereSQL string) ([]string, error) {
	const op = "storesearch.runSelect"
	s.mu.Lock()
	s.currentFolderID = fb.id
	s.mu.Unlock()

	table := s.db.MessagesTable(fb.id)
	query := fmt.Sprintf("SELECT uid FROM %s WHERE %s ORDER BY uid", table, whereSQL)
	rows, err := s.db.Reader(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, storeerr.FromSQLite(op, err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, storeerr.FromSQLite(op, err)
		}
		uids = append(uids, uid)
	}
	return uids, storeerr.FromSQLite(op, rows.Err())
}

// GetUIDsSync runs the compiled query against folderName to a
// fixpoint and returns the matching uids in order. An unknown folder
// yields nil uids and no error.
func (s *StoreSearch) GetUIDsSync(ctx context.Context, folderName string) ([]string, error) {
	const op = "storesearch.GetUIDsSync"
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return nil, storeerr.New(storeerr.KindInvalid, op, nil)
	}
	s.state = StateExecuting
	where := s.compiled.SQL
	if s.compiled.HasThreads {
		where = fmt.Sprintf("in_result_index(%d, uid)", s.handle)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = StateReady
		s.mu.Unlock()
	}()

	s.foldersMu.RLock()
	fb, ok := s.foldersByName[folderName]
	s.foldersMu.RUnlock()
	if !ok {
		return nil, nil
	}

	// Pin the summary so UDFs reading loaded infos never hit the db
	// one row at a time from inside the SELECT.
	if fb.summary != nil {
		if err := fb.summary.PrepareFetchAll(ctx); err != nil {
			return nil, err
		}
	}

	var uids []string
	for pass := 0; pass < maxFixpointPasses; pass++ {
		var err error
		uids, err = s.runSelect(ctx, fb, where)
		if err != nil {
			return nil, err
		}
		if !s.resolver.hasPending() {
			break
		}
		changed, err := s.resolver.resolve(ctx, fb.adapter, s.addressbook, func(opKey) bool { return true })
		if err != nil {
			return nil, err
		}
		if !changed {
			break
		}
	}
	return uids, nil
}

// GetItemsSync runs GetUIDsSync and returns the full MessageRecord
// for each matching uid.
func (s *StoreSearch) GetItemsSync(ctx context.Context, folderName string) ([]storedb.MessageRecord, error) {
	uids, err := s.GetUIDsSync(ctx, folderName)
	if err != nil {
		return nil, err
	}
	out := make([]storedb.MessageRecord, 0, len(uids))
	for _, uid := range uids {
		rec, ok, err := s.db.ReadMessage(ctx, folderName, uid)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Dispose releases the search's opaque handle; a UDF call carrying the
// released handle no longer reaches this search and returns the
// function's fallback value instead (true for search_body,
// search_header and addressbook_contains; false, or the row's own
// column value, for the others).
func (s *StoreSearch) Dispose() {
	s.mu.Lock()
	s.state = StateDisposed
	s.mu.Unlock()
	storedb.UnregisterSearch(s.handle)
}

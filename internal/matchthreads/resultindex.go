package matchthreads

import "sync"

// Kind selects a match-threads expansion policy.
type Kind int

const (
	KindNone Kind = iota
	KindSingle
	KindAll
	KindReplies
	KindRepliesParents
)

// ParseKind maps the grammar's kind names to a Kind.
func ParseKind(name string) (Kind, bool) {
	switch name {
	case "none":
		return KindNone, true
	case "single":
		return KindSingle, true
	case "all":
		return KindAll, true
	case "replies":
		return KindReplies, true
	case "replies_parents":
		return KindRepliesParents, true
	default:
		return 0, false
	}
}

// Triple identifies one message across stores: (store, folder_id,
// uid). The store is compared by name, standing in for the pointer
// identity a C implementation would use.
type Triple struct {
	Store    string
	FolderID int64
	UID      string
}

// ResultIndex is a hashed set of Triples the compiled query's
// in_result_index UDF checks membership against.
type ResultIndex struct {
	mu  sync.RWMutex
	set map[Triple]bool
}

// NewResultIndex returns an empty index.
func NewResultIndex() *ResultIndex {
	return &ResultIndex{set: make(map[Triple]bool)}
}

// Add inserts t.
func (r *ResultIndex) Add(t Triple) {
	r.mu.Lock()
	r.set[t] = true
	r.mu.Unlock()
}

// Contains reports whether t is a member.
func (r *ResultIndex) Contains(t Triple) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.set[t]
}

// Len reports the number of members.
func (r *ResultIndex) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.set)
}

// ContainsUID reports whether any member triple carries this uid,
// ignoring store/folder. Named auxiliary indexes are looked up by id
// and uid alone, with no folder context, so this is the membership
// check in_match_index needs.
func (r *ResultIndex) ContainsUID(uid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for t := range r.set {
		if t.UID == uid {
			return true
		}
	}
	return false
}

// Triples returns a snapshot of every member.
func (r *ResultIndex) Triples() []Triple {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Triple, 0, len(r.set))
	for t := range r.set {
		out = append(out, t)
	}
	return out
}

// MoveFromExisting drains src into r, leaving src empty.
func (r *ResultIndex) MoveFromExisting(src *ResultIndex) {
	src.mu.Lock()
	defer src.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for t := range src.set {
		r.set[t] = true
	}
	src.set = make(map[Triple]bool)
}

// NamedIndex registry lets in_match_index look an auxiliary
// SearchIndex up by its opaque identifier.
type NamedIndex struct {
	mu   sync.RWMutex
	byID map[string]*ResultIndex
}

func NewNamedIndex() *NamedIndex {
	return &NamedIndex{byID: make(map[string]*ResultIndex)}
}

func (n *NamedIndex) Attach(id string, idx *ResultIndex) {
	n.mu.Lock()
	n.byID[id] = idx
	n.mu.Unlock()
}

func (n *NamedIndex) Contains(id, uid string) bool {
	n.mu.RLock()
	idx, ok := n.byID[id]
	n.mu.RUnlock()
	if !ok {
		return false
	}
	return idx.ContainsUID(uid)
}

// Expand applies the match-threads kind policy to result against
// tree, returning the replacement result index: the union of the
// input with every uid the policy adds, except for KindSingle, which
// returns the input filtered to unthreaded messages. store/folderID are
// baked into every Triple produced since the per-folder search always
// operates within one folder.
func Expand(tree *Tree, result *ResultIndex, kind Kind, store string, folderID int64) *ResultIndex {
	next := NewResultIndex()

	// "single" filters rather than adds: only unthreaded messages
	// survive. A uid the tree never saw counts as unthreaded.
	if kind == KindSingle {
		for _, t := range result.Triples() {
			node := tree.NodeForUID(t.UID)
			if node == nil || (node.parent == nil && node.firstChild == nil) {
				next.Add(t)
			}
		}
		return next
	}

	for _, t := range result.Triples() {
		next.Add(t)
	}
	if kind == KindNone {
		return next
	}

	for _, t := range result.Triples() {
		node := tree.NodeForUID(t.UID)
		if node == nil {
			continue
		}
		var additions []*ThreadNode
		switch kind {
		case KindAll:
			additions = allInSubtree(node)
		case KindReplies:
			additions = append([]*ThreadNode{node}, descendants(node)...)
		case KindRepliesParents:
			r := root(node)
			additions = append(additions, ancestors(node)...)
			additions = append(additions, allInSubtree(r)...)
		}
		for _, n := range additions {
			if n.Item == nil {
				continue // stub: no real uid to add
			}
			next.Add(Triple{Store: store, FolderID: folderID, UID: n.Item.UID})
		}
	}
	return next
}

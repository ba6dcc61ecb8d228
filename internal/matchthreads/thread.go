// Package matchthreads builds a forest of conversation threads from
// (uid, subject, message_id, references) tuples, expands a result set
// per a match-threads policy, and presents the whole as a compact
// hashed ResultIndex the compiled query can intersect with.
package matchthreads

import (
	"strings"

	"github.com/google/uuid"
)

// ThreadItem is one threading input tuple: (store, folder_id, uid,
// subject, message_id_hash, references[]).
type ThreadItem struct {
	Store         string
	FolderID      int64
	UID           string
	Subject       string
	MessageIDHash string
	References    []string
}

// ThreadNode is a tree node with parent/first-child/next-sibling
// links referring to a ThreadItem.
type ThreadNode struct {
	Item *ThreadItem // nil for a stub (referenced but never seen)

	// SyntheticID identifies a stub or subject-grouping node that has
	// no backing ThreadItem, so callers presenting the thread forest
	// (e.g. cmd/storeinspect) have something stable to key off of.
	// Empty for a node with an Item.
	SyntheticID string

	parent      *ThreadNode
	firstChild  *ThreadNode
	nextSibling *ThreadNode
}

// Parent, FirstChild, NextSibling expose the tree links read-only.
func (n *ThreadNode) Parent() *ThreadNode      { return n.parent }
func (n *ThreadNode) FirstChild() *ThreadNode  { return n.firstChild }
func (n *ThreadNode) NextSibling() *ThreadNode { return n.nextSibling }

func (n *ThreadNode) addChild(child *ThreadNode) {
	child.parent = n
	child.nextSibling = n.firstChild
	n.firstChild = child
}

// Tree is a forest of ThreadNodes: one root per independent
// conversation, plus a lookup from message-id hash to node.
type Tree struct {
	byMsgID map[string]*ThreadNode
	byUID   map[string]*ThreadNode
	all     []*ThreadNode // creation order, for deterministic roots
	roots   []*ThreadNode
}

// BuildFlags controls Build's optional passes.
type BuildFlags struct {
	// SubjectGrouping enables the subject-based grouping pass.
	SubjectGrouping bool
}

// Build constructs a Tree from items: bucket by message_id_hash,
// chain each item's references oldest-first (creating stubs for
// references never seen as an item) and attach the item below the
// last one, then optionally group same-subject roots under a
// synthetic parent.
func Build(items []ThreadItem, flags BuildFlags) *Tree {
	t := &Tree{
		byMsgID: make(map[string]*ThreadNode, len(items)),
		byUID:   make(map[string]*ThreadNode, len(items)),
	}

	// Step 1: bucket items by message_id_hash, creating one node per
	// item (a later stub reference to the same hash is folded into
	// this node rather than creating a duplicate).
	for i := range items {
		it := &items[i]
		node := t.byMsgID[it.MessageIDHash]
		if node == nil {
			node = &ThreadNode{}
			t.byMsgID[it.MessageIDHash] = node
			t.all = append(t.all, node)
		}
		node.Item = it
		t.byUID[it.UID] = node
	}

	// Step 2: walk each item's references in order, linking each to
	// the previous one so the chain forms an ancestor line, then hang
	// the item off the last reference. A link is skipped when it would
	// re-parent a node or form a cycle.
	for i := range items {
		it := &items[i]
		node := t.byMsgID[it.MessageIDHash]
		var prev *ThreadNode
		for _, ref := range it.References {
			p := t.byMsgID[ref]
			if p == nil {
				p = &ThreadNode{SyntheticID: uuid.NewString()}
				t.byMsgID[ref] = p
				t.all = append(t.all, p)
			}
			if prev != nil && p != prev && p.parent == nil && !isAncestor(p, prev) {
				prev.addChild(p)
			}
			prev = p
		}
		if prev != nil && prev != node && node.parent == nil && !isAncestor(node, prev) {
			prev.addChild(node)
		}
	}

	for _, n := range t.all {
		if n.parent == nil {
			t.roots = append(t.roots, n)
		}
	}

	if flags.SubjectGrouping {
		t.groupBySubject()
	}
	return t
}

// isAncestor reports whether a sits anywhere on b's parent chain.
func isAncestor(a, b *ThreadNode) bool {
	for p := b.parent; p != nil; p = p.parent {
		if p == a {
			return true
		}
	}
	return false
}

// replyPrefixes is the fixed ASCII prefix list used to normalize
// subjects.
var replyPrefixes = []string{"Re:", "RE:", "Fwd:", "FW:", "Aw:"}

// normalizeSubject strips a leading reply/forward prefix (repeated,
// since mail clients often stack "Re: Re: Fwd:") and any leading
// "[list-tag]" bracket, then lowercases and trims whitespace for
// comparison.
func normalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		trimmed := false
		for _, p := range replyPrefixes {
			if strings.HasPrefix(s, p) {
				s = strings.TrimSpace(s[len(p):])
				trimmed = true
			}
		}
		if !trimmed {
			break
		}
	}
	if i := strings.IndexByte(s, '['); i == 0 {
		if j := strings.IndexByte(s, ']'); j > i {
			s = strings.TrimSpace(s[j+1:])
		}
	}
	return strings.ToLower(s)
}

// groupBySubject groups roots that share a normalized subject under a
// synthetic stub parent.
func (t *Tree) groupBySubject() {
	groups := make(map[string][]*ThreadNode)
	var order []string
	for _, root := range t.roots {
		if root.Item == nil || root.Item.Subject == "" {
			continue
		}
		key := normalizeSubject(root.Item.Subject)
		if key == "" {
			continue
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], root)
	}

	var newRoots []*ThreadNode
	grouped := make(map[*ThreadNode]bool)
	for _, key := range order {
		members := groups[key]
		if len(members) < 2 {
			continue
		}
		synthetic := &ThreadNode{SyntheticID: uuid.NewString()}
		for _, m := range members {
			synthetic.addChild(m)
			grouped[m] = true
		}
		newRoots = append(newRoots, synthetic)
	}
	for _, root := range t.roots {
		if !grouped[root] {
			newRoots = append(newRoots, root)
		}
	}
	t.roots = newRoots
}

// NodeForUID returns the tree node for uid, or nil if uid was not in
// the items Build was called with.
func (t *Tree) NodeForUID(uid string) *ThreadNode { return t.byUID[uid] }

// Roots returns the forest's top-level nodes.
func (t *Tree) Roots() []*ThreadNode { return t.roots }

// root walks up to the top of n's tree.
func root(n *ThreadNode) *ThreadNode {
	for n.parent != nil {
		n = n.parent
	}
	return n
}

// children returns n's direct children.
func children(n *ThreadNode) []*ThreadNode {
	var out []*ThreadNode
	for c := n.firstChild; c != nil; c = c.nextSibling {
		out = append(out, c)
	}
	return out
}

// descendants returns every node reachable below n, excluding n.
func descendants(n *ThreadNode) []*ThreadNode {
	var out []*ThreadNode
	var walk func(*ThreadNode)
	walk = func(cur *ThreadNode) {
		for c := cur.firstChild; c != nil; c = c.nextSibling {
			out = append(out, c)
			walk(c)
		}
	}
	walk(n)
	return out
}

// ancestors returns n's chain of parents, nearest first, excluding n.
func ancestors(n *ThreadNode) []*ThreadNode {
	var out []*ThreadNode
	for p := n.parent; p != nil; p = p.parent {
		out = append(out, p)
	}
	return out
}

// allInSubtree returns every node in n's whole tree (root plus every
// descendant of the root).
func allInSubtree(n *ThreadNode) []*ThreadNode {
	r := root(n)
	out := []*ThreadNode{r}
	out = append(out, descendants(r)...)
	return out
}

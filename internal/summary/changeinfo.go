// Package summary holds the in-memory cache of per-uid message info
// for one folder, with a set-algebraic added/removed/changed/recent
// diff, a freeze/thaw batching counter, and deferred notification
// delivered over a channel.
package summary

// uidState is the ChangeInfo state machine's per-uid state: at most
// one of added/removed/changed holds a given uid.
type uidState int

const (
	stateNone uidState = iota
	stateAdded
	stateRemoved
	stateChanged
)

// ChangeInfo tracks four disjoint(-ish) sets of uids per folder:
// added, removed, changed, and recent, plus an internal "filter" set
// the filter pipeline has not yet consumed.
type ChangeInfo struct {
	state   map[string]uidState
	added   map[string]bool
	removed map[string]bool
	changed map[string]bool
	recent  map[string]bool
	filter  map[string]bool
}

// NewChangeInfo returns an empty ChangeInfo.
func NewChangeInfo() *ChangeInfo {
	return &ChangeInfo{
		state:   make(map[string]uidState),
		added:   make(map[string]bool),
		removed: make(map[string]bool),
		changed: make(map[string]bool),
		recent:  make(map[string]bool),
		filter:  make(map[string]bool),
	}
}

// transition applies one operation of the state machine:
//
//	op \ state    ∅  A  R  C
//	add_uid       A  A  C  A
//	remove_uid    R  R  R  R
//	change_uid    C  A  R  C
func (c *ChangeInfo) transition(uid string, op func(uidState) uidState) {
	next := op(c.state[uid])
	c.move(uid, next)
}

func (c *ChangeInfo) move(uid string, next uidState) {
	cur := c.state[uid]
	if cur == next {
		return
	}
	switch cur {
	case stateAdded:
		delete(c.added, uid)
	case stateRemoved:
		delete(c.removed, uid)
	case stateChanged:
		delete(c.changed, uid)
	}
	switch next {
	case stateAdded:
		c.added[uid] = true
	case stateRemoved:
		c.removed[uid] = true
	case stateChanged:
		c.changed[uid] = true
	}
	c.state[uid] = next
}

// AddUID records that uid was seen as added.
func (c *ChangeInfo) AddUID(uid string) {
	c.transition(uid, func(s uidState) uidState {
		switch s {
		case stateRemoved:
			return stateChanged
		default:
			return stateAdded
		}
	})
}

// RemoveUID records that uid was seen as removed; per the table,
// remove_uid always wins regardless of prior state.
func (c *ChangeInfo) RemoveUID(uid string) {
	c.transition(uid, func(uidState) uidState { return stateRemoved })
}

// ChangeUID records that uid's properties changed.
func (c *ChangeInfo) ChangeUID(uid string) {
	c.transition(uid, func(s uidState) uidState {
		switch s {
		case stateNone, stateChanged:
			return stateChanged
		case stateAdded:
			return stateAdded
		case stateRemoved:
			return stateRemoved
		default:
			return stateChanged
		}
	})
}

// RecentUID marks uid recent; recent is additive and never
// participates in the added/removed/changed diff.
func (c *ChangeInfo) RecentUID(uid string) { c.recent[uid] = true }

// FilterUID marks uid as not yet consumed by the filter pipeline.
func (c *ChangeInfo) FilterUID(uid string) { c.filter[uid] = true }

// ConsumeFilter clears uid's pending-filter mark.
func (c *ChangeInfo) ConsumeFilter(uid string) { delete(c.filter, uid) }

// Added, Removed, Changed, Recent return snapshots of each set.
func (c *ChangeInfo) Added() []string   { return keys(c.added) }
func (c *ChangeInfo) Removed() []string { return keys(c.removed) }
func (c *ChangeInfo) Changed() []string { return keys(c.changed) }
func (c *ChangeInfo) Recent() []string  { return keys(c.recent) }

// IsEmpty reports whether there is nothing to report.
func (c *ChangeInfo) IsEmpty() bool {
	return len(c.added) == 0 && len(c.removed) == 0 && len(c.changed) == 0
}

// Clear resets the added, removed, changed and recent sets; the
// pending-filter marks are kept. Called on each successful notify.
// The ChangeInfo itself lives as long as its folder does.
func (c *ChangeInfo) Clear() {
	c.state = make(map[string]uidState)
	c.added = make(map[string]bool)
	c.removed = make(map[string]bool)
	c.changed = make(map[string]bool)
	c.recent = make(map[string]bool)
}

// BuildDiff compares source (every uid the caller currently observes
// on disk) against everything accumulated since the last Clear, and
// converts any uid present before but absent from source, and never
// otherwise touched, into a removal.
func (c *ChangeInfo) BuildDiff(knownBefore, source []string) {
	inSource := make(map[string]bool, len(source))
	for _, u := range source {
		inSource[u] = true
	}
	for _, u := range knownBefore {
		if inSource[u] {
			continue
		}
		if _, seen := c.state[u]; seen {
			continue
		}
		c.RemoveUID(u)
	}
}

// Merge folds other's accumulated sets into c, preserving state-
// machine precedence (used to consolidate changed_frozen into the
// live ChangeInfo on thaw).
func (c *ChangeInfo) Merge(other *ChangeInfo) {
	for uid := range other.added {
		c.AddUID(uid)
	}
	for uid := range other.removed {
		c.RemoveUID(uid)
	}
	for uid := range other.changed {
		c.ChangeUID(uid)
	}
	for uid := range other.recent {
		c.RecentUID(uid)
	}
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

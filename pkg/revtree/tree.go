// Package revtree implements per-document revision trees and the
// deterministic winner selection that resolves concurrent edits.
//
// Revisions of one document form a tree rooted at generation 1. A branch
// appears when two revisions are written against the same parent, which is
// how concurrent edits from disconnected stores show up after replication.
// The tree is stored as an arena of nodes indexed by RevID rather than as
// linked nodes, so it serializes trivially and has no ownership cycles.
//
// The package is pure: no I/O, no locking. Stores own their trees and
// serialize access to them.
package revtree

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrParentMissing is returned by Add when a non-root revision names a
	// parent the tree does not contain.
	ErrParentMissing = errors.New("revtree: parent revision not in tree")

	// ErrBadGeneration is returned by Add when a revision's generation is
	// not exactly one greater than its parent's.
	ErrBadGeneration = errors.New("revtree: generation does not follow parent")
)

// Rev is one node of a revision tree. Parent is zero for generation-1
// roots. Bodies are kept by the store, not the tree.
type Rev struct {
	ID      RevID `json:"rev"`
	Parent  RevID `json:"parent,omitempty"`
	Deleted bool  `json:"deleted,omitempty"`
}

// Tree is the revision history of a single document.
type Tree struct {
	revs     map[RevID]Rev
	children map[RevID]int
}

func New() *Tree {
	return &Tree{
		revs:     make(map[RevID]Rev),
		children: make(map[RevID]int),
	}
}

func (t *Tree) Len() int {
	return len(t.revs)
}

func (t *Tree) Contains(id RevID) bool {
	_, ok := t.revs[id]
	return ok
}

func (t *Tree) Get(id RevID) (Rev, bool) {
	r, ok := t.revs[id]
	return r, ok
}

// Add inserts a revision. Adding a revision that is already present is a
// no-op, which keeps replication idempotent. Non-root revisions must name
// a parent already in the tree, and generations must increase by exactly
// one along parent links.
func (t *Tree) Add(r Rev) error {
	if _, ok := t.revs[r.ID]; ok {
		return nil
	}
	if r.Parent.IsZero() {
		if r.ID.Gen != 1 {
			return fmt.Errorf("%w: root %s has generation %d", ErrBadGeneration, r.ID, r.ID.Gen)
		}
	} else {
		if _, ok := t.revs[r.Parent]; !ok {
			return fmt.Errorf("%w: %s names parent %s", ErrParentMissing, r.ID, r.Parent)
		}
		if r.ID.Gen != r.Parent.Gen+1 {
			return fmt.Errorf("%w: %s under parent %s", ErrBadGeneration, r.ID, r.Parent)
		}
	}
	t.revs[r.ID] = r
	if !r.Parent.IsZero() {
		t.children[r.Parent]++
	}
	return nil
}

// Leaves returns the revisions with no children, sorted ascending by the
// winner ordering so the last element is the winner.
func (t *Tree) Leaves() []RevID {
	var leaves []RevID
	for id := range t.revs {
		if t.children[id] == 0 {
			leaves = append(leaves, id)
		}
	}
	sort.Slice(leaves, func(i, j int) bool {
		return Compare(leaves[i], leaves[j]) < 0
	})
	return leaves
}

// Winner returns the winning revision: the leaf that sorts greatest under
// Compare. Tombstones participate in the ordering like any other leaf, so
// a concurrent edit with a higher (generation, hash) beats a delete and
// the document resurrects. The losing leaves stay in the tree for
// conflict inspection; no data is discarded.
func (t *Tree) Winner() (Rev, bool) {
	leaves := t.Leaves()
	if len(leaves) == 0 {
		return Rev{}, false
	}
	return t.revs[leaves[len(leaves)-1]], true
}

// IsLeaf reports whether id is present and has no children.
func (t *Tree) IsLeaf(id RevID) bool {
	if !t.Contains(id) {
		return false
	}
	return t.children[id] == 0
}

// ConflictingLeaves returns the non-winning leaves, i.e. the revisions a
// caller would inspect to resolve a conflict by hand.
func (t *Tree) ConflictingLeaves() []RevID {
	leaves := t.Leaves()
	if len(leaves) <= 1 {
		return nil
	}
	return leaves[:len(leaves)-1]
}

// Missing filters revs down to the ones this tree does not contain. It is
// the revision-existence query replication runs against a target.
func (t *Tree) Missing(revs []RevID) []RevID {
	var missing []RevID
	for _, id := range revs {
		if !t.Contains(id) {
			missing = append(missing, id)
		}
	}
	return missing
}

// All returns every revision in causal order: generation ascending, hash
// as tie break. Applying revisions in this order guarantees a child is
// never applied before its parent.
func (t *Tree) All() []Rev {
	out := make([]Rev, 0, len(t.revs))
	for _, r := range t.revs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return Compare(out[i].ID, out[j].ID) < 0
	})
	return out
}

// IDs returns every RevID in the same causal order as All.
func (t *Tree) IDs() []RevID {
	all := t.All()
	ids := make([]RevID, len(all))
	for i, r := range all {
		ids[i] = r.ID
	}
	return ids
}

// Clone returns an independent copy of the tree.
func (t *Tree) Clone() *Tree {
	c := New()
	for id, r := range t.revs {
		c.revs[id] = r
	}
	for id, n := range t.children {
		c.children[id] = n
	}
	return c
}

// FromRevs rebuilds a tree from a flat revision list, in any order. It is
// used when decoding a persisted or wire-transferred tree.
func FromRevs(revs []Rev) (*Tree, error) {
	sorted := make([]Rev, len(revs))
	copy(sorted, revs)
	sort.Slice(sorted, func(i, j int) bool {
		return Compare(sorted[i].ID, sorted[j].ID) < 0
	})
	t := New()
	for _, r := range sorted {
		if err := t.Add(r); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Package doctree holds the in-memory document hierarchy: documents own
// ordered groups, groups own items, items nest through parent/child links.
// All mutation goes through the history engine; callers outside it treat
// the tree as read-only.
package doctree

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrCorrupt = errors.New("corrupt tree")

// Item is the atomic document node. ID is assigned at creation and never
// changes. ParentID is nil for root-level items; ChildIDs is ordered and
// must agree with each child's ParentID.
type Item struct {
	ID         string         `json:"id"`
	ParentID   *string        `json:"parentId,omitempty"`
	ChildIDs   []string       `json:"childIds,omitempty"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Group owns a flat set of items plus the ordering of its root-level items.
// Nested items are reachable only through ChildIDs.
type Group struct {
	ID      string           `json:"id"`
	Name    string           `json:"name,omitempty"`
	Items   map[string]*Item `json:"items"`
	RootIDs []string         `json:"rootIds"`
}

type Document struct {
	ID     string   `json:"id"`
	Name   string   `json:"name,omitempty"`
	Groups []*Group `json:"groups"`
}

type Tree struct {
	Documents []*Document `json:"documents"`
}

func NewTree() *Tree {
	return &Tree{Documents: []*Document{}}
}

func NewGroup(id, name string) *Group {
	return &Group{
		ID:      id,
		Name:    name,
		Items:   map[string]*Item{},
		RootIDs: []string{},
	}
}

// Group finds a group by ID across all documents.
func (t *Tree) Group(id string) (*Group, bool) {
	if t == nil {
		return nil, false
	}
	for _, doc := range t.Documents {
		for _, g := range doc.Groups {
			if g.ID == id {
				return g, true
			}
		}
	}
	return nil, false
}

// FindItem locates an item by ID and reports the group that owns it.
func (t *Tree) FindItem(id string) (*Item, *Group, bool) {
	if t == nil || id == "" {
		return nil, nil, false
	}
	for _, doc := range t.Documents {
		for _, g := range doc.Groups {
			if item, ok := g.Items[id]; ok {
				return item, g, true
			}
		}
	}
	return nil, nil, false
}

// Siblings returns the ordered ID list an item with the given parent lives
// in: the parent's ChildIDs, or the group's root list when parentID is nil.
// The returned pointer aliases group state so callers can splice in place.
func (g *Group) Siblings(parentID *string) (*[]string, error) {
	if parentID == nil {
		return &g.RootIDs, nil
	}
	parent, ok := g.Items[*parentID]
	if !ok {
		return nil, fmt.Errorf("%w: parent %s", ErrCorrupt, *parentID)
	}
	return &parent.ChildIDs, nil
}

// InsertAt splices id into the sibling list at index, clamped to
// [0, len]. Returns the effective index.
func InsertAt(siblings *[]string, id string, index int) int {
	list := *siblings
	if index < 0 {
		index = 0
	}
	if index > len(list) {
		index = len(list)
	}
	list = append(list, "")
	copy(list[index+1:], list[index:])
	list[index] = id
	*siblings = list
	return index
}

// RemoveFrom splices id out of the sibling list, reporting the index it
// held.
func RemoveFrom(siblings *[]string, id string) (int, bool) {
	list := *siblings
	for i, existing := range list {
		if existing == id {
			*siblings = append(list[:i], list[i+1:]...)
			return i, true
		}
	}
	return -1, false
}

// IsDescendant reports whether id is ancestorID itself or lives anywhere
// under it.
func (g *Group) IsDescendant(ancestorID, id string) bool {
	if ancestorID == id {
		return true
	}
	item, ok := g.Items[id]
	if !ok {
		return false
	}
	seen := map[string]bool{}
	for item.ParentID != nil {
		pid := *item.ParentID
		if seen[pid] {
			return false
		}
		seen[pid] = true
		if pid == ancestorID {
			return true
		}
		parent, ok := g.Items[pid]
		if !ok {
			return false
		}
		item = parent
	}
	return false
}

// SubtreeIDs returns id plus every transitively reachable child, in
// depth-first order.
func (g *Group) SubtreeIDs(id string) []string {
	ids := []string{}
	var walk func(string)
	walk = func(cur string) {
		ids = append(ids, cur)
		if item, ok := g.Items[cur]; ok {
			for _, child := range item.ChildIDs {
				walk(child)
			}
		}
	}
	walk(id)
	return ids
}

// Clone produces a fully independent copy of the tree.
func (t *Tree) Clone() *Tree {
	if t == nil {
		return nil
	}
	clone := &Tree{Documents: make([]*Document, 0, len(t.Documents))}
	for _, doc := range t.Documents {
		clone.Documents = append(clone.Documents, doc.Clone())
	}
	return clone
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	clone := &Document{ID: d.ID, Name: d.Name, Groups: make([]*Group, 0, len(d.Groups))}
	for _, g := range d.Groups {
		clone.Groups = append(clone.Groups, g.Clone())
	}
	return clone
}

func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	clone := &Group{ID: g.ID, Name: g.Name, Items: make(map[string]*Item, len(g.Items))}
	for id, item := range g.Items {
		clone.Items[id] = item.Clone()
	}
	if g.RootIDs != nil {
		clone.RootIDs = append([]string{}, g.RootIDs...)
	}
	return clone
}

func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	clone := &Item{ID: i.ID, Type: i.Type}
	if i.ParentID != nil {
		pid := *i.ParentID
		clone.ParentID = &pid
	}
	if i.ChildIDs != nil {
		clone.ChildIDs = append([]string{}, i.ChildIDs...)
	}
	if i.Properties != nil {
		clone.Properties = cloneValue(i.Properties).(map[string]any)
	}
	return clone
}

// cloneValue deep-copies the JSON-shaped values stored in item properties.
// Scalars copy by value; anything else the engine treats as opaque and
// copies structurally.
func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, inner := range tv {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, inner := range tv {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return tv
	}
}

// CloneValue is cloneValue for callers outside the package that capture
// property values into operations.
func CloneValue(v any) any {
	return cloneValue(v)
}

// Equal reports structural deep equality, the invariant checked by the
// undo/redo round-trip guarantees. Comparison goes through the canonical
// JSON form so a nil and an empty child list compare equal.
func (t *Tree) Equal(other *Tree) bool {
	a, errA := json.Marshal(t)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Normalize replaces nil item maps and ID slices with empty ones. JSON
// decoding leaves them nil when the source document has null or omitted
// fields, and a nil Items map cannot take assignments.
func (t *Tree) Normalize() {
	if t == nil {
		return
	}
	for _, doc := range t.Documents {
		for _, g := range doc.Groups {
			if g.Items == nil {
				g.Items = map[string]*Item{}
			}
			if g.RootIDs == nil {
				g.RootIDs = []string{}
			}
			for _, item := range g.Items {
				if item.ChildIDs == nil {
					item.ChildIDs = []string{}
				}
			}
		}
	}
}

// Validate checks the structural invariants: parent/child agreement in both
// directions, no duplicated IDs in any ordered list, root lists matching
// the set of parentless items, and no parent cycles. Decoded trees are
// normalized first so an empty group is usable regardless of how its JSON
// spelled the empty containers.
func (t *Tree) Validate() error {
	if t == nil {
		return nil
	}
	t.Normalize()
	for _, doc := range t.Documents {
		for _, g := range doc.Groups {
			if err := g.validate(); err != nil {
				return fmt.Errorf("group %s: %w", g.ID, err)
			}
		}
	}
	return nil
}

func (g *Group) validate() error {
	rootSeen := map[string]bool{}
	for _, id := range g.RootIDs {
		if rootSeen[id] {
			return fmt.Errorf("%w: duplicate root id %s", ErrCorrupt, id)
		}
		rootSeen[id] = true
		item, ok := g.Items[id]
		if !ok {
			return fmt.Errorf("%w: root id %s has no item", ErrCorrupt, id)
		}
		if item.ParentID != nil {
			return fmt.Errorf("%w: root item %s has parent %s", ErrCorrupt, id, *item.ParentID)
		}
	}
	for id, item := range g.Items {
		if item.ID != id {
			return fmt.Errorf("%w: item keyed %s carries id %s", ErrCorrupt, id, item.ID)
		}
		if item.ParentID == nil {
			if !rootSeen[id] {
				return fmt.Errorf("%w: parentless item %s missing from root list", ErrCorrupt, id)
			}
		} else {
			parent, ok := g.Items[*item.ParentID]
			if !ok {
				return fmt.Errorf("%w: item %s references missing parent %s", ErrCorrupt, id, *item.ParentID)
			}
			count := 0
			for _, child := range parent.ChildIDs {
				if child == id {
					count++
				}
			}
			if count != 1 {
				return fmt.Errorf("%w: parent %s lists child %s %d times", ErrCorrupt, parent.ID, id, count)
			}
		}
		childSeen := map[string]bool{}
		for _, child := range item.ChildIDs {
			if childSeen[child] {
				return fmt.Errorf("%w: item %s lists child %s twice", ErrCorrupt, id, child)
			}
			childSeen[child] = true
			childItem, ok := g.Items[child]
			if !ok {
				return fmt.Errorf("%w: item %s lists missing child %s", ErrCorrupt, id, child)
			}
			if childItem.ParentID == nil || *childItem.ParentID != id {
				return fmt.Errorf("%w: child %s does not point back to %s", ErrCorrupt, child, id)
			}
		}
	}
	for id := range g.Items {
		if err := g.checkNoCycle(id); err != nil {
			return err
		}
	}
	return nil
}

func (g *Group) checkNoCycle(id string) error {
	seen := map[string]bool{}
	cur := g.Items[id]
	for cur != nil && cur.ParentID != nil {
		pid := *cur.ParentID
		if seen[pid] || pid == id {
			return fmt.Errorf("%w: parent cycle through %s", ErrCorrupt, id)
		}
		seen[pid] = true
		cur = g.Items[pid]
	}
	return nil
}

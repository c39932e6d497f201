package history

import (
	"fmt"

	"github.com/stacknote/stacknote/internal/doctree"
)

// Apply validates and applies one operation against the live tree. It is
// all-or-nothing: every precondition is checked before the first mutation,
// so a returned error guarantees the tree is untouched. On success it
// returns the operation enriched with the captured state its inverse needs.
func Apply(tree *doctree.Tree, op Operation) (Operation, error) {
	if tree == nil {
		return Operation{}, fmt.Errorf("%w: nil tree", ErrInvalidOperation)
	}
	switch op.Kind {
	case KindCreate:
		return applyCreate(tree, op)
	case KindDelete:
		return applyDelete(tree, op)
	case KindMove:
		return applyMove(tree, op)
	case KindSetProperty:
		return applySetProperty(tree, op)
	case KindSplit:
		return applySplit(tree, op)
	case KindMerge:
		return applyMerge(tree, op)
	default:
		return Operation{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
}

func applyCreate(tree *doctree.Tree, op Operation) (Operation, error) {
	if op.ItemID == "" {
		return Operation{}, fmt.Errorf("%w: create without item id", ErrInvalidOperation)
	}
	group, err := resolveGroup(tree, op)
	if err != nil {
		return Operation{}, err
	}
	if op.ParentID != nil {
		if _, ok := group.Items[*op.ParentID]; !ok {
			return Operation{}, fmt.Errorf("%w: parent %s", ErrTargetMissing, *op.ParentID)
		}
	}

	var items []*doctree.Item
	if len(op.Items) > 0 {
		if op.Items[0].ID != op.ItemID {
			return Operation{}, fmt.Errorf("%w: subtree root %s does not match item id %s", ErrInvalidOperation, op.Items[0].ID, op.ItemID)
		}
		items = cloneItems(op.Items)
	} else {
		item := &doctree.Item{ID: op.ItemID, Type: op.ItemType}
		if op.Properties != nil {
			item.Properties = doctree.CloneValue(op.Properties).(map[string]any)
		}
		items = []*doctree.Item{item}
	}
	for _, item := range items {
		if _, _, exists := tree.FindItem(item.ID); exists {
			return Operation{}, fmt.Errorf("%w: item %s already exists", ErrInvalidOperation, item.ID)
		}
	}
	items[0].ParentID = clonePID(op.ParentID)

	siblings, err := group.Siblings(op.ParentID)
	if err != nil {
		return Operation{}, err
	}
	for _, item := range items {
		group.Items[item.ID] = item
	}
	index := doctree.InsertAt(siblings, op.ItemID, op.Index)

	op.GroupID = group.ID
	op.Index = index
	op.ItemType = items[0].Type
	return op, nil
}

func applyDelete(tree *doctree.Tree, op Operation) (Operation, error) {
	item, group, ok := tree.FindItem(op.ItemID)
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrItemNotFound, op.ItemID)
	}
	siblings, err := group.Siblings(item.ParentID)
	if err != nil {
		return Operation{}, err
	}
	index := indexOf(*siblings, op.ItemID)
	if index < 0 {
		return Operation{}, fmt.Errorf("%w: item %s detached from sibling list", doctree.ErrCorrupt, op.ItemID)
	}

	subtreeIDs := group.SubtreeIDs(op.ItemID)
	captured := make([]*doctree.Item, 0, len(subtreeIDs))
	for _, id := range subtreeIDs {
		node, ok := group.Items[id]
		if !ok {
			return Operation{}, fmt.Errorf("%w: subtree of %s references missing item %s", doctree.ErrCorrupt, op.ItemID, id)
		}
		captured = append(captured, node.Clone())
	}

	doctree.RemoveFrom(siblings, op.ItemID)
	for _, id := range subtreeIDs {
		delete(group.Items, id)
	}

	op.GroupID = group.ID
	op.ParentID = clonePID(captured[0].ParentID)
	op.Index = index
	op.ItemType = captured[0].Type
	op.Items = captured
	return op, nil
}

func applyMove(tree *doctree.Tree, op Operation) (Operation, error) {
	item, group, ok := tree.FindItem(op.ItemID)
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrItemNotFound, op.ItemID)
	}
	if op.GroupID != "" && op.GroupID != group.ID {
		return Operation{}, fmt.Errorf("%w: move cannot change groups", ErrInvalidOperation)
	}
	if op.NewParentID != nil {
		if _, ok := group.Items[*op.NewParentID]; !ok {
			return Operation{}, fmt.Errorf("%w: parent %s", ErrTargetMissing, *op.NewParentID)
		}
		if group.IsDescendant(op.ItemID, *op.NewParentID) {
			return Operation{}, fmt.Errorf("%w: %s under %s", ErrCyclicMove, op.ItemID, *op.NewParentID)
		}
	}
	oldSiblings, err := group.Siblings(item.ParentID)
	if err != nil {
		return Operation{}, err
	}
	oldIndex := indexOf(*oldSiblings, op.ItemID)
	if oldIndex < 0 {
		return Operation{}, fmt.Errorf("%w: item %s detached from sibling list", doctree.ErrCorrupt, op.ItemID)
	}
	newSiblings, err := group.Siblings(op.NewParentID)
	if err != nil {
		return Operation{}, err
	}

	op.GroupID = group.ID
	op.OldParentID = clonePID(item.ParentID)
	op.OldIndex = oldIndex

	doctree.RemoveFrom(oldSiblings, op.ItemID)
	item.ParentID = clonePID(op.NewParentID)
	op.NewIndex = doctree.InsertAt(newSiblings, op.ItemID, op.NewIndex)
	return op, nil
}

func applySetProperty(tree *doctree.Tree, op Operation) (Operation, error) {
	item, group, ok := tree.FindItem(op.ItemID)
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrItemNotFound, op.ItemID)
	}
	if op.Key == "" {
		return Operation{}, fmt.Errorf("%w: set without key", ErrInvalidOperation)
	}

	op.GroupID = group.ID
	if item.Properties != nil {
		op.OldValue = doctree.CloneValue(item.Properties[op.Key])
	} else {
		op.OldValue = nil
	}

	// A nil value removes the key, mirroring how reverting a first-time set
	// must leave no residue behind.
	if op.NewValue == nil {
		if item.Properties != nil {
			delete(item.Properties, op.Key)
		}
		return op, nil
	}
	if item.Properties == nil {
		item.Properties = map[string]any{}
	}
	item.Properties[op.Key] = doctree.CloneValue(op.NewValue)
	return op, nil
}

func applySplit(tree *doctree.Tree, op Operation) (Operation, error) {
	item, group, ok := tree.FindItem(op.ItemID)
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrItemNotFound, op.ItemID)
	}
	if op.NewItemID == "" {
		return Operation{}, fmt.Errorf("%w: split without new item id", ErrInvalidOperation)
	}
	if _, _, exists := tree.FindItem(op.NewItemID); exists {
		return Operation{}, fmt.Errorf("%w: item %s already exists", ErrInvalidOperation, op.NewItemID)
	}
	text, ok := item.Properties["text"].(string)
	if !ok {
		return Operation{}, fmt.Errorf("%w: split target %s has no text", ErrInvalidOperation, op.ItemID)
	}
	siblings, err := group.Siblings(item.ParentID)
	if err != nil {
		return Operation{}, err
	}
	index := indexOf(*siblings, op.ItemID)
	if index < 0 {
		return Operation{}, fmt.Errorf("%w: item %s detached from sibling list", doctree.ErrCorrupt, op.ItemID)
	}

	runes := []rune(text)
	caret := op.CaretPosition
	if caret < 0 {
		caret = 0
	}
	if caret > len(runes) {
		caret = len(runes)
	}

	var sibling *doctree.Item
	if op.SplitItem != nil {
		sibling = op.SplitItem.Clone()
	} else {
		sibling = &doctree.Item{Type: item.Type}
	}
	sibling.ID = op.NewItemID
	sibling.ParentID = clonePID(item.ParentID)
	sibling.ChildIDs = nil
	if sibling.Properties == nil {
		sibling.Properties = map[string]any{}
	}
	sibling.Properties["text"] = string(runes[caret:])

	item.Properties["text"] = string(runes[:caret])
	group.Items[sibling.ID] = sibling
	doctree.InsertAt(siblings, sibling.ID, index+1)

	op.GroupID = group.ID
	op.CaretPosition = caret
	return op, nil
}

func applyMerge(tree *doctree.Tree, op Operation) (Operation, error) {
	item, group, ok := tree.FindItem(op.ItemID)
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrItemNotFound, op.ItemID)
	}
	prev, prevGroup, ok := tree.FindItem(op.PrevItemID)
	if !ok {
		return Operation{}, fmt.Errorf("%w: merge target %s", ErrTargetMissing, op.PrevItemID)
	}
	if prevGroup != group {
		return Operation{}, fmt.Errorf("%w: merge across groups", ErrInvalidOperation)
	}
	if len(item.ChildIDs) > 0 {
		return Operation{}, fmt.Errorf("%w: merge source %s still has children", ErrInvalidOperation, op.ItemID)
	}
	siblings, err := group.Siblings(item.ParentID)
	if err != nil {
		return Operation{}, err
	}
	index := indexOf(*siblings, op.ItemID)
	prevIndex := indexOf(*siblings, op.PrevItemID)
	if index < 0 || prevIndex < 0 || index != prevIndex+1 {
		// Merge joins adjacent siblings; anything else cannot be undone by
		// a split and is refused outright.
		return Operation{}, fmt.Errorf("%w: merge requires %s directly after %s", ErrInvalidOperation, op.ItemID, op.PrevItemID)
	}

	itemText, ok := item.Properties["text"].(string)
	if !ok {
		return Operation{}, fmt.Errorf("%w: merge source %s has no text", ErrInvalidOperation, op.ItemID)
	}
	prevText, ok := prev.Properties["text"].(string)
	if !ok {
		return Operation{}, fmt.Errorf("%w: merge target %s has no text", ErrInvalidOperation, op.PrevItemID)
	}

	op.GroupID = group.ID
	op.CaretPosition = len([]rune(prevText))
	op.SplitItem = item.Clone()

	prev.Properties["text"] = prevText + itemText
	doctree.RemoveFrom(siblings, op.ItemID)
	delete(group.Items, op.ItemID)
	return op, nil
}

// resolveGroup picks the group a create lands in: the explicit GroupID, or
// the group that owns the parent item.
func resolveGroup(tree *doctree.Tree, op Operation) (*doctree.Group, error) {
	if op.GroupID != "" {
		group, ok := tree.Group(op.GroupID)
		if !ok {
			return nil, fmt.Errorf("%w: group %s", ErrTargetMissing, op.GroupID)
		}
		return group, nil
	}
	if op.ParentID != nil {
		_, group, ok := tree.FindItem(*op.ParentID)
		if !ok {
			return nil, fmt.Errorf("%w: parent %s", ErrTargetMissing, *op.ParentID)
		}
		return group, nil
	}
	return nil, fmt.Errorf("%w: create needs a group or a parent", ErrInvalidOperation)
}

func clonePID(id *string) *string {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func indexOf(list []string, id string) int {
	for i, existing := range list {
		if existing == id {
			return i
		}
	}
	return -1
}

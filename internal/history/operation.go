package history

import (
	"fmt"

	"github.com/stacknote/stacknote/internal/doctree"
)

type Kind string

const (
	KindCreate      Kind = "create"
	KindDelete      Kind = "delete"
	KindMove        Kind = "move"
	KindSetProperty Kind = "set_property"
	KindSplit       Kind = "split"
	KindMerge       Kind = "merge"
)

// Operation is one invertible edit. A single struct with a Kind
// discriminator keeps the wire format flat; only the fields for the
// operation's kind are populated. Applying an operation enriches it with
// whatever captured state its inverse needs (deleted subtrees, prior
// property values, pre-merge caret positions), so Invert never has to read
// the tree.
type Operation struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	ItemID  string `json:"itemId"`
	GroupID string `json:"groupId,omitempty"`

	// Create and Delete. Items[0] is the subject item; the rest are its
	// captured descendants when restoring a deleted subtree.
	ItemType   string          `json:"itemType,omitempty"`
	ParentID   *string         `json:"parentId,omitempty"`
	Index      int             `json:"index,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
	Items      []*doctree.Item `json:"items,omitempty"`

	// Move.
	NewParentID *string `json:"newParentId,omitempty"`
	NewIndex    int     `json:"newIndex,omitempty"`
	OldParentID *string `json:"oldParentId,omitempty"`
	OldIndex    int     `json:"oldIndex,omitempty"`

	// SetProperty.
	Key      string `json:"key,omitempty"`
	NewValue any    `json:"newValue,omitempty"`
	OldValue any    `json:"oldValue,omitempty"`

	// Split and Merge. CaretPosition counts runes into the text property.
	CaretPosition int           `json:"caretPosition,omitempty"`
	NewItemID     string        `json:"newItemId,omitempty"`
	PrevItemID    string        `json:"prevItemId,omitempty"`
	SplitItem     *doctree.Item `json:"splitItem,omitempty"`
}

func NewCreate(groupID string, parentID *string, index int, itemType string, properties map[string]any) Operation {
	return Operation{
		ID:         NewOperationID(),
		Kind:       KindCreate,
		ItemID:     NewItemID(),
		GroupID:    groupID,
		ItemType:   itemType,
		ParentID:   parentID,
		Index:      index,
		Properties: properties,
	}
}

func NewDelete(itemID string) Operation {
	return Operation{ID: NewOperationID(), Kind: KindDelete, ItemID: itemID}
}

func NewMove(itemID string, newParentID *string, newIndex int) Operation {
	return Operation{
		ID:          NewOperationID(),
		Kind:        KindMove,
		ItemID:      itemID,
		NewParentID: newParentID,
		NewIndex:    newIndex,
	}
}

func NewSetProperty(itemID, key string, newValue any) Operation {
	return Operation{
		ID:       NewOperationID(),
		Kind:     KindSetProperty,
		ItemID:   itemID,
		Key:      key,
		NewValue: newValue,
	}
}

func NewSplit(itemID string, caretPosition int) Operation {
	return Operation{
		ID:            NewOperationID(),
		Kind:          KindSplit,
		ItemID:        itemID,
		CaretPosition: caretPosition,
		NewItemID:     NewItemID(),
	}
}

func NewMerge(itemID, prevItemID string) Operation {
	return Operation{
		ID:         NewOperationID(),
		Kind:       KindMerge,
		ItemID:     itemID,
		PrevItemID: prevItemID,
	}
}

// Invert derives the operation that exactly undoes an applied operation,
// using only the state the operation already carries.
func (op Operation) Invert() (Operation, error) {
	switch op.Kind {
	case KindCreate:
		return Operation{
			ID:     NewOperationID(),
			Kind:   KindDelete,
			ItemID: op.ItemID,
		}, nil
	case KindDelete:
		if len(op.Items) == 0 {
			return Operation{}, fmt.Errorf("%w: delete inverse requires captured items", ErrInvalidOperation)
		}
		return Operation{
			ID:       NewOperationID(),
			Kind:     KindCreate,
			ItemID:   op.ItemID,
			GroupID:  op.GroupID,
			ItemType: op.Items[0].Type,
			ParentID: op.ParentID,
			Index:    op.Index,
			Items:    cloneItems(op.Items),
		}, nil
	case KindMove:
		return Operation{
			ID:          NewOperationID(),
			Kind:        KindMove,
			ItemID:      op.ItemID,
			GroupID:     op.GroupID,
			NewParentID: op.OldParentID,
			NewIndex:    op.OldIndex,
			OldParentID: op.NewParentID,
			OldIndex:    op.NewIndex,
		}, nil
	case KindSetProperty:
		return Operation{
			ID:       NewOperationID(),
			Kind:     KindSetProperty,
			ItemID:   op.ItemID,
			GroupID:  op.GroupID,
			Key:      op.Key,
			NewValue: doctree.CloneValue(op.OldValue),
			OldValue: doctree.CloneValue(op.NewValue),
		}, nil
	case KindSplit:
		return Operation{
			ID:            NewOperationID(),
			Kind:          KindMerge,
			ItemID:        op.NewItemID,
			GroupID:       op.GroupID,
			PrevItemID:    op.ItemID,
			CaretPosition: op.CaretPosition,
		}, nil
	case KindMerge:
		inv := Operation{
			ID:            NewOperationID(),
			Kind:          KindSplit,
			ItemID:        op.PrevItemID,
			GroupID:       op.GroupID,
			CaretPosition: op.CaretPosition,
			NewItemID:     op.ItemID,
		}
		if op.SplitItem != nil {
			inv.SplitItem = op.SplitItem.Clone()
		}
		return inv, nil
	default:
		return Operation{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
}

func cloneItems(items []*doctree.Item) []*doctree.Item {
	if items == nil {
		return nil
	}
	out := make([]*doctree.Item, 0, len(items))
	for _, item := range items {
		out = append(out, item.Clone())
	}
	return out
}

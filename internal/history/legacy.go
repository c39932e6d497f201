package history

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stacknote/stacknote/internal/doctree"
)

// Legacy changes predate stable item IDs: they address the document through
// array indices and map keys. The adapter below is the only code that
// resolves them; everything else works exclusively with IDs, and new code
// never constructs a Change.

type ChangeKind string

const (
	ChangeSet    ChangeKind = "set"
	ChangeDelete ChangeKind = "delete"
	ChangeInsert ChangeKind = "insert"
	ChangeAdd    ChangeKind = "add"
)

// PathStep is one hop of a legacy navigation path, either a map key or an
// array index. The wire form is the raw JSON value (string or number).
type PathStep struct {
	Key     string
	Index   int
	IsIndex bool
}

func (p PathStep) MarshalJSON() ([]byte, error) {
	if p.IsIndex {
		return json.Marshal(p.Index)
	}
	return json.Marshal(p.Key)
}

func (p *PathStep) UnmarshalJSON(data []byte) error {
	var idx int
	if err := json.Unmarshal(data, &idx); err == nil {
		*p = PathStep{Index: idx, IsIndex: true}
		return nil
	}
	var key string
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("%w: path step %s", ErrInvalidOperation, string(data))
	}
	*p = PathStep{Key: key}
	return nil
}

func KeyStep(key string) PathStep { return PathStep{Key: key} }
func IndexStep(idx int) PathStep  { return PathStep{Index: idx, IsIndex: true} }

// Change is a legacy path-addressed edit. InsertIndex remembers where an
// insert landed so undo can try the cheap positional lookup first.
type Change struct {
	Kind        ChangeKind `json:"type"`
	Path        []PathStep `json:"path"`
	Value       any        `json:"value,omitempty"`
	OldValue    any        `json:"oldValue,omitempty"`
	InsertIndex *int       `json:"insertIndex,omitempty"`
}

// ApplyChange replays a legacy change against the tree.
func ApplyChange(tree *doctree.Tree, ch Change) error {
	group, rest, err := resolveLegacyGroup(tree, ch.Path)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("%w: path stops at the item list", ErrInvalidOperation)
	}
	head := rest[0]
	if !head.IsIndex {
		return fmt.Errorf("%w: expected item index, got key %q", ErrInvalidOperation, head.Key)
	}

	if len(rest) == 1 {
		// The change targets a whole item element.
		switch ch.Kind {
		case ChangeInsert, ChangeAdd:
			item, err := legacyItemFromValue(ch.Value)
			if err != nil {
				return err
			}
			if _, _, exists := tree.FindItem(item.ID); exists {
				return fmt.Errorf("%w: item %s already exists", ErrInvalidOperation, item.ID)
			}
			index := head.Index
			if ch.Kind == ChangeAdd {
				index = len(group.RootIDs)
			}
			group.Items[item.ID] = item
			doctree.InsertAt(&group.RootIDs, item.ID, index)
			return nil
		case ChangeDelete:
			item, err := legacyItemAt(group, head.Index)
			if err != nil {
				return err
			}
			doctree.RemoveFrom(&group.RootIDs, item.ID)
			for _, id := range group.SubtreeIDs(item.ID) {
				delete(group.Items, id)
			}
			return nil
		default:
			return fmt.Errorf("%w: %s on an item element", ErrInvalidOperation, ch.Kind)
		}
	}

	// The change targets a property of the item at head.Index.
	item, err := legacyItemAt(group, head.Index)
	if err != nil {
		return err
	}
	return setLegacyProperty(item, rest[1:], ch.Kind, ch.Value)
}

// RevertChange undoes a legacy change. Undoing an insert is the ambiguous
// case: indices drift as neighbours come and go, so the recorded position
// is only trusted when the item there still looks like the inserted one,
// and otherwise the whole list is scanned for the best match. When no
// candidate stands out, nothing is deleted.
func RevertChange(tree *doctree.Tree, ch Change) error {
	group, rest, err := resolveLegacyGroup(tree, ch.Path)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("%w: path stops at the item list", ErrInvalidOperation)
	}
	head := rest[0]
	if !head.IsIndex {
		return fmt.Errorf("%w: expected item index, got key %q", ErrInvalidOperation, head.Key)
	}

	if len(rest) == 1 {
		switch ch.Kind {
		case ChangeInsert, ChangeAdd:
			itemID, err := resolveInsertedItem(group, ch, head.Index)
			if err != nil {
				return err
			}
			doctree.RemoveFrom(&group.RootIDs, itemID)
			for _, id := range group.SubtreeIDs(itemID) {
				delete(group.Items, id)
			}
			return nil
		case ChangeDelete:
			item, err := legacyItemFromValue(ch.OldValue)
			if err != nil {
				return err
			}
			if _, _, exists := tree.FindItem(item.ID); exists {
				return fmt.Errorf("%w: item %s already exists", ErrInvalidOperation, item.ID)
			}
			group.Items[item.ID] = item
			doctree.InsertAt(&group.RootIDs, item.ID, head.Index)
			return nil
		default:
			return fmt.Errorf("%w: %s on an item element", ErrInvalidOperation, ch.Kind)
		}
	}

	item, err := legacyItemAt(group, head.Index)
	if err != nil {
		return err
	}
	switch ch.Kind {
	case ChangeSet, ChangeAdd, ChangeDelete:
		// Restoring the old value also covers delete; a nil old value
		// removes the key again.
		return setLegacyProperty(item, rest[1:], ChangeSet, ch.OldValue)
	default:
		return fmt.Errorf("%w: cannot revert %s on a property", ErrInvalidOperation, ch.Kind)
	}
}

// resolveInsertedItem finds the root-level item a recorded insert produced.
func resolveInsertedItem(group *doctree.Group, ch Change, recordedIndex int) (string, error) {
	want, err := legacyItemFromValue(ch.Value)
	if err != nil {
		return "", err
	}

	index := recordedIndex
	if ch.InsertIndex != nil {
		index = *ch.InsertIndex
	}
	if index >= 0 && index < len(group.RootIDs) {
		candidate := group.Items[group.RootIDs[index]]
		if candidate != nil && legacyDiscriminatorsMatch(candidate, want) {
			return candidate.ID, nil
		}
	}

	bestID := ""
	bestScore := 0
	tied := false
	for _, id := range group.RootIDs {
		candidate := group.Items[id]
		if candidate == nil {
			continue
		}
		score := legacyMatchScore(candidate, want)
		if score == 0 {
			continue
		}
		if score > bestScore {
			bestScore = score
			bestID = id
			tied = false
		} else if score == bestScore {
			tied = true
		}
	}
	if bestID == "" || tied {
		return "", fmt.Errorf("%w: cannot resolve inserted item near index %d", ErrAmbiguousTarget, index)
	}
	return bestID, nil
}

// legacyDiscriminatorsMatch is the cheap positional check: same type and
// same trimmed text.
func legacyDiscriminatorsMatch(candidate, want *doctree.Item) bool {
	if candidate.Type != want.Type {
		return false
	}
	return strings.TrimSpace(itemText(candidate)) == strings.TrimSpace(itemText(want))
}

// legacyMatchScore ranks candidates: an ID match outweighs everything,
// type+text is the baseline for candidacy, and every additional agreeing
// property breaks ties. Zero means not a candidate.
func legacyMatchScore(candidate, want *doctree.Item) int {
	score := 0
	if want.ID != "" && candidate.ID == want.ID {
		score += 100
	}
	if legacyDiscriminatorsMatch(candidate, want) {
		score += 10
		for key, value := range want.Properties {
			if key == "text" {
				continue
			}
			got, ok := candidate.Properties[key]
			if ok && fmt.Sprint(got) == fmt.Sprint(value) {
				score++
			}
		}
	}
	return score
}

func itemText(item *doctree.Item) string {
	text, _ := item.Properties["text"].(string)
	return text
}

// resolveLegacyGroup walks the documents/groups prefix of a path and
// returns the remaining steps. A path that starts at "groups" addresses
// the first document, matching single-document legacy files.
func resolveLegacyGroup(tree *doctree.Tree, path []PathStep) (*doctree.Group, []PathStep, error) {
	steps := path
	doc := (*doctree.Document)(nil)
	if len(steps) >= 2 && !steps[0].IsIndex && steps[0].Key == "documents" && steps[1].IsIndex {
		if steps[1].Index < 0 || steps[1].Index >= len(tree.Documents) {
			return nil, nil, fmt.Errorf("%w: document index %d", ErrTargetMissing, steps[1].Index)
		}
		doc = tree.Documents[steps[1].Index]
		steps = steps[2:]
	} else if len(tree.Documents) > 0 {
		doc = tree.Documents[0]
	}
	if doc == nil {
		return nil, nil, fmt.Errorf("%w: no documents", ErrTargetMissing)
	}
	if len(steps) < 2 || steps[0].IsIndex || steps[0].Key != "groups" || !steps[1].IsIndex {
		return nil, nil, fmt.Errorf("%w: path must address a group", ErrInvalidOperation)
	}
	if steps[1].Index < 0 || steps[1].Index >= len(doc.Groups) {
		return nil, nil, fmt.Errorf("%w: group index %d", ErrTargetMissing, steps[1].Index)
	}
	group := doc.Groups[steps[1].Index]
	steps = steps[2:]
	if len(steps) == 0 || steps[0].IsIndex || steps[0].Key != "items" {
		return nil, nil, fmt.Errorf("%w: path must address the item list", ErrInvalidOperation)
	}
	return group, steps[1:], nil
}

func legacyItemAt(group *doctree.Group, index int) (*doctree.Item, error) {
	if index < 0 || index >= len(group.RootIDs) {
		return nil, fmt.Errorf("%w: item index %d", ErrTargetMissing, index)
	}
	item, ok := group.Items[group.RootIDs[index]]
	if !ok {
		return nil, fmt.Errorf("%w: root id %s has no item", doctree.ErrCorrupt, group.RootIDs[index])
	}
	return item, nil
}

// legacyItemFromValue builds an Item out of the raw map a legacy change
// carries. Pre-ID data has no id field; one is generated so the rest of
// the engine can address the item normally.
func legacyItemFromValue(value any) (*doctree.Item, error) {
	raw, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: legacy item payload is not an object", ErrInvalidOperation)
	}
	item := &doctree.Item{Properties: map[string]any{}}
	for key, v := range raw {
		switch key {
		case "id":
			if s, ok := v.(string); ok {
				item.ID = s
			}
		case "type":
			if s, ok := v.(string); ok {
				item.Type = s
			}
		default:
			item.Properties[key] = doctree.CloneValue(v)
		}
	}
	if item.ID == "" {
		item.ID = NewItemID()
	}
	return item, nil
}

// setLegacyProperty walks the remaining path into an item's properties and
// applies a set or delete at the final step.
func setLegacyProperty(item *doctree.Item, steps []PathStep, kind ChangeKind, value any) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: missing property key", ErrInvalidOperation)
	}
	if item.Properties == nil {
		item.Properties = map[string]any{}
	}
	if len(steps) == 1 {
		step := steps[0]
		if step.IsIndex {
			return fmt.Errorf("%w: property key cannot be an index", ErrInvalidOperation)
		}
		switch kind {
		case ChangeSet, ChangeAdd, ChangeInsert:
			if value == nil {
				delete(item.Properties, step.Key)
				return nil
			}
			item.Properties[step.Key] = doctree.CloneValue(value)
			return nil
		case ChangeDelete:
			delete(item.Properties, step.Key)
			return nil
		default:
			return fmt.Errorf("%w: %s on a property", ErrInvalidOperation, kind)
		}
	}

	// Deeper paths navigate nested property values.
	head := steps[0]
	if head.IsIndex {
		return fmt.Errorf("%w: property key cannot be an index", ErrInvalidOperation)
	}
	nested, ok := item.Properties[head.Key]
	if !ok {
		return fmt.Errorf("%w: property %q", ErrTargetMissing, head.Key)
	}
	updated, err := setNestedValue(nested, steps[1:], kind, value)
	if err != nil {
		return err
	}
	item.Properties[head.Key] = updated
	return nil
}

func setNestedValue(target any, steps []PathStep, kind ChangeKind, value any) (any, error) {
	if len(steps) == 0 {
		return doctree.CloneValue(value), nil
	}
	step := steps[0]
	switch tv := target.(type) {
	case map[string]any:
		if step.IsIndex {
			return nil, fmt.Errorf("%w: index into object", ErrInvalidOperation)
		}
		if len(steps) == 1 && kind == ChangeDelete {
			delete(tv, step.Key)
			return tv, nil
		}
		nested, ok := tv[step.Key]
		if !ok && len(steps) > 1 {
			return nil, fmt.Errorf("%w: key %q", ErrTargetMissing, step.Key)
		}
		updated, err := setNestedValue(nested, steps[1:], kind, value)
		if err != nil {
			return nil, err
		}
		tv[step.Key] = updated
		return tv, nil
	case []any:
		if !step.IsIndex {
			return nil, fmt.Errorf("%w: key into array", ErrInvalidOperation)
		}
		if len(steps) == 1 {
			switch kind {
			case ChangeInsert:
				idx := step.Index
				if idx < 0 {
					idx = 0
				}
				if idx > len(tv) {
					idx = len(tv)
				}
				tv = append(tv, nil)
				copy(tv[idx+1:], tv[idx:])
				tv[idx] = doctree.CloneValue(value)
				return tv, nil
			case ChangeAdd:
				return append(tv, doctree.CloneValue(value)), nil
			case ChangeDelete:
				if step.Index < 0 || step.Index >= len(tv) {
					return nil, fmt.Errorf("%w: array index %d", ErrTargetMissing, step.Index)
				}
				return append(tv[:step.Index], tv[step.Index+1:]...), nil
			}
		}
		if step.Index < 0 || step.Index >= len(tv) {
			return nil, fmt.Errorf("%w: array index %d", ErrTargetMissing, step.Index)
		}
		updated, err := setNestedValue(tv[step.Index], steps[1:], kind, value)
		if err != nil {
			return nil, err
		}
		tv[step.Index] = updated
		return tv, nil
	default:
		return nil, fmt.Errorf("%w: cannot navigate into %T", ErrInvalidOperation, target)
	}
}

package doctree

import (
	"encoding/json"
	"testing"
)

func strptr(s string) *string {
	return &s
}

func buildGroup() *Group {
	g := NewGroup("grp_1", "inbox")
	g.Items["a"] = &Item{ID: "a", Type: "task", ChildIDs: []string{"b"}, Properties: map[string]any{"text": "root"}}
	g.Items["b"] = &Item{ID: "b", Type: "task", ParentID: strptr("a"), Properties: map[string]any{"text": "child", "tags": []any{"x"}}}
	g.RootIDs = []string{"a"}
	return g
}

func buildTree() *Tree {
	return &Tree{Documents: []*Document{{ID: "doc_1", Name: "default", Groups: []*Group{buildGroup()}}}}
}

func TestValidateAcceptsWellFormedTree(t *testing.T) {
	if err := buildTree().Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
}

func TestValidateRejectsOrphanAndDuplicates(t *testing.T) {
	tree := buildTree()
	g := tree.Documents[0].Groups[0]
	g.Items["a"].ChildIDs = append(g.Items["a"].ChildIDs, "ghost")
	if err := tree.Validate(); err == nil {
		t.Fatalf("expected missing child to fail validation")
	}

	tree = buildTree()
	g = tree.Documents[0].Groups[0]
	g.Items["a"].ChildIDs = []string{"b", "b"}
	if err := tree.Validate(); err == nil {
		t.Fatalf("expected duplicate child to fail validation")
	}

	tree = buildTree()
	g = tree.Documents[0].Groups[0]
	g.Items["b"].ParentID = nil
	if err := tree.Validate(); err == nil {
		t.Fatalf("expected parent/child disagreement to fail validation")
	}
}

func TestValidateRejectsParentCycle(t *testing.T) {
	tree := buildTree()
	g := tree.Documents[0].Groups[0]
	g.Items["a"].ParentID = strptr("b")
	g.Items["b"].ChildIDs = []string{"a"}
	g.RootIDs = []string{}
	if err := tree.Validate(); err == nil {
		t.Fatalf("expected cycle to fail validation")
	}
}

func TestCloneIsIndependentAndEqual(t *testing.T) {
	tree := buildTree()
	clone := tree.Clone()
	if !tree.Equal(clone) {
		t.Fatalf("clone is not structurally equal")
	}
	clone.Documents[0].Groups[0].Items["b"].Properties["text"] = "mutated"
	clone.Documents[0].Groups[0].RootIDs = append(clone.Documents[0].Groups[0].RootIDs, "x")
	if tree.Documents[0].Groups[0].Items["b"].Properties["text"] != "child" {
		t.Fatalf("clone mutation leaked into original properties")
	}
	if len(tree.Documents[0].Groups[0].RootIDs) != 1 {
		t.Fatalf("clone mutation leaked into original root list")
	}
}

func TestInsertAtClampsIndex(t *testing.T) {
	siblings := []string{"a", "b"}
	if idx := InsertAt(&siblings, "c", 99); idx != 2 {
		t.Fatalf("expected clamp to tail, got %d", idx)
	}
	if idx := InsertAt(&siblings, "d", -5); idx != 0 {
		t.Fatalf("expected clamp to head, got %d", idx)
	}
	want := []string{"d", "a", "b", "c"}
	for i, id := range want {
		if siblings[i] != id {
			t.Fatalf("unexpected order %v", siblings)
		}
	}
}

func TestRemoveFromReportsIndex(t *testing.T) {
	siblings := []string{"a", "b", "c"}
	idx, ok := RemoveFrom(&siblings, "b")
	if !ok || idx != 1 {
		t.Fatalf("expected to remove b at 1, got %d %v", idx, ok)
	}
	if _, ok := RemoveFrom(&siblings, "zz"); ok {
		t.Fatalf("expected missing id to report false")
	}
}

func TestIsDescendant(t *testing.T) {
	g := buildGroup()
	if !g.IsDescendant("a", "b") {
		t.Fatalf("b should be a descendant of a")
	}
	if !g.IsDescendant("a", "a") {
		t.Fatalf("an item is its own descendant for move purposes")
	}
	if g.IsDescendant("b", "a") {
		t.Fatalf("a is not a descendant of b")
	}
}

func TestSubtreeIDsDepthFirst(t *testing.T) {
	g := buildGroup()
	g.Items["c"] = &Item{ID: "c", Type: "task", ParentID: strptr("b")}
	g.Items["b"].ChildIDs = []string{"c"}
	ids := g.SubtreeIDs("a")
	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("unexpected subtree %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("unexpected subtree order %v", ids)
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	tree := buildTree()
	data, err := json.Marshal(tree)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded Tree
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if err := decoded.Validate(); err != nil {
		t.Fatalf("decoded tree failed validation: %v", err)
	}
	if decoded.Documents[0].Groups[0].Items["b"].Properties["text"] != "child" {
		t.Fatalf("round trip lost item properties")
	}
}

func TestValidateNormalizesNullContainers(t *testing.T) {
	var tree Tree
	raw := `{"documents":[{"id":"d1","groups":[{"id":"g1","items":null,"rootIds":[]},{"id":"g2"}]}]}`
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		t.Fatal(err)
	}
	if err := tree.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	for _, g := range tree.Documents[0].Groups {
		if g.Items == nil {
			t.Errorf("group %s: Items still nil after validate", g.ID)
		}
		if g.RootIDs == nil {
			t.Errorf("group %s: RootIDs still nil after validate", g.ID)
		}
	}
	// Assignments into the decoded groups must not panic.
	tree.Documents[0].Groups[0].Items["a"] = &Item{ID: "a", Type: "task"}
	tree.Documents[0].Groups[0].RootIDs = append(tree.Documents[0].Groups[0].RootIDs, "a")
	if err := tree.Validate(); err != nil {
		t.Fatalf("validate after insert failed: %v", err)
	}
}

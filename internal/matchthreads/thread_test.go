package matchthreads

import "testing"

func TestBuildAttachesChildByReference(t *testing.T) {
	items := []ThreadItem{
		{UID: "1", MessageIDHash: "a"},
		{UID: "2", MessageIDHash: "b", References: []string{"a"}},
	}
	tree := Build(items, BuildFlags{})

	root := tree.NodeForUID("1")
	child := tree.NodeForUID("2")
	if root == nil || child == nil {
		t.Fatal("expected both uids to resolve to nodes")
	}
	if child.Parent() != root {
		t.Error("expected uid 2 to be attached as a child of uid 1")
	}
	if len(tree.Roots()) != 1 {
		t.Errorf("expected exactly one root, got %d", len(tree.Roots()))
	}
}

func TestBuildCreatesStubForUnseenReference(t *testing.T) {
	items := []ThreadItem{
		{UID: "2", MessageIDHash: "b", References: []string{"missing"}},
	}
	tree := Build(items, BuildFlags{})

	if len(tree.Roots()) != 1 {
		t.Fatalf("expected one stub root, got %d", len(tree.Roots()))
	}
	stub := tree.Roots()[0]
	if stub.Item != nil {
		t.Error("expected the unseen reference to produce a stub node with no Item")
	}
	if stub.SyntheticID == "" {
		t.Error("expected a stub node to carry a SyntheticID")
	}
	children := children(stub)
	if len(children) != 1 || children[0] != tree.NodeForUID("2") {
		t.Error("expected uid 2 attached under the stub")
	}
}

func TestBuildWithNoReferencesIsItsOwnRoot(t *testing.T) {
	items := []ThreadItem{{UID: "1", MessageIDHash: "a"}}
	tree := Build(items, BuildFlags{})
	if len(tree.Roots()) != 1 || tree.Roots()[0] != tree.NodeForUID("1") {
		t.Error("a message with no references should be its own root")
	}
}

func TestBuildChainOfReferencesPicksLastAsParent(t *testing.T) {
	items := []ThreadItem{
		{UID: "1", MessageIDHash: "a"},
		{UID: "2", MessageIDHash: "b"},
		{UID: "3", MessageIDHash: "c", References: []string{"a", "b"}},
	}
	tree := Build(items, BuildFlags{})
	n3 := tree.NodeForUID("3")
	if n3.Parent() != tree.NodeForUID("2") {
		t.Error("expected the last reference in the list to become the parent")
	}
}

func TestNormalizeSubjectStripsReplyPrefixesAndListTag(t *testing.T) {
	cases := map[string]string{
		"Re: hello":          "hello",
		"RE: Re: Fwd: hello": "hello",
		"[list] hello":       "hello",
		"  hello  ":          "hello",
		"Hello":              "hello",
	}
	for in, want := range cases {
		if got := normalizeSubject(in); got != want {
			t.Errorf("normalizeSubject(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildGroupsRootsBySubjectWhenEnabled(t *testing.T) {
	items := []ThreadItem{
		{UID: "1", MessageIDHash: "a", Subject: "Re: lunch"},
		{UID: "2", MessageIDHash: "b", Subject: "lunch"},
		{UID: "3", MessageIDHash: "c", Subject: "unrelated"},
	}
	tree := Build(items, BuildFlags{SubjectGrouping: true})

	// The two "lunch" roots should now be grouped under one synthetic
	// parent, leaving "unrelated" as its own root.
	if len(tree.Roots()) != 2 {
		t.Fatalf("expected 2 roots after grouping (1 synthetic + 1 unrelated), got %d", len(tree.Roots()))
	}

	n1 := tree.NodeForUID("1")
	n2 := tree.NodeForUID("2")
	if n1.Parent() == nil || n1.Parent() != n2.Parent() {
		t.Error("expected the two same-subject roots to share a synthetic parent")
	}
	if n1.Parent().SyntheticID == "" {
		t.Error("expected the synthetic grouping parent to carry a SyntheticID")
	}
}

func TestBuildDoesNotGroupSingletonSubjects(t *testing.T) {
	items := []ThreadItem{
		{UID: "1", MessageIDHash: "a", Subject: "one of a kind"},
	}
	tree := Build(items, BuildFlags{SubjectGrouping: true})
	if len(tree.Roots()) != 1 || tree.Roots()[0] != tree.NodeForUID("1") {
		t.Error("a subject with only one root should not be wrapped in a synthetic parent")
	}
}

func TestNodeForUIDUnknownReturnsNil(t *testing.T) {
	tree := Build(nil, BuildFlags{})
	if tree.NodeForUID("nope") != nil {
		t.Error("expected nil for a uid the tree never saw")
	}
}

package e2factory

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStringListDeduplicates(t *testing.T) {
	l := NewStringList("b", "a", "b")
	if !l.Contains("a") || l.Len() != 2 {
		t.Fatalf("unexpected list state: %v", l.Slice())
	}
	if l.Append("a") {
		t.Fatal("duplicate append reported as new")
	}
	if !l.Append("c") {
		t.Fatal("fresh append reported as duplicate")
	}
	if diff := cmp.Diff([]string{"b", "a", "c"}, l.Slice()); diff != "" {
		t.Fatalf("insertion order not preserved (-want +got):\n%s", diff)
	}
	l.Sort()
	if diff := cmp.Diff([]string{"a", "b", "c"}, l.Slice()); diff != "" {
		t.Fatalf("sort failed (-want +got):\n%s", diff)
	}
}

package e2factory

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func graphWorkspace(t *testing.T, deps map[string][]string) *Workspace {
	t.Helper()
	ws := &Workspace{Results: NewResultRegistry()}
	for name, d := range deps {
		if err := ws.Results.Add(newResult(name, &ResultConfig{Depends: d})); err != nil {
			t.Fatal(err)
		}
	}
	ws.Results.Freeze()
	return ws
}

func TestDependencyOrder(t *testing.T) {
	ws := graphWorkspace(t, map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b", "a"},
	})
	order, err := ws.DependencyOrder([]string{"c"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, order); diff != "" {
		t.Fatalf("wrong build order (-want +got):\n%s", diff)
	}
}

func TestDependencyOrderExpandsClosure(t *testing.T) {
	ws := graphWorkspace(t, map[string][]string{
		"a": nil,
		"b": {"a"},
	})
	order, err := ws.DependencyOrder([]string{"b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "a" {
		t.Fatalf("dependency closure missing: %v", order)
	}
}

func TestCycleDetection(t *testing.T) {
	ws := graphWorkspace(t, map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})
	_, err := ws.DependencyOrder([]string{"a"})
	if err == nil {
		t.Fatal("cycle not detected")
	}
	if KindOf(err) != KindCycle {
		t.Fatalf("wrong error kind: %v", KindOf(err))
	}
	if want := "cyclic dependency: a -> b -> a"; !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not report the cycle path %q", err, want)
	}
}

func TestCycleDetectedFromAnyEntry(t *testing.T) {
	ws := graphWorkspace(t, map[string][]string{
		"top": {"a"},
		"a":   {"b"},
		"b":   {"a"},
	})
	if err := ws.VerifyAcyclic(); err == nil {
		t.Fatal("whole-graph check missed the cycle")
	}
}

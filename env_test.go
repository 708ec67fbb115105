package e2factory

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEnvMerge(t *testing.T) {
	cases := []struct {
		title    string
		override bool
		expect   map[string]string
	}{
		{
			title:    "override false preserves existing keys",
			override: false,
			expect:   map[string]string{"A": "1", "B": "2", "C": "9"},
		},
		{
			title:    "override true overwrites existing keys",
			override: true,
			expect:   map[string]string{"A": "1", "B": "7", "C": "9"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.title, func(t *testing.T) {
			base := NewEnv()
			base.Set("A", "1")
			base.Set("B", "2")
			other := NewEnv()
			other.Set("B", "7")
			other.Set("C", "9")

			base.Merge(other, tc.override)

			got := map[string]string{}
			for _, k := range base.Keys() {
				v, _ := base.Get(k)
				got[k] = v
			}
			if diff := cmp.Diff(tc.expect, got); diff != "" {
				t.Fatalf("unexpected merge result (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEnvIDIgnoresInsertionOrder(t *testing.T) {
	a := NewEnv()
	a.Set("X", "1")
	a.Set("Y", "2")

	b := NewEnv()
	b.Set("Y", "2")
	b.Set("X", "1")

	if a.ID() != b.ID() {
		t.Fatalf("env ids differ for identical content: %s vs %s", a.ID(), b.ID())
	}

	b.Set("X", "changed")
	if a.ID() == b.ID() {
		t.Fatal("env id did not change with the content")
	}
}

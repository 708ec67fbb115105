package e2factory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	commitA = "1111111111111111111111111111111111111111"
	commitB = "2222222222222222222222222222222222222222"
)

// fakeGit answers rev-parse with a fixed commit and records the calls.
func fakeGit(commit string, calls *[]string) gitCmd {
	return func(ctx context.Context, dir string, args ...string) (string, error) {
		if calls != nil {
			*calls = append(*calls, strings.Join(args, " "))
		}
		switch args[0] {
		case "rev-parse":
			return commit, nil
		case "config":
			if strings.HasSuffix(args[1], ".remote") {
				return "origin", nil
			}
			return "file://" + dir, nil
		}
		return "", nil
	}
}

func gitFixture(t *testing.T, raw *RawSource, commit string) (*GitSource, *Workspace) {
	t.Helper()
	ws := idWorkspace(t)
	src, err := newGitSource(raw, ws)
	if err != nil {
		t.Fatal(err)
	}
	g := src.(*GitSource)
	g.run = fakeGit(commit, nil)
	// a working copy on disk keeps revision resolution local
	if err := os.MkdirAll(filepath.Join(ws.Root, g.working, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	return g, ws
}

func TestGitSourceDefaults(t *testing.T) {
	ws := idWorkspace(t)
	src, err := newGitSource(&RawSource{Name: "app", Server: "main", Location: "app.git"}, ws)
	if err != nil {
		t.Fatal(err)
	}
	g := src.(*GitSource)
	if g.branch != "master" {
		t.Fatalf("default branch = %q", g.branch)
	}
	if g.working != filepath.Join("in", "app") {
		t.Fatalf("default working dir = %q", g.working)
	}
}

func TestGitSourceRejectsFiles(t *testing.T) {
	ws := idWorkspace(t)
	_, err := newGitSource(&RawSource{
		Name: "app", Server: "main", Location: "app.git",
		Files: []*File{{Location: "x"}},
	}, ws)
	if err == nil {
		t.Fatal("git source with files accepted")
	}
}

func TestGitSourceIDExcludesRefNames(t *testing.T) {
	ctx := context.Background()

	a, wsA := gitFixture(t, &RawSource{
		Name: "app", Server: "main", Location: "app.git", Branch: "main",
	}, commitA)
	idA, err := a.SourceID(ctx, wsA, SetBranch)
	if err != nil {
		t.Fatal(err)
	}

	// same commit under a different branch name: the id must not move
	b, wsB := gitFixture(t, &RawSource{
		Name: "app", Server: "main", Location: "app.git", Branch: "release-2",
	}, commitA)
	idB, err := b.SourceID(ctx, wsB, SetBranch)
	if err != nil {
		t.Fatal(err)
	}
	if idA != idB {
		t.Fatal("branch name leaked into the source id")
	}

	// a different commit must move the id
	c, wsC := gitFixture(t, &RawSource{
		Name: "app", Server: "main", Location: "app.git", Branch: "main",
	}, commitB)
	idC, err := c.SourceID(ctx, wsC, SetBranch)
	if err != nil {
		t.Fatal(err)
	}
	if idA == idC {
		t.Fatal("commit id does not participate in the source id")
	}
}

func TestGitSourceIDDependsOnLocation(t *testing.T) {
	ctx := context.Background()
	a, wsA := gitFixture(t, &RawSource{Name: "app", Server: "main", Location: "app.git"}, commitA)
	b, wsB := gitFixture(t, &RawSource{Name: "app", Server: "main", Location: "fork.git"}, commitA)

	idA, err := a.SourceID(ctx, wsA, SetBranch)
	if err != nil {
		t.Fatal(err)
	}
	idB, err := b.SourceID(ctx, wsB, SetBranch)
	if err != nil {
		t.Fatal(err)
	}
	if idA == idB {
		t.Fatal("location does not participate in the source id")
	}
}

func TestLazyTagResolution(t *testing.T) {
	if got := resolveLazyTag(SetLazyTag, true); got != SetTag {
		t.Fatalf("lazytag with tag = %v", got)
	}
	if got := resolveLazyTag(SetLazyTag, false); got != SetBranch {
		t.Fatalf("lazytag without tag = %v", got)
	}
	if got := resolveLazyTag(SetWorkingCopy, true); got != SetWorkingCopy {
		t.Fatalf("non-lazy set rewritten: %v", got)
	}
}

func TestGitRevisionRequiresTagForTagSet(t *testing.T) {
	ctx := context.Background()
	g, ws := gitFixture(t, &RawSource{Name: "app", Server: "main", Location: "app.git"}, commitA)
	if _, err := g.SourceID(ctx, ws, SetTag); err == nil {
		t.Fatal("tag set without a configured tag accepted")
	}
}

func TestSourceTypeDetection(t *testing.T) {
	cases := []struct {
		title string
		raw   *RawSource
		want  string
	}{
		{"files from file list", &RawSource{Name: "a", Files: []*File{{Location: "x"}}}, "files"},
		{"git from location", &RawSource{Name: "a", Location: "x.git"}, "git"},
		{"undetectable", &RawSource{Name: "a"}, ""},
	}
	for _, tc := range cases {
		if got := detectBuiltinType(tc.raw); got != tc.want {
			t.Errorf("%s: detected %q, want %q", tc.title, got, tc.want)
		}
	}
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"app", "group.app", "a-b_c", "A1.b2"} {
		if err := ValidateName(ok); err != nil {
			t.Errorf("%q rejected: %v", ok, err)
		}
	}
	for _, bad := range []string{"", ".", "a..b", "a/b", "a b", "-a", "a.-b"} {
		if err := ValidateName(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

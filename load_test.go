package e2factory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/emlix/e2factory/cache"
)

// fixture is a complete on-disk project with one files source, two
// results (app depends on lib) and a local file server.
type fixture struct {
	t    *testing.T
	root string
}

func (f *fixture) write(rel, content string) {
	f.t.Helper()
	path := filepath.Join(f.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		f.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) sha1(rel string) string {
	f.t.Helper()
	sums, err := cache.Compute(filepath.Join(f.root, filepath.FromSlash(rel)), []cache.Alg{cache.SHA1})
	if err != nil {
		f.t.Fatal(err)
	}
	return sums[cache.SHA1]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, root: t.TempDir()}

	if err := os.MkdirAll(filepath.Join(f.root, DotDir), 0o755); err != nil {
		t.Fatal(err)
	}
	f.write("srv-main/base.tar.gz", "not a real archive but stable bytes\n")
	f.write("srv-main/licences/gpl.txt", "GPL v2 text\n")

	f.write(ProjConfig, fmt.Sprintf(`project:
  name: demo
  release_id: "1.0"
  chroot_arch: x86_64
  default_results: [app]
  deploy_results: [app]
  checksums: [sha1]
  servers:
    main:
      url: file://%s/srv-main
      cache: true
    results:
      url: file://%s/srv-results
      cache: true
      writeback: true
    releases:
      url: file://%s/srv-releases
      writeback: true
`, f.root, f.root, f.root))

	f.write(ProjEnvFile, `env:
  CFLAGS: "-O2"
  app:
    APP_ONLY: "yes"
`)
	f.write(ProjChroot, fmt.Sprintf(`chroot:
  default_groups: [base]
  groups:
    - name: base
      server: main
      files:
        - location: base.tar.gz
          sha1: %s
`, f.sha1("srv-main/base.tar.gz")))
	f.write(ProjLicences, fmt.Sprintf(`licences:
  gpl-2:
    server: main
    files:
      - location: licences/gpl.txt
        sha1: %s
`, f.sha1("srv-main/licences/gpl.txt")))
	f.write("proj/init/10-paths.sh", "export PATH=/usr/bin:/bin\n")

	f.write("src/app/config", fmt.Sprintf(`source:
  name: app
  type: files
  server: main
  licences: [gpl-2]
  files:
    - location: base.tar.gz
      sha1: %s
`, f.sha1("srv-main/base.tar.gz")))

	f.write("res/lib/config", "result:\n  sources: []\n")
	f.write("res/lib/build-script", "make lib\n")
	f.write("res/app/config", `result:
  sources: [app]
  depends: [lib]
  env:
    DEBUG: "0"
`)
	f.write("res/app/build-script", "make app\n")
	return f
}

func (f *fixture) load(t *testing.T) *Workspace {
	t.Helper()
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.ErrorLevel)
	ws, err := LoadWorkspace(context.Background(), f.root, LoadOptions{Log: log})
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

// buildIDs loads a fresh workspace in tag mode and computes all ids.
func (f *fixture) buildIDs(t *testing.T) map[string]string {
	t.Helper()
	ws := f.load(t)
	mode := ModeTag()
	for _, name := range ws.Results.Names() {
		r, _ := ws.Results.Get(name)
		r.Mode = mode
	}
	ids := map[string]string{}
	for _, name := range ws.Results.Names() {
		bid, err := ws.BuildID(context.Background(), name)
		if err != nil {
			t.Fatal(err)
		}
		ids[name] = bid
	}
	return ids
}

func TestLoadWorkspace(t *testing.T) {
	f := newFixture(t)
	ws := f.load(t)

	if diff := cmp.Diff([]string{"app", "lib"}, ws.Results.Names()); diff != "" {
		t.Fatalf("results (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"app"}, ws.Sources.Names()); diff != "" {
		t.Fatalf("sources (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"base"}, ws.Chroots.Names()); diff != "" {
		t.Fatalf("chroot groups (-want +got):\n%s", diff)
	}
	if !ws.Cache.Registry().Has(cache.ProjectServer) {
		t.Fatal("project root server missing")
	}

	r, _ := ws.Results.Get("app")
	env, err := r.MergedEnv(ws)
	if err != nil {
		t.Fatal(err)
	}
	for key, want := range map[string]string{
		"CFLAGS":   "-O2", // global scope
		"APP_ONLY": "yes", // per-result scope
		"DEBUG":    "0",   // result config
	} {
		if got, _ := env.Get(key); got != want {
			t.Errorf("merged env %s = %q, want %q", key, got, want)
		}
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	f := newFixture(t)
	f.write("res/app/config", "result:\n  sources: [app]\n  bogus: true\n")
	_, err := LoadWorkspace(context.Background(), f.root, LoadOptions{})
	if err == nil {
		t.Fatal("unknown key accepted")
	}
	if KindOf(err) != KindConfig {
		t.Fatalf("wrong kind: %v", KindOf(err))
	}
}

func TestLoadRejectsUnknownReferences(t *testing.T) {
	cases := []struct {
		title string
		file  string
		body  string
	}{
		{"unknown source", "res/app/config", "result:\n  sources: [nosuch]\n"},
		{"unknown depend", "res/app/config", "result:\n  depends: [nosuch]\n"},
		{"unknown chroot group", "res/app/config", "result:\n  chroot: [nosuch]\n"},
		{"unknown default group", ProjChroot, "chroot:\n  default_groups: [nosuch]\n  groups:\n    - name: base\n      server: main\n      files:\n        - location: base.tar.gz\n"},
	}
	for _, tc := range cases {
		t.Run(tc.title, func(t *testing.T) {
			f := newFixture(t)
			f.write(tc.file, tc.body)
			if _, err := LoadWorkspace(context.Background(), f.root, LoadOptions{}); err == nil {
				t.Fatal("invalid reference accepted")
			}
		})
	}
}

func TestLoadRejectsMissingBuildScript(t *testing.T) {
	f := newFixture(t)
	if err := os.Remove(filepath.Join(f.root, "res/app/build-script")); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWorkspace(context.Background(), f.root, LoadOptions{}); err == nil {
		t.Fatal("missing build script accepted")
	}
}

func TestLoadDetectsCycle(t *testing.T) {
	f := newFixture(t)
	f.write("res/lib/config", "result:\n  depends: [app]\n")
	_, err := LoadWorkspace(context.Background(), f.root, LoadOptions{})
	if err == nil {
		t.Fatal("cycle accepted at load time")
	}
	if KindOf(err) != KindCycle {
		t.Fatalf("wrong kind: %v", KindOf(err))
	}
}

func TestBuildIDStableAcrossLoads(t *testing.T) {
	f := newFixture(t)
	first := f.buildIDs(t)
	second := f.buildIDs(t)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("build ids unstable across invocations (-first +second):\n%s", diff)
	}
}

func TestBuildIDChangesTransitively(t *testing.T) {
	f := newFixture(t)
	before := f.buildIDs(t)

	// touching lib's build script must rebuild lib and, transitively, app
	f.write("res/lib/build-script", "make lib CFLAGS=-O3\n")
	after := f.buildIDs(t)

	if before["lib"] == after["lib"] {
		t.Fatal("lib build id unchanged after build script edit")
	}
	if before["app"] == after["app"] {
		t.Fatal("app build id unchanged although a dependency changed")
	}
}

func TestBuildIDSensitivity(t *testing.T) {
	f := newFixture(t)
	before := f.buildIDs(t)

	cases := []struct {
		title  string
		mutate func(f *fixture)
	}{
		{
			title: "result env",
			mutate: func(f *fixture) {
				f.write("res/app/config", "result:\n  sources: [app]\n  depends: [lib]\n  env:\n    DEBUG: \"1\"\n")
			},
		},
		{
			title: "chroot group file",
			mutate: func(f *fixture) {
				f.write("srv-main/base.tar.gz", "different bytes\n")
				f.write(ProjChroot, fmt.Sprintf("chroot:\n  default_groups: [base]\n  groups:\n    - name: base\n      server: main\n      files:\n        - location: base.tar.gz\n          sha1: %s\n", f.sha1("srv-main/base.tar.gz")))
			},
		},
		{
			title: "proj init file contents",
			mutate: func(f *fixture) {
				f.write("proj/init/10-paths.sh", "export PATH=/usr/local/bin:/usr/bin:/bin\n")
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.title, func(t *testing.T) {
			g := newFixture(t)
			tc.mutate(g)
			after := g.buildIDs(t)
			if after["app"] == before["app"] {
				t.Fatal("app build id unchanged after input change")
			}
		})
	}
}

func TestBuildIDUnchangedByBackupInitFiles(t *testing.T) {
	f := newFixture(t)
	before := f.buildIDs(t)
	f.write("proj/init/10-paths.sh~", "editor backup\n")
	after := f.buildIDs(t)
	if before["app"] != after["app"] {
		t.Fatal("backup file under proj/init changed the build id")
	}
}

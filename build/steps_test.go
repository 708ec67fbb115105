package build

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	e2 "github.com/emlix/e2factory"
	"github.com/emlix/e2factory/cache"
)

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"plain":       "'plain'",
		"with space":  "'with space'",
		"don't":       `'don'\''t'`,
		"$HOME `x` ;": "'$HOME `x` ;'",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestWriteEnvFile(t *testing.T) {
	env := e2.NewEnv()
	env.Set("B", "two words")
	env.Set("A", "it's")
	path := filepath.Join(t.TempDir(), "env")
	if err := writeEnvFile(path, env); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "export A='it'\\''s'\nexport B='two words'\n"
	if string(data) != want {
		t.Fatalf("env file:\n%s\nwant:\n%s", data, want)
	}
}

func TestWriteDriverScripts(t *testing.T) {
	ws := &e2.Workspace{Log: logrus.New()}
	p := New(ws, NewHelper())
	cfg := &Config{Tc: "/tmp/e2", T: t.TempDir()}
	if err := os.MkdirAll(filepath.Join(cfg.T, "script"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := p.writeDriverScripts(cfg, []string{"10-paths.sh", "20-tools.sh"}); err != nil {
		t.Fatal(err)
	}

	buildrc, err := os.ReadFile(filepath.Join(cfg.T, "script", "buildrc"))
	if err != nil {
		t.Fatal(err)
	}
	want := "source /tmp/e2/env/builtin\n" +
		"source /tmp/e2/env/env\n" +
		"source /tmp/e2/init/10-paths.sh\n" +
		"source /tmp/e2/init/20-tools.sh\n" +
		"cd /tmp/e2/build\n" +
		"set\n" +
		"source /tmp/e2/script/build-script\n"
	if string(buildrc) != want {
		t.Fatalf("buildrc:\n%s\nwant:\n%s", buildrc, want)
	}

	noinit, err := os.ReadFile(filepath.Join(cfg.T, "script", "buildrc-noinit"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(noinit), "init/") {
		t.Fatalf("buildrc-noinit sources init files:\n%s", noinit)
	}

	driver, err := os.ReadFile(filepath.Join(cfg.T, "script", "build-driver"))
	if err != nil {
		t.Fatal(err)
	}
	if string(driver) != "source /tmp/e2/script/buildrc\n" {
		t.Fatalf("build-driver:\n%s", driver)
	}
}

func TestRotateLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "build.app.log")

	// rotating a missing log is a no-op
	if err := rotateLog(path); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("first"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := rotateLog(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("log not moved away")
	}
	data, err := os.ReadFile(path + ".1")
	if err != nil || string(data) != "first" {
		t.Fatalf("rotated log content %q, err %v", data, err)
	}
}

func TestLinkLastAtomicRepoint(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, e2.DotDir), 0o755); err != nil {
		t.Fatal(err)
	}
	ws := &e2.Workspace{Root: root, Log: logrus.New()}

	target1 := filepath.Join(root, "store", "1")
	target2 := filepath.Join(root, "store", "2")
	for _, d := range []string{target1, target2} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	if err := linkLast(ws, "app", target1); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, e2.OutDir, "app", "last")
	got, err := os.Readlink(link)
	if err != nil || got != target1 {
		t.Fatalf("last -> %q, err %v", got, err)
	}

	// repointing replaces the symlink without a visible gap
	if err := linkLast(ws, "app", target2); err != nil {
		t.Fatal(err)
	}
	got, err = os.Readlink(link)
	if err != nil || got != target2 {
		t.Fatalf("last -> %q after repoint, err %v", got, err)
	}
}

func TestVerifyResultChecksums(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "files", "app.bin"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	sums, err := cache.Compute(filepath.Join(dir, "files", "app.bin"), []cache.Alg{cache.SHA1})
	if err != nil {
		t.Fatal(err)
	}
	line := cache.FormatSumLine(sums[cache.SHA1], "files/app.bin") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "checksums"), []byte(line), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := verifyResultChecksums(dir); err != nil {
		t.Fatalf("valid tree rejected: %v", err)
	}

	// tamper with the artifact
	if err := os.WriteFile(filepath.Join(dir, "files", "app.bin"), []byte("evil"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := verifyResultChecksums(dir); err == nil {
		t.Fatal("tampered tree accepted")
	}
}

func TestGzipFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "build.log")
	if err := os.WriteFile(src, []byte("build output\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(dir, "build.log.gz")
	if err := gzipFile(src, dest); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "build output\n" {
		t.Fatalf("round trip lost data: %q", data)
	}
}

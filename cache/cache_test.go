package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// testCache wires a cache with two file servers: "src" (caching) and
// "store" (writeback).
func testCache(t *testing.T) (*Cache, string, string) {
	t.Helper()
	srcDir := t.TempDir()
	storeDir := t.TempDir()
	reg := NewRegistry()
	for _, s := range []*Server{
		{Name: "src", URL: "file://" + srcDir, Cache: true},
		{Name: "store", URL: "file://" + storeDir, Cache: true, Writeback: true},
		{Name: "nowrite", URL: "file://" + storeDir},
	} {
		if err := reg.Add(s); err != nil {
			t.Fatal(err)
		}
	}
	reg.Freeze()
	c, err := New(reg, filepath.Join(t.TempDir(), "cache"), nil, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	return c, srcDir, storeDir
}

func TestFetchFile(t *testing.T) {
	c, srcDir, _ := testCache(t)
	ctx := context.Background()
	if err := os.MkdirAll(filepath.Join(srcDir, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "pkg", "base.tar.gz"), []byte("bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	destdir := t.TempDir()
	dest, err := c.FetchFile(ctx, "src", "pkg/base.tar.gz", destdir, "")
	if err != nil {
		t.Fatal(err)
	}
	if dest != filepath.Join(destdir, "base.tar.gz") {
		t.Fatalf("dest = %q", dest)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "bytes" {
		t.Fatalf("fetched content %q, err %v", data, err)
	}

	// the caching server populated the cache tree
	if _, err := os.Stat(c.cachePath("src", "pkg/base.tar.gz")); err != nil {
		t.Fatalf("cache tree not populated: %v", err)
	}

	// explicit destname
	dest2, err := c.FetchFile(ctx, "src", "pkg/base.tar.gz", destdir, "renamed.tar.gz")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dest2) != "renamed.tar.gz" {
		t.Fatalf("dest2 = %q", dest2)
	}
}

func TestFetchFilePathLocalInPlace(t *testing.T) {
	srcDir := t.TempDir()
	reg := NewRegistry()
	if err := reg.Add(&Server{Name: ".", URL: "file://" + srcDir}); err != nil {
		t.Fatal(err)
	}
	reg.Freeze()
	c, err := New(reg, filepath.Join(t.TempDir(), "cache"), nil, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := c.FetchFilePath(context.Background(), ".", "f", true)
	if err != nil {
		t.Fatal(err)
	}
	if p != filepath.Join(srcDir, "f") {
		t.Fatalf("local file not returned in place: %q", p)
	}
	if _, err := c.FetchFilePath(context.Background(), ".", "missing", true); err == nil {
		t.Fatal("missing local file reported as fetched")
	}
}

func TestPushFileHonoursWriteback(t *testing.T) {
	c, _, storeDir := testCache(t)
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "result.tar")
	if err := os.WriteFile(src, []byte("tar"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.PushFile(ctx, src, "store", "shared/app/1/result.tar"); err != nil {
		t.Fatal(err)
	}
	pushed := filepath.Join(storeDir, "shared", "app", "1", "result.tar")
	if _, err := os.Stat(pushed); err != nil {
		t.Fatalf("push did not create %s: %v", pushed, err)
	}

	// writeback disabled: warning no-op
	if err := c.PushFile(ctx, src, "nowrite", "elsewhere/result.tar"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(storeDir, "elsewhere", "result.tar")); err == nil {
		t.Fatal("push happened despite writeback=false")
	}
}

func TestRemoteChecksumFileServer(t *testing.T) {
	c, srcDir, _ := testCache(t)
	if err := os.WriteFile(filepath.Join(srcDir, "abc.txt"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	sum, err := c.RemoteChecksum(context.Background(), "src", "abc.txt", SHA1)
	if err != nil {
		t.Fatal(err)
	}
	if sum != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Fatalf("remote checksum = %s", sum)
	}
}

func TestCacheFlags(t *testing.T) {
	c, _, _ := testCache(t)
	if !c.CacheEnabled("src") || c.CacheEnabled("nosuch") {
		t.Fatal("CacheEnabled misbehaves")
	}
	if !c.WritebackEnabled("store") || c.WritebackEnabled("nowrite") {
		t.Fatal("WritebackEnabled misbehaves")
	}
}

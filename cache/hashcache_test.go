package cache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashCacheStoreAndLookup(t *testing.T) {
	dir := t.TempDir()
	hc, err := OpenHashCache(filepath.Join(dir, "hashcache"))
	if err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "file")
	if err := os.WriteFile(target, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	sums, err := Compute(target, []Alg{SHA1})
	if err != nil {
		t.Fatal(err)
	}
	hc.Store(target, sums)

	got, ok := hc.Lookup(target, []Alg{SHA1})
	if !ok {
		t.Fatal("fresh entry not found")
	}
	if got[SHA1] != sums[SHA1] {
		t.Fatalf("cached checksum %s, want %s", got[SHA1], sums[SHA1])
	}

	// an algorithm that was never stored is a miss, not a wrong answer
	if _, ok := hc.Lookup(target, []Alg{SHA1, SHA256}); ok {
		t.Fatal("lookup invented a sha256 checksum")
	}
}

func TestHashCacheInvalidatesOnChange(t *testing.T) {
	dir := t.TempDir()
	hc, err := OpenHashCache(filepath.Join(dir, "hashcache"))
	if err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "file")
	if err := os.WriteFile(target, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	sums, err := Compute(target, []Alg{SHA1})
	if err != nil {
		t.Fatal(err)
	}
	hc.Store(target, sums)

	// longer content changes the size, which is part of the identity
	if err := os.WriteFile(target, []byte("abcdef"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := hc.Lookup(target, []Alg{SHA1}); ok {
		t.Fatal("stale entry served after the file changed")
	}
}

func TestHashCacheSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hashcache")
	hc, err := OpenHashCache(path)
	if err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "file")
	if err := os.WriteFile(target, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	sums, err := Compute(target, []Alg{SHA1, SHA256})
	if err != nil {
		t.Fatal(err)
	}
	hc.Store(target, sums)
	if err := hc.Save(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := OpenHashCache(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Len() != 1 {
		t.Fatalf("reloaded %d entries", reloaded.Len())
	}
	got, ok := reloaded.Lookup(target, []Alg{SHA1, SHA256})
	if !ok {
		t.Fatal("entry lost in save/load round trip")
	}
	if got[SHA256] != sums[SHA256] {
		t.Fatalf("sha256 lost: %s", got[SHA256])
	}
}

func TestHashCacheIgnoresMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hashcache")
	if err := os.WriteFile(path, []byte("garbage line\nshort\tfields\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	hc, err := OpenHashCache(path)
	if err != nil {
		t.Fatal(err)
	}
	if hc.Len() != 0 {
		t.Fatalf("malformed lines produced %d entries", hc.Len())
	}
}

func TestHashCacheMissingFileIsEmpty(t *testing.T) {
	hc, err := OpenHashCache(filepath.Join(t.TempDir(), "nosuch"))
	if err != nil {
		t.Fatal(err)
	}
	if hc.Len() != 0 {
		t.Fatal("missing file produced entries")
	}
}

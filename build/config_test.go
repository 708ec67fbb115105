package build

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	e2 "github.com/emlix/e2factory"
)

func TestNewConfigLayout(t *testing.T) {
	ws := &e2.Workspace{
		Root:    t.TempDir(),
		Project: &e2.Project{Name: "demo", ReleaseID: "1.0", ChrootArch: e2.ArchX8664},
	}
	r := &e2.Result{Name: "app"}
	cfg := NewConfig(ws, r, Options{})

	if !strings.HasPrefix(cfg.Base, TmpPrefix()+string(filepath.Separator)) {
		t.Fatalf("base %q outside tmp prefix", cfg.Base)
	}
	if cfg.C != filepath.Join(cfg.Base, "chroot") {
		t.Fatalf("chroot dir %q", cfg.C)
	}
	if cfg.T != filepath.Join(cfg.C, "tmp", "e2") {
		t.Fatalf("build tree %q", cfg.T)
	}
	if cfg.Tc != "/tmp/e2" {
		t.Fatalf("Tc = %q", cfg.Tc)
	}
	if filepath.Base(cfg.MarkerPath) != MarkerName || filepath.Dir(cfg.MarkerPath) != cfg.Base {
		t.Fatalf("marker path %q", cfg.MarkerPath)
	}
	if filepath.Base(cfg.LockPath) != LockName {
		t.Fatalf("lock path %q", cfg.LockPath)
	}
}

func TestChrootCallPrefixOverride(t *testing.T) {
	t.Setenv("E2_CHROOT_CALL_PREFIX", "setarch i386 --verbose")
	prefix, err := chrootCallPrefix(e2.ArchX8632)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"setarch", "i386", "--verbose"}, prefix); diff != "" {
		t.Fatalf("prefix (-want +got):\n%s", diff)
	}
}

func TestChrootCallPrefixDefaultEmptyForNativeArch(t *testing.T) {
	t.Setenv("E2_CHROOT_CALL_PREFIX", "")
	prefix, err := chrootCallPrefix(e2.ArchX8664)
	if err != nil {
		t.Fatal(err)
	}
	if len(prefix) != 0 {
		t.Fatalf("unexpected prefix for native arch: %v", prefix)
	}
}

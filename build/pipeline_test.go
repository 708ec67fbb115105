package build

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	e2 "github.com/emlix/e2factory"
)

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return New(&e2.Workspace{Log: log}, NewHelper())
}

func TestDefaultStepOrder(t *testing.T) {
	p := testPipeline(t)
	full := []string{
		"build_config", "result_available", "chroot_lock",
		"chroot_cleanup_if_exists", "setup_chroot", "sources",
		"collect_project", "fix_permissions", "playground", "runbuild",
		"store_result", "deploy", "linklast", "chroot_cleanup",
		"chroot_unlock",
	}
	if diff := cmp.Diff(full, p.StepNames()); diff != "" {
		t.Fatalf("step order (-want +got):\n%s", diff)
	}
}

func TestRegisterRelativeSteps(t *testing.T) {
	noop := func(ctx context.Context, cfg *Config) (Status, error) { return StatusOK, nil }

	p := testPipeline(t)
	if err := p.Register(Step{Name: "audit", Run: noop}, "store_result", true); err != nil {
		t.Fatal(err)
	}
	names := p.StepNames()
	found := false
	for i, n := range names {
		if n == "audit" {
			found = true
			if names[i-1] != "store_result" {
				t.Fatalf("audit not after store_result: %v", names)
			}
		}
	}
	if !found {
		t.Fatal("registered step missing")
	}

	if err := p.Register(Step{Name: "prefetch", Run: noop}, "setup_chroot", false); err != nil {
		t.Fatal(err)
	}
	names = p.StepNames()
	for i, n := range names {
		if n == "prefetch" && names[i+1] != "setup_chroot" {
			t.Fatalf("prefetch not before setup_chroot: %v", names)
		}
	}

	// duplicates and unknown references fail
	if err := p.Register(Step{Name: "audit", Run: noop}, "deploy", true); err == nil {
		t.Fatal("duplicate step accepted")
	}
	if err := p.Register(Step{Name: "x", Run: noop}, "nosuch", true); err == nil {
		t.Fatal("unknown reference step accepted")
	}
	if err := p.Register(Step{Name: ""}, "deploy", true); err == nil {
		t.Fatal("incomplete step accepted")
	}
}

// Package build drives the ordered pipeline that turns a result
// definition into a stored, content-addressed result.tar: sandbox
// assembly, source staging, the in-chroot build, packaging, deployment
// and cleanup.
package build

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/shlex"
	"github.com/pkg/errors"

	e2 "github.com/emlix/e2factory"
)

const (
	// BuildDirName is the in-chroot build tree; Tc is its absolute path
	// inside the sandbox.
	BuildDirName = "tmp/e2"

	// MarkerName tags a directory as an e2factory sandbox. The
	// privileged helper refuses to operate on trees without it.
	MarkerName = "e2factory-chroot-marker"
	// LockName is the per-result filesystem lock.
	LockName = "e2factory-chroot-lock"
)

// TmpPrefix is the directory all sandboxes live under. The privileged
// helper validates against the same prefix.
func TmpPrefix() string {
	return filepath.Join(os.TempDir(), "e2factory")
}

// Options select per-invocation build behaviour.
type Options struct {
	ForceRebuild bool
	KeepChroot   bool
	Playground   bool
}

// Config is the per-result build configuration fixed by the first
// pipeline step and owned by the pipeline for the duration of one build.
type Config struct {
	WS     *e2.Workspace
	Result *e2.Result
	Mode   *e2.BuildMode
	Opts   Options

	// Base is <tmp>/<project>/<result>; C the chroot below it; T the
	// build tree on the host; Tc the same tree seen from inside the
	// chroot.
	Base string
	C    string
	T    string
	Tc   string

	MarkerPath string
	LockPath   string

	BuildID      string
	Builtin      *e2.Env
	BuildLogPath string
	// ChrootCallPrefix wraps helper invocations, e.g. the personality
	// switcher for 32-bit chroots on 64-bit hosts.
	ChrootCallPrefix []string

	lockFile  *os.File
	locked    bool
	cleaned   bool
	unlocked  bool
	resultDir string // scratch result/ tree from store_result
	scratch   string
}

// NewConfig fixes the path layout for one result build. The BuildID and
// builtin environment are filled in by the build_config step.
func NewConfig(ws *e2.Workspace, r *e2.Result, opts Options) *Config {
	base := filepath.Join(TmpPrefix(), ws.Project.Name, r.Name)
	c := filepath.Join(base, "chroot")
	cfg := &Config{
		WS:         ws,
		Result:     r,
		Mode:       r.Mode,
		Opts:       opts,
		Base:       base,
		C:          c,
		T:          filepath.Join(c, filepath.FromSlash(BuildDirName)),
		Tc:         "/" + BuildDirName,
		MarkerPath: filepath.Join(base, MarkerName),
		LockPath:   filepath.Join(base, LockName),
	}
	cfg.BuildLogPath = ws.Path(e2.LogDir, "build."+r.Name+".log")
	return cfg
}

// materialize computes the BuildID, the builtin environment and the
// chroot call prefix. Run as the build_config step so ID computation
// failures surface inside the pipeline.
func (cfg *Config) materialize(ctx context.Context) error {
	buildid, err := cfg.Result.BuildID(ctx, cfg.WS)
	if err != nil {
		return err
	}
	cfg.BuildID = buildid

	b := e2.NewEnv()
	b.Set("E2_TMPDIR", cfg.Tc)
	b.Set("E2_RESULT", cfg.Result.Name)
	b.Set("E2_RELEASE_ID", cfg.WS.Project.ReleaseID)
	b.Set("E2_PROJECT_NAME", cfg.WS.Project.Name)
	b.Set("E2_BUILDID", buildid)
	b.Set("T", cfg.Tc)
	b.Set("r", cfg.Result.Name)
	b.Set("R", cfg.Result.Name)
	cfg.Builtin = b

	prefix, err := chrootCallPrefix(cfg.WS.Project.ChrootArch)
	if err != nil {
		return err
	}
	cfg.ChrootCallPrefix = prefix
	return nil
}

// chrootCallPrefix returns the exec wrapper for the target architecture:
// on an x86_64 host an x86_32 chroot needs the personality switcher.
// E2_CHROOT_CALL_PREFIX overrides the default.
func chrootCallPrefix(arch string) ([]string, error) {
	if raw := os.Getenv("E2_CHROOT_CALL_PREFIX"); raw != "" {
		argv, err := shlex.Split(raw)
		if err != nil {
			return nil, errors.Wrap(err, "parsing E2_CHROOT_CALL_PREFIX")
		}
		return argv, nil
	}
	if arch == e2.ArchX8632 && runtime.GOARCH == "amd64" {
		return []string{"linux32"}, nil
	}
	return nil, nil
}

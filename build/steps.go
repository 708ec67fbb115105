package build

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	e2 "github.com/emlix/e2factory"
	"github.com/emlix/e2factory/cache"
)

// stepBuildConfig materializes the per-result build configuration,
// including the BuildID. In release mode this is also where remote
// verification failures surface.
func (p *Pipeline) stepBuildConfig(ctx context.Context, cfg *Config) (Status, error) {
	if err := cfg.materialize(ctx); err != nil {
		return StatusOK, err
	}
	p.log.Infof("result %q: buildid %s", cfg.Result.Name, cfg.BuildID)
	return StatusOK, nil
}

// stepResultAvailable short-circuits the build when the result.tar for
// this BuildID can be pulled from storage. Working-copy builds, forced
// rebuilds and playgrounds always build.
func (p *Pipeline) stepResultAvailable(ctx context.Context, cfg *Config) (Status, error) {
	if cfg.Mode.SourceSet == e2.SetWorkingCopy || cfg.Opts.ForceRebuild || cfg.Opts.Playground {
		return StatusOK, nil
	}
	server, loc := cfg.Mode.StorageLocation(p.ws, cfg.Result.Name, cfg.BuildID)
	local, err := p.ws.Cache.FetchFilePath(ctx, server, path.Join(loc, "result.tar"), true)
	if err != nil {
		// a cache miss means: need to build
		p.log.Debugf("result %q: not in cache (%v), building", cfg.Result.Name, err)
		return StatusOK, nil
	}
	if err := linkLast(p.ws, cfg.Result.Name, filepath.Dir(local)); err != nil {
		return StatusOK, err
	}
	p.log.Infof("skipping %s", cfg.Result.Name)
	return StatusSkip, nil
}

// stepChrootLock creates the sandbox base and takes the exclusive
// per-result filesystem lock. Failure is fatal.
func (p *Pipeline) stepChrootLock(ctx context.Context, cfg *Config) (Status, error) {
	if err := os.MkdirAll(cfg.Base, 0o755); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "creating sandbox base")
	}
	f, err := os.OpenFile(cfg.LockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "opening chroot lock")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return StatusOK, e2.Wrapf(e2.KindSandbox, err,
			"another build holds the chroot lock %s", cfg.LockPath)
	}
	cfg.lockFile = f
	cfg.locked = true
	return StatusOK, nil
}

// stepChrootCleanupIfExists tears down a stale sandbox left behind by a
// crashed build before assembling the new one.
func (p *Pipeline) stepChrootCleanupIfExists(ctx context.Context, cfg *Config) (Status, error) {
	if _, err := os.Stat(cfg.MarkerPath); err != nil {
		return StatusOK, nil
	}
	p.log.Warnf("result %q: removing stale chroot", cfg.Result.Name)
	if err := p.helper.RemoveChroot(ctx, cfg.Base); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "removing stale chroot")
	}
	if err := os.Remove(cfg.MarkerPath); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "removing stale chroot marker")
	}
	return StatusOK, nil
}

// stepSetupChroot populates the sandbox from the result's chroot groups.
// Every archive is fetched through the cache, checksum-verified and
// extracted by the privileged helper.
func (p *Pipeline) stepSetupChroot(ctx context.Context, cfg *Config) (Status, error) {
	if err := os.MkdirAll(cfg.C, 0o755); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "creating chroot directory")
	}
	// the marker is written unprivileged, before the helper touches the
	// tree; the helper validates its presence on every verb
	if err := os.WriteFile(cfg.MarkerPath, []byte(cfg.BuildID+"\n"), 0o644); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "writing chroot marker")
	}
	if err := p.helper.SetPermissions(ctx, cfg.Base); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "set_permissions")
	}
	for _, name := range p.ws.Chroots.MergedGroups(cfg.Result.Chroot) {
		grp, err := p.ws.Chroots.Get(name)
		if err != nil {
			return StatusOK, e2.WithKind(e2.KindConfig, err)
		}
		for _, f := range grp.Files {
			local, err := p.ws.Cache.FetchFilePath(ctx, f.Server, f.Location, true)
			if err != nil {
				return StatusOK, e2.Wrapf(e2.KindTransport, err,
					"chroot group %q: fetching %s", name, f.Location)
			}
			if err := f.ChecksumVerify(ctx, p.ws); err != nil {
				return StatusOK, err
			}
			tartype, err := e2.TarType(f.Location)
			if err != nil {
				return StatusOK, e2.WithKind(e2.KindConfig, err)
			}
			if err := p.helper.ExtractTar(ctx, cfg.Base, tartype, local); err != nil {
				return StatusOK, e2.Wrapf(e2.KindSandbox, err,
					"chroot group %q: extracting %s", name, f.Location)
			}
		}
	}
	return StatusOK, nil
}

// buildTreeDirs are the per-build directories below Tc.
var buildTreeDirs = []string{"out", "init", "script", "build", "root", "env", "dep"}

// stepSources stages everything the build script needs: the script
// itself, the environment files, the init files, the driver scripts, the
// dependency results and the prepared sources.
func (p *Pipeline) stepSources(ctx context.Context, cfg *Config) (Status, error) {
	for _, d := range buildTreeDirs {
		if err := os.MkdirAll(filepath.Join(cfg.T, d), 0o755); err != nil {
			return StatusOK, e2.Wrapf(e2.KindSandbox, err, "creating build tree")
		}
	}

	script := p.ws.Path(filepath.FromSlash(cfg.Result.BuildScriptLocation()))
	if err := copyPlainFile(script, filepath.Join(cfg.T, "script", "build-script"), 0o644); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "installing build script")
	}

	if err := writeEnvFile(filepath.Join(cfg.T, "env", "builtin"), cfg.Builtin); err != nil {
		return StatusOK, err
	}
	merged, err := cfg.Result.MergedEnv(p.ws)
	if err != nil {
		return StatusOK, err
	}
	if err := writeEnvFile(filepath.Join(cfg.T, "env", "env"), merged); err != nil {
		return StatusOK, err
	}

	initFiles, err := p.ws.InitFiles()
	if err != nil {
		return StatusOK, err
	}
	for _, rel := range initFiles {
		src := p.ws.Path(e2.ProjInitDir, rel)
		dest := filepath.Join(cfg.T, "init", rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return StatusOK, e2.Wrapf(e2.KindSandbox, err, "staging init files")
		}
		if err := copyPlainFile(src, dest, 0o644); err != nil {
			return StatusOK, e2.Wrapf(e2.KindSandbox, err, "staging init files")
		}
	}

	if err := p.writeDriverScripts(cfg, initFiles); err != nil {
		return StatusOK, err
	}
	if err := p.installDependencies(ctx, cfg); err != nil {
		return StatusOK, err
	}

	for _, name := range cfg.Result.Sources {
		src, err := p.ws.Sources.Get(name)
		if err != nil {
			return StatusOK, e2.WithKind(e2.KindConfig, err)
		}
		if err := src.Prepare(ctx, p.ws, cfg.Mode.SourceSet, filepath.Join(cfg.T, "build")); err != nil {
			return StatusOK, err
		}
	}
	return StatusOK, nil
}

// writeDriverScripts composes build-driver, buildrc and buildrc-noinit
// under script/. The composition is deterministic: environment, init
// files in directory order, cd into the build tree, set, build script.
func (p *Pipeline) writeDriverScripts(cfg *Config, initFiles []string) error {
	var rc strings.Builder
	fmt.Fprintf(&rc, "source %s/env/builtin\n", cfg.Tc)
	fmt.Fprintf(&rc, "source %s/env/env\n", cfg.Tc)
	noinit := rc.String()
	for _, rel := range initFiles {
		fmt.Fprintf(&rc, "source %s/init/%s\n", cfg.Tc, filepath.ToSlash(rel))
	}
	tail := fmt.Sprintf("cd %s/build\nset\nsource %s/script/build-script\n", cfg.Tc, cfg.Tc)
	files := map[string]string{
		"buildrc":        rc.String() + tail,
		"buildrc-noinit": noinit + tail,
		"build-driver":   fmt.Sprintf("source %s/script/buildrc\n", cfg.Tc),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(cfg.T, "script", name), []byte(content), 0o644); err != nil {
			return e2.Wrapf(e2.KindSandbox, err, "writing %s", name)
		}
	}
	return nil
}

// installDependencies unpacks each dependency's result.tar into
// dep/<depname>/, verifying the embedded checksums.
func (p *Pipeline) installDependencies(ctx context.Context, cfg *Config) error {
	for _, dep := range cfg.Result.Depends {
		dr, err := p.ws.Results.Get(dep)
		if err != nil {
			return e2.WithKind(e2.KindConfig, err)
		}
		buildid, err := dr.BuildID(ctx, p.ws)
		if err != nil {
			return err
		}
		server, loc := dr.Mode.StorageLocation(p.ws, dep, buildid)
		local, err := p.ws.Cache.FetchFilePath(ctx, server, path.Join(loc, "result.tar"), true)
		if err != nil {
			return e2.Wrapf(e2.KindTransport, err, "fetching dependency %q", dep)
		}
		depdir := filepath.Join(cfg.T, "dep", dep)
		if err := os.MkdirAll(depdir, 0o755); err != nil {
			return e2.Wrapf(e2.KindSandbox, err, "installing dependency %q", dep)
		}
		if _, err := e2.RunTar(ctx, "-x", "-f", local, "-C", depdir, "--strip-components=1"); err != nil {
			return e2.Wrapf(e2.KindSandbox, err, "unpacking dependency %q", dep)
		}
		if err := verifyResultChecksums(depdir); err != nil {
			return e2.Wrapf(e2.KindIntegrity, err, "dependency %q", dep)
		}
	}
	return nil
}

// verifyResultChecksums checks every line of a result tree's checksums
// file against the unpacked files.
func verifyResultChecksums(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, "checksums"))
	if err != nil {
		return errors.Wrap(err, "reading checksums")
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		sum, name, err := cache.ParseSumLine(cache.SHA1, line)
		if err != nil {
			return err
		}
		sums, err := cache.Compute(filepath.Join(dir, filepath.FromSlash(name)), []cache.Alg{cache.SHA1})
		if err != nil {
			return err
		}
		if sums[cache.SHA1] != sum {
			return errors.Errorf("checksum mismatch for %s: recorded %s computed %s",
				name, sum, sums[cache.SHA1])
		}
	}
	return nil
}

// stepFixPermissions normalizes ownership and modes of the build tree
// through the privileged helper.
func (p *Pipeline) stepFixPermissions(ctx context.Context, cfg *Config) (Status, error) {
	if err := p.helper.Chroot(ctx, cfg.Base, cfg.ChrootCallPrefix, nil,
		"chown", "-R", "root:root", cfg.Tc); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "fixing ownership")
	}
	if err := p.helper.Chroot(ctx, cfg.Base, cfg.ChrootCallPrefix, nil,
		"chmod", "-R", "u=rwX,go=rX", cfg.Tc); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "fixing modes")
	}
	return StatusOK, nil
}

// stepPlayground leaves the populated sandbox in place for interactive
// entry.
func (p *Pipeline) stepPlayground(ctx context.Context, cfg *Config) (Status, error) {
	if !cfg.Opts.Playground {
		return StatusOK, nil
	}
	p.log.Infof("playground ready: %s", cfg.C)
	fmt.Printf("playground chroot: %s\n", cfg.C)
	return StatusStop, nil
}

// stepRunBuild rotates the build log and runs the build driver inside
// the chroot, streaming combined output to the log.
func (p *Pipeline) stepRunBuild(ctx context.Context, cfg *Config) (Status, error) {
	if err := rotateLog(cfg.BuildLogPath); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "rotating build log")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.BuildLogPath), 0o755); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "creating log directory")
	}
	logf, err := os.OpenFile(cfg.BuildLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "opening build log")
	}
	defer logf.Close()

	p.log.Infof("building %s", cfg.Result.Name)
	err = p.helper.Chroot(ctx, cfg.Base, cfg.ChrootCallPrefix, logf,
		"/bin/bash", "-e", "-x", cfg.Tc+"/script/build-driver")
	if err != nil {
		return StatusOK, e2.Wrapf(e2.KindBuildScript, err,
			"build script failed, see %s", cfg.BuildLogPath)
	}
	return StatusOK, nil
}

func rotateLog(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	os.Remove(path + ".1")
	return os.Rename(path, path+".1")
}

// stepStoreResult packages the canonical result.tar (files, checksums,
// gzipped build log) in a scratch directory and pushes it to the mode's
// storage.
func (p *Pipeline) stepStoreResult(ctx context.Context, cfg *Config) (Status, error) {
	scratch, err := os.MkdirTemp("", "e2-store-")
	if err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "creating scratch directory")
	}
	cfg.scratch = scratch
	resdir := filepath.Join(scratch, "result")
	filesdir := filepath.Join(resdir, "files")
	if err := os.MkdirAll(filesdir, 0o755); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "creating result layout")
	}

	outdir := filepath.Join(cfg.T, "out")
	var artifacts []string
	err = filepath.WalkDir(outdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outdir, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(filesdir, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := copyPlainFile(path, dest, 0o644); err != nil {
			return err
		}
		artifacts = append(artifacts, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "collecting build outputs")
	}
	sort.Strings(artifacts)

	var sums strings.Builder
	for _, rel := range artifacts {
		cs, err := cache.Compute(filepath.Join(filesdir, filepath.FromSlash(rel)), []cache.Alg{cache.SHA1})
		if err != nil {
			return StatusOK, e2.Wrapf(e2.KindIntegrity, err, "hashing artifact %s", rel)
		}
		sums.WriteString(cache.FormatSumLine(cs[cache.SHA1], "files/"+rel) + "\n")
	}
	if err := os.WriteFile(filepath.Join(resdir, "checksums"), []byte(sums.String()), 0o644); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "writing checksums")
	}

	if err := gzipFile(cfg.BuildLogPath, filepath.Join(resdir, "build.log.gz")); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "compressing build log")
	}

	tarball := filepath.Join(scratch, "result.tar")
	if _, err := e2.RunTar(ctx, "-c", "-f", tarball, "-C", scratch, "result"); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "packing result.tar")
	}

	server, loc := cfg.Mode.StorageLocation(p.ws, cfg.Result.Name, cfg.BuildID)
	if err := p.ws.Cache.PushFile(ctx, tarball, server, path.Join(loc, "result.tar")); err != nil {
		return StatusOK, e2.Wrapf(e2.KindTransport, err, "storing result")
	}
	cfg.resultDir = resdir
	return StatusOK, nil
}

// stepDeploy copies a release result to the long-term archive. A
// pre-existing checksums file at the destination short-circuits to keep
// re-runs idempotent.
func (p *Pipeline) stepDeploy(ctx context.Context, cfg *Config) (Status, error) {
	if !cfg.Mode.Deploy || !p.ws.Project.DeploysResult(cfg.Result.Name) {
		return StatusOK, nil
	}
	loc := cfg.Mode.DeployLocation(p.ws, cfg.Result.Name)
	if _, err := p.ws.Cache.FetchFilePath(ctx, cache.ReleasesServer,
		path.Join(loc, "checksums"), false); err == nil {
		p.log.Warnf("result %q: already deployed to %s", cfg.Result.Name, loc)
		return StatusOK, nil
	}

	filesdir := filepath.Join(cfg.resultDir, "files")
	err := filepath.WalkDir(filesdir, func(fp string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(filesdir, fp)
		if err != nil {
			return err
		}
		return p.ws.Cache.PushFile(ctx, fp, cache.ReleasesServer,
			path.Join(loc, "files", filepath.ToSlash(rel)))
	})
	if err != nil {
		return StatusOK, e2.Wrapf(e2.KindTransport, err, "deploying files")
	}
	// the checksums file goes last: its presence marks a complete deploy
	if err := p.ws.Cache.PushFile(ctx, filepath.Join(cfg.resultDir, "checksums"),
		cache.ReleasesServer, path.Join(loc, "checksums")); err != nil {
		return StatusOK, e2.Wrapf(e2.KindTransport, err, "deploying checksums")
	}
	p.log.Infof("deployed %s to %s", cfg.Result.Name, loc)
	return StatusOK, nil
}

// stepLinkLast repoints out/<result>/last at the freshly stored result.
func (p *Pipeline) stepLinkLast(ctx context.Context, cfg *Config) (Status, error) {
	server, loc := cfg.Mode.StorageLocation(p.ws, cfg.Result.Name, cfg.BuildID)
	local, err := p.ws.Cache.FetchFilePath(ctx, server, path.Join(loc, "result.tar"), true)
	if err != nil {
		return StatusOK, e2.Wrapf(e2.KindTransport, err, "fetching stored result back")
	}
	if err := linkLast(p.ws, cfg.Result.Name, filepath.Dir(local)); err != nil {
		return StatusOK, err
	}
	return StatusOK, nil
}

// linkLast atomically updates out/<result>/last via a temporary symlink
// and rename, so concurrent readers never observe absence.
func linkLast(ws *e2.Workspace, result, target string) error {
	outdir := ws.Path(e2.OutDir, result)
	if err := os.MkdirAll(outdir, 0o755); err != nil {
		return e2.Wrapf(e2.KindSandbox, err, "creating %s", outdir)
	}
	tmp := filepath.Join(outdir, ".last.tmp")
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return e2.Wrapf(e2.KindSandbox, err, "linking last")
	}
	if err := os.Rename(tmp, filepath.Join(outdir, "last")); err != nil {
		os.Remove(tmp)
		return e2.Wrapf(e2.KindSandbox, err, "linking last")
	}
	return nil
}

// stepChrootCleanup tears down the sandbox unless the user asked to keep
// it.
func (p *Pipeline) stepChrootCleanup(ctx context.Context, cfg *Config) (Status, error) {
	cfg.cleaned = true
	if cfg.Opts.KeepChroot {
		p.log.Infof("keeping chroot %s", cfg.C)
		return StatusOK, nil
	}
	if _, err := os.Stat(cfg.MarkerPath); err != nil {
		return StatusOK, nil
	}
	if err := p.helper.RemoveChroot(ctx, cfg.Base); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "removing chroot")
	}
	if err := os.Remove(cfg.MarkerPath); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "removing chroot marker")
	}
	return StatusOK, nil
}

// stepChrootUnlock releases the per-result lock.
func (p *Pipeline) stepChrootUnlock(ctx context.Context, cfg *Config) (Status, error) {
	cfg.unlocked = true
	if cfg.lockFile == nil {
		return StatusOK, nil
	}
	if err := unix.Flock(int(cfg.lockFile.Fd()), unix.LOCK_UN); err != nil {
		cfg.lockFile.Close()
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "releasing chroot lock")
	}
	if err := cfg.lockFile.Close(); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "releasing chroot lock")
	}
	cfg.lockFile = nil
	return StatusOK, nil
}

// writeEnvFile renders an environment as shell-escaped export
// assignments, keys in ascending order.
func writeEnvFile(path string, env *e2.Env) error {
	var b strings.Builder
	for _, k := range env.Keys() {
		v, _ := env.Get(k)
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(v))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return e2.Wrapf(e2.KindSandbox, err, "writing %s", path)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func copyPlainFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func gzipFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "compressing log")
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "compressing log")
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return errors.Wrap(err, "compressing log")
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return errors.Wrap(err, "compressing log")
	}
	return out.Close()
}

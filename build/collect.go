package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	e2 "github.com/emlix/e2factory"
)

// stepCollectProject assembles a self-contained, standalone reproduction
// of the project below <Tc>/project: the chroot archives, the licence
// files, the per-result environment and build glue, and every source
// rendered via its toresult capability. Everything is fetched through
// the cache and hash-verified, so the collected tree is deterministic.
func (p *Pipeline) stepCollectProject(ctx context.Context, cfg *Config) (Status, error) {
	if !cfg.Result.CollectProject {
		return StatusOK, nil
	}
	root := filepath.Join(cfg.T, "project")

	order, err := p.ws.DependencyOrder([]string{cfg.Result.Name})
	if err != nil {
		return StatusOK, err
	}

	if err := p.collectChroots(ctx, cfg, root, order); err != nil {
		return StatusOK, err
	}
	if err := p.collectLicences(ctx, root); err != nil {
		return StatusOK, err
	}
	if err := p.collectResults(ctx, cfg, root, order); err != nil {
		return StatusOK, err
	}
	if err := p.collectSources(ctx, cfg, root, order); err != nil {
		return StatusOK, err
	}

	var list strings.Builder
	for _, name := range order {
		list.WriteString(name + "\n")
	}
	if err := os.WriteFile(filepath.Join(root, "resultlist"), []byte(list.String()), 0o644); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "writing resultlist")
	}

	var mk strings.Builder
	mk.WriteString(".PHONY: all\nall:\n")
	for _, name := range order {
		mk.WriteString(fmt.Sprintf("\t$(MAKE) -C res/%s build\n",
			strings.ReplaceAll(name, ".", "/")))
	}
	if err := os.WriteFile(filepath.Join(root, "Makefile"), []byte(mk.String()), 0o644); err != nil {
		return StatusOK, e2.Wrapf(e2.KindSandbox, err, "writing Makefile")
	}
	return StatusOK, nil
}

// collectChroots copies the archives of every chroot group used by the
// collected results.
func (p *Pipeline) collectChroots(ctx context.Context, cfg *Config, root string, order []string) error {
	groups := e2.NewStringList()
	for _, name := range order {
		r, err := p.ws.Results.Get(name)
		if err != nil {
			return e2.WithKind(e2.KindConfig, err)
		}
		for _, g := range p.ws.Chroots.MergedGroups(r.Chroot) {
			groups.Append(g)
		}
	}
	groups.Sort()
	for _, name := range groups.Slice() {
		grp, err := p.ws.Chroots.Get(name)
		if err != nil {
			return e2.WithKind(e2.KindConfig, err)
		}
		dir := filepath.Join(root, "chroot", name)
		for _, f := range grp.Files {
			if err := f.ChecksumVerify(ctx, p.ws); err != nil {
				return err
			}
			if _, err := p.ws.Cache.FetchFile(ctx, f.Server, f.Location, dir, ""); err != nil {
				return e2.Wrapf(e2.KindTransport, err, "collecting chroot group %q", name)
			}
		}
	}
	return nil
}

func (p *Pipeline) collectLicences(ctx context.Context, root string) error {
	for _, name := range p.ws.Licences.Names() {
		l, err := p.ws.Licences.Get(name)
		if err != nil {
			return e2.WithKind(e2.KindConfig, err)
		}
		dir := filepath.Join(root, "licences", name)
		for _, f := range l.Files {
			if err := f.ChecksumVerify(ctx, p.ws); err != nil {
				return err
			}
			if _, err := p.ws.Cache.FetchFile(ctx, f.Server, f.Location, dir, ""); err != nil {
				return e2.Wrapf(e2.KindTransport, err, "collecting licence %q", name)
			}
		}
	}
	return nil
}

// collectResults writes, per collected result, its environment, its build
// script, a build driver sourcing both, and a Makefile whose build target
// runs the driver with /bin/bash -e -x.
func (p *Pipeline) collectResults(ctx context.Context, cfg *Config, root string, order []string) error {
	for _, name := range order {
		r, err := p.ws.Results.Get(name)
		if err != nil {
			return e2.WithKind(e2.KindConfig, err)
		}
		dir := filepath.Join(root, "res", filepath.FromSlash(strings.ReplaceAll(name, ".", "/")))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return e2.Wrapf(e2.KindSandbox, err, "collecting result %q", name)
		}
		script := p.ws.Path(filepath.FromSlash(r.BuildScriptLocation()))
		if err := copyPlainFile(script, filepath.Join(dir, "build-script"), 0o644); err != nil {
			return e2.Wrapf(e2.KindSandbox, err, "collecting result %q", name)
		}
		merged, err := r.MergedEnv(p.ws)
		if err != nil {
			return err
		}
		if err := writeEnvFile(filepath.Join(dir, "env"), merged); err != nil {
			return err
		}
		driver := "source ./env\nsource ./build-script\n"
		if err := os.WriteFile(filepath.Join(dir, "build-driver"), []byte(driver), 0o644); err != nil {
			return e2.Wrapf(e2.KindSandbox, err, "collecting result %q", name)
		}
		mk := ".PHONY: build\nbuild:\n\t/bin/bash -e -x build-driver\n"
		if err := os.WriteFile(filepath.Join(dir, "Makefile"), []byte(mk), 0o644); err != nil {
			return e2.Wrapf(e2.KindSandbox, err, "collecting result %q", name)
		}
	}
	return nil
}

func (p *Pipeline) collectSources(ctx context.Context, cfg *Config, root string, order []string) error {
	sources := e2.NewStringList()
	for _, name := range order {
		r, err := p.ws.Results.Get(name)
		if err != nil {
			return e2.WithKind(e2.KindConfig, err)
		}
		for _, s := range r.Sources {
			sources.Append(s)
		}
	}
	sources.Sort()
	for _, name := range sources.Slice() {
		src, err := p.ws.Sources.Get(name)
		if err != nil {
			return e2.WithKind(e2.KindConfig, err)
		}
		dir := filepath.Join(root, "src", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return e2.Wrapf(e2.KindSandbox, err, "collecting source %q", name)
		}
		if _, err := src.ToResult(ctx, p.ws, cfg.Mode.SourceSet, dir); err != nil {
			return err
		}
	}
	return nil
}

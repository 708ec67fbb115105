package build

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	e2 "github.com/emlix/e2factory"
)

// Status is a pipeline step's outcome. Errors travel separately.
type Status int

const (
	// StatusOK continues with the next step.
	StatusOK Status = iota
	// StatusSkip finishes the result successfully without further steps
	// (cache hit).
	StatusSkip
	// StatusStop finishes the result successfully but keeps the sandbox
	// populated (playground).
	StatusStop
)

// StepFunc executes one named pipeline step.
type StepFunc func(ctx context.Context, cfg *Config) (Status, error)

// Step is one entry of the pipeline vector.
type Step struct {
	Name string
	Run  StepFunc
}

// Pipeline is the ordered step vector executed per result. Plugins may
// insert steps relative to existing ones; arbitrary rewriting is not
// offered.
type Pipeline struct {
	ws     *e2.Workspace
	helper *Helper
	log    *logrus.Logger
	steps  []Step

	// Shutdown is polled between steps; when it reports true the
	// current result is cleaned up and the build aborts.
	Shutdown func() bool
}

// New assembles the default pipeline.
func New(ws *e2.Workspace, helper *Helper) *Pipeline {
	p := &Pipeline{ws: ws, helper: helper, log: ws.Log}
	p.steps = []Step{
		{"build_config", p.stepBuildConfig},
		{"result_available", p.stepResultAvailable},
		{"chroot_lock", p.stepChrootLock},
		{"chroot_cleanup_if_exists", p.stepChrootCleanupIfExists},
		{"setup_chroot", p.stepSetupChroot},
		{"sources", p.stepSources},
		{"collect_project", p.stepCollectProject},
		{"fix_permissions", p.stepFixPermissions},
		{"playground", p.stepPlayground},
		{"runbuild", p.stepRunBuild},
		{"store_result", p.stepStoreResult},
		{"deploy", p.stepDeploy},
		{"linklast", p.stepLinkLast},
		{"chroot_cleanup", p.stepChrootCleanup},
		{"chroot_unlock", p.stepChrootUnlock},
	}
	return p
}

// StepNames returns the current step order.
func (p *Pipeline) StepNames() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name
	}
	return names
}

// Register inserts a step relative to the named reference step, after it
// when after is true and before it otherwise.
func (p *Pipeline) Register(step Step, ref string, after bool) error {
	if step.Name == "" || step.Run == nil {
		return e2.Errorf(e2.KindConfig, "registering an incomplete pipeline step")
	}
	for _, s := range p.steps {
		if s.Name == step.Name {
			return e2.Errorf(e2.KindConfig, "pipeline step %q already registered", step.Name)
		}
	}
	for i, s := range p.steps {
		if s.Name != ref {
			continue
		}
		at := i
		if after {
			at = i + 1
		}
		p.steps = append(p.steps[:at], append([]Step{step}, p.steps[at:]...)...)
		return nil
	}
	return e2.Errorf(e2.KindConfig, "no such pipeline step: %q", ref)
}

func (p *Pipeline) shutdownRequested() bool {
	return p.Shutdown != nil && p.Shutdown()
}

// BuildResult runs the pipeline for one result. Every exit path releases
// the chroot lock and, unless keep or playground semantics apply, tears
// down the sandbox.
func (p *Pipeline) BuildResult(ctx context.Context, r *e2.Result, opts Options) (err error) {
	cfg := NewConfig(p.ws, r, opts)
	keepChroot := false

	defer func() {
		if cfg.scratch != "" {
			os.RemoveAll(cfg.scratch)
		}
		if !cfg.locked {
			return
		}
		if !cfg.cleaned && !keepChroot {
			if _, cerr := p.stepChrootCleanup(context.Background(), cfg); cerr != nil {
				p.log.Errorf("result %q: chroot cleanup: %v", r.Name, cerr)
			}
		}
		if !cfg.unlocked {
			if _, uerr := p.stepChrootUnlock(context.Background(), cfg); uerr != nil {
				p.log.Errorf("result %q: chroot unlock: %v", r.Name, uerr)
			}
		}
	}()

	for _, step := range p.steps {
		if p.shutdownRequested() {
			return e2.Errorf(e2.KindAbort, "shutdown requested, aborting before step %q", step.Name)
		}
		p.log.Debugf("result %q: step %s", r.Name, step.Name)
		status, err := step.Run(ctx, cfg)
		if err != nil {
			return e2.Wrapf(e2.KindOf(err), err, "result %q: step %s", r.Name, step.Name)
		}
		switch status {
		case StatusSkip:
			return nil
		case StatusStop:
			keepChroot = true
			return nil
		}
	}
	return nil
}

// BuildAll walks the results linearly in the given topological order.
func (p *Pipeline) BuildAll(ctx context.Context, names []string, opts func(name string) Options) error {
	for _, name := range names {
		if p.shutdownRequested() {
			return e2.Errorf(e2.KindAbort, "shutdown requested")
		}
		r, err := p.ws.Results.Get(name)
		if err != nil {
			return e2.WithKind(e2.KindConfig, err)
		}
		if err := p.BuildResult(ctx, r, opts(name)); err != nil {
			return err
		}
	}
	return nil
}

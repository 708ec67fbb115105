package e2factory

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ResultType participates in ResultID. There is exactly one result flavour.
const ResultType = "result"

// ResultConfig is the res/<name>/config document.
type ResultConfig struct {
	Sources []string          `yaml:"sources,omitempty" json:"sources,omitempty"`
	Depends []string          `yaml:"depends,omitempty" json:"depends,omitempty"`
	Chroot  []string          `yaml:"chroot,omitempty" json:"chroot,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// CollectProject assembles a standalone reproduction of the project
	// into the sandbox before building.
	CollectProject bool `yaml:"collect_project,omitempty" json:"collect_project,omitempty"`
}

// Result is a named build artifact: the unit the cache operates at.
type Result struct {
	Name           string
	Sources        []string
	Depends        []string
	Chroot         []string
	Env            *Env
	CollectProject bool

	// Mode is the build mode effective for this result in the current
	// invocation, assigned by the driver before any ID computation.
	Mode *BuildMode

	resultid string
	pbuildid string
	buildid  string
}

func newResult(name string, cfg *ResultConfig) *Result {
	r := &Result{
		Name:           name,
		Sources:        cfg.Sources,
		Depends:        cfg.Depends,
		Chroot:         cfg.Chroot,
		Env:            NewEnv(),
		CollectProject: cfg.CollectProject,
	}
	for k, v := range cfg.Env {
		r.Env.Set(k, v)
	}
	return r
}

// Dir returns the result's directory below res/, mapping group-dot
// notation onto nested directories.
func (r *Result) Dir() string {
	return filepath.Join(ResDir, filepath.FromSlash(strings.ReplaceAll(r.Name, ".", "/")))
}

// BuildScriptLocation is the build script's location relative to the
// project root.
func (r *Result) BuildScriptLocation() string {
	return filepath.ToSlash(filepath.Join(r.Dir(), "build-script"))
}

// buildScriptFile wraps the build script as a project-local File so it
// enters the ID algebra like any other input.
func (r *Result) buildScriptFile() *File {
	return &File{Server: ".", Location: r.BuildScriptLocation()}
}

// Validate checks all references and the build script's existence.
func (r *Result) Validate(ws *Workspace) error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	for _, src := range r.Sources {
		if _, err := ws.Sources.Get(src); err != nil {
			return Wrapf(KindConfig, err, "result %q", r.Name)
		}
	}
	for _, dep := range r.Depends {
		if dep == r.Name {
			return Errorf(KindConfig, "result %q depends on itself", r.Name)
		}
		if _, err := ws.Results.Get(dep); err != nil {
			return Wrapf(KindConfig, err, "result %q", r.Name)
		}
	}
	for _, grp := range r.Chroot {
		if _, err := ws.Chroots.Get(grp); err != nil {
			return Wrapf(KindConfig, err, "result %q", r.Name)
		}
	}
	if _, err := os.Stat(ws.Path(filepath.FromSlash(r.BuildScriptLocation()))); err != nil {
		return Errorf(KindConfig, "result %q: build script %s does not exist",
			r.Name, r.BuildScriptLocation())
	}
	return nil
}

// MergedEnv layers the project global env, the source envs, the
// per-result scope of proj/env and the result's own env, later layers
// overriding.
func (r *Result) MergedEnv(ws *Workspace) (*Env, error) {
	merged := ws.Project.GlobalEnv.Clone()
	for _, name := range r.Sources {
		src, err := ws.Sources.Get(name)
		if err != nil {
			return nil, WithKind(KindConfig, err)
		}
		merged.Merge(src.Env(), true)
	}
	if scoped, ok := ws.Project.ResultEnv[r.Name]; ok {
		merged.Merge(scoped, true)
	}
	merged.Merge(r.Env, true)
	return merged, nil
}

// ResultID covers the result's definition: name, type, the SourceIDs for
// the mode's source-set, the merged chroot group IDs, the merged
// environment, the build script and the dependency BuildIDs. Sources and
// dependencies are taken in declared order, chroot groups in the sorted
// order of MergedGroups.
func (r *Result) ResultID(ctx context.Context, ws *Workspace) (string, error) {
	if r.resultid != "" {
		return r.resultid, nil
	}
	if r.Mode == nil {
		return "", errors.Errorf("result %q has no build mode assigned", r.Name)
	}
	h := NewHash()
	h.AppendLine(r.Name)
	h.AppendLine(ResultType)
	for _, name := range r.Sources {
		src, err := ws.Sources.Get(name)
		if err != nil {
			return "", WithKind(KindConfig, err)
		}
		sid, err := src.SourceID(ctx, ws, r.Mode.SourceSet)
		if err != nil {
			return "", err
		}
		h.AppendLine(sid)
	}
	for _, name := range ws.Chroots.MergedGroups(r.Chroot) {
		grp, err := ws.Chroots.Get(name)
		if err != nil {
			return "", WithKind(KindConfig, err)
		}
		gid, err := grp.ChrootGroupID(ctx, ws)
		if err != nil {
			return "", err
		}
		h.AppendLine(gid)
	}
	env, err := r.MergedEnv(ws)
	if err != nil {
		return "", err
	}
	h.AppendLine(env.ID())
	fid, err := r.buildScriptFile().FileID(ctx, ws)
	if err != nil {
		return "", err
	}
	h.AppendLine(fid)
	for _, dep := range r.Depends {
		bid, err := ws.BuildID(ctx, dep)
		if err != nil {
			return "", err
		}
		h.AppendLine(bid)
	}
	r.resultid = h.Finish()
	return r.resultid, nil
}

// PBuildID is the stable base BuildID before the mode's buildid function
// is applied: ProjID, ResultID and the dependency BuildIDs.
func (r *Result) PBuildID(ctx context.Context, ws *Workspace) (string, error) {
	if r.pbuildid != "" {
		return r.pbuildid, nil
	}
	projid, err := ws.ProjID(ctx)
	if err != nil {
		return "", err
	}
	rid, err := r.ResultID(ctx, ws)
	if err != nil {
		return "", err
	}
	h := NewHash()
	h.AppendLine(projid)
	h.AppendLine(rid)
	for _, dep := range r.Depends {
		bid, err := ws.BuildID(ctx, dep)
		if err != nil {
			return "", err
		}
		h.AppendLine(bid)
	}
	r.pbuildid = h.Finish()
	return r.pbuildid, nil
}

// BuildID applies the mode's buildid function to PBuildID. Memoised.
func (r *Result) BuildID(ctx context.Context, ws *Workspace) (string, error) {
	if r.buildid != "" {
		return r.buildid, nil
	}
	base, err := r.PBuildID(ctx, ws)
	if err != nil {
		return "", err
	}
	id, err := r.Mode.ApplyBuildID(base)
	if err != nil {
		return "", err
	}
	r.buildid = id
	return id, nil
}

// BuildID resolves a result by name and returns its BuildID.
func (ws *Workspace) BuildID(ctx context.Context, name string) (string, error) {
	r, err := ws.Results.Get(name)
	if err != nil {
		return "", WithKind(KindConfig, err)
	}
	return r.BuildID(ctx, ws)
}

// ResultRegistry owns all results of a project.
type ResultRegistry struct {
	m     map[string]*Result
	names []string
}

func NewResultRegistry() *ResultRegistry {
	return &ResultRegistry{m: map[string]*Result{}}
}

func (r *ResultRegistry) Add(res *Result) error {
	if _, ok := r.m[res.Name]; ok {
		return Errorf(KindConfig, "duplicate result %q", res.Name)
	}
	r.m[res.Name] = res
	return nil
}

func (r *ResultRegistry) Get(name string) (*Result, error) {
	res, ok := r.m[name]
	if !ok {
		return nil, errors.Errorf("no such result: %q", name)
	}
	return res, nil
}

func (r *ResultRegistry) Freeze() {
	r.names = r.names[:0]
	for name := range r.m {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
}

func (r *ResultRegistry) Names() []string {
	return r.names
}

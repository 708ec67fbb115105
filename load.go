//go:generate go run ./cmd/gen-config-schema ./schemas
package e2factory

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/sirupsen/logrus"

	"github.com/emlix/e2factory/cache"
)

// Config documents. Every config file carries exactly one recognized
// top-level key; unknown keys anywhere are a configuration error.
type projectDoc struct {
	Project *ProjectConfig `yaml:"project" json:"project"`
}

type chrootDoc struct {
	Chroot *ChrootConfig `yaml:"chroot" json:"chroot"`
}

// ChrootConfig is the proj/chroot document body.
type ChrootConfig struct {
	DefaultGroups []string       `yaml:"default_groups" json:"default_groups" jsonschema:"required"`
	Groups        []*GroupConfig `yaml:"groups" json:"groups" jsonschema:"required"`
}

// GroupConfig declares one chroot group. Files inherit the group server.
type GroupConfig struct {
	Name   string  `yaml:"name" json:"name" jsonschema:"required"`
	Server string  `yaml:"server,omitempty" json:"server,omitempty"`
	Files  []*File `yaml:"files" json:"files" jsonschema:"required"`
}

type licenceDoc struct {
	Licences map[string]*LicenceConfig `yaml:"licences" json:"licences"`
}

// LicenceConfig declares one licence. Files inherit the licence server.
type LicenceConfig struct {
	Server string  `yaml:"server,omitempty" json:"server,omitempty"`
	Files  []*File `yaml:"files" json:"files" jsonschema:"required"`
}

type sourceDoc struct {
	Source *RawSource `yaml:"source" json:"source"`
}

type resultDoc struct {
	Result *ResultConfig `yaml:"result" json:"result"`
}

// decodeStrictFile loads a YAML config file with unknown keys rejected.
func decodeStrictFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return Wrapf(KindConfig, err, "loading %s", path)
	}
	if err := yaml.UnmarshalWithOptions(data, v, yaml.Strict()); err != nil {
		return Wrapf(KindConfig, err, "loading %s", path)
	}
	return nil
}

// LoadOptions tune workspace construction.
type LoadOptions struct {
	// CheckRemote enables remote checksum verification in FileID
	// computations.
	CheckRemote bool
	// DisableHashCache skips the persistent checksum cache, as required
	// in release mode.
	DisableHashCache bool
	Log              *logrus.Logger
}

// LoadWorkspace locates the project root above dir and constructs the
// singletons: project, servers, cache, licences, chroot groups, sources
// and results, fully validated and frozen.
func LoadWorkspace(ctx context.Context, dir string, opts LoadOptions) (*Workspace, error) {
	root, err := FindRoot(dir)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	ws := &Workspace{
		Root:        root,
		Log:         log,
		CheckRemote: opts.CheckRemote,
	}

	// project + servers
	var pdoc projectDoc
	if err := decodeStrictFile(ws.Path(ProjConfig), &pdoc); err != nil {
		return nil, err
	}
	if pdoc.Project == nil {
		return nil, Errorf(KindConfig, "%s: missing project table", ProjConfig)
	}
	ws.Project, err = newProject(pdoc.Project)
	if err != nil {
		return nil, err
	}

	reg := cache.NewRegistry()
	if err := reg.AddProjectRoot(root); err != nil {
		return nil, WithKind(KindConfig, err)
	}
	for name, sc := range pdoc.Project.Servers {
		err := reg.Add(&cache.Server{
			Name:            name,
			URL:             sc.URL,
			Cache:           sc.Cache,
			Writeback:       sc.Writeback,
			PushPermissions: sc.PushPermissions,
		})
		if err != nil {
			return nil, WithKind(KindConfig, err)
		}
	}
	reg.Freeze()

	var hc *cache.HashCache
	if !opts.DisableHashCache {
		hc, err = cache.OpenHashCache(ws.Path(HashCacheFile))
		if err != nil {
			log.Warnf("ignoring unreadable hashcache: %v", err)
		}
	}
	ws.Cache, err = cache.New(reg, ws.Path(DotDir, "cache"), hc, log)
	if err != nil {
		return nil, WithKind(KindSandbox, err)
	}

	if err := loadProjEnv(ws); err != nil {
		return nil, err
	}
	if err := loadLicences(ws); err != nil {
		return nil, err
	}
	if err := loadChroot(ws); err != nil {
		return nil, err
	}
	if err := loadSources(ws); err != nil {
		return nil, err
	}
	if err := loadResults(ws); err != nil {
		return nil, err
	}
	if err := ws.VerifyAcyclic(); err != nil {
		return nil, err
	}
	for _, name := range ws.Project.DefaultResults {
		if _, err := ws.Results.Get(name); err != nil {
			return nil, Wrapf(KindConfig, err, "project: default_results")
		}
	}
	for _, name := range ws.Project.DeployResults {
		if _, err := ws.Results.Get(name); err != nil {
			return nil, Wrapf(KindConfig, err, "project: deploy_results")
		}
	}
	return ws, nil
}

// loadProjEnv reads proj/env: string values are global environment,
// mapping values are per-result scopes.
func loadProjEnv(ws *Workspace) error {
	path := ws.Path(ProjEnvFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return Wrapf(KindConfig, err, "loading %s", ProjEnvFile)
	}
	var doc struct {
		Env map[string]interface{} `yaml:"env"`
	}
	if err := yaml.UnmarshalWithOptions(data, &doc, yaml.Strict()); err != nil {
		return Wrapf(KindConfig, err, "loading %s", ProjEnvFile)
	}
	for key, value := range doc.Env {
		switch v := value.(type) {
		case string:
			ws.Project.GlobalEnv.Set(key, v)
		case map[string]interface{}:
			scoped := NewEnv()
			for k, raw := range v {
				s, ok := raw.(string)
				if !ok {
					return Errorf(KindConfig, "%s: env %s.%s is not a string",
						ProjEnvFile, key, k)
				}
				scoped.Set(k, s)
			}
			ws.Project.ResultEnv[key] = scoped
		default:
			return Errorf(KindConfig, "%s: env %s must be a string or a table",
				ProjEnvFile, key)
		}
	}
	return nil
}

func loadLicences(ws *Workspace) error {
	ws.Licences = NewLicenceRegistry()
	var doc licenceDoc
	if err := decodeStrictFile(ws.Path(ProjLicences), &doc); err != nil {
		return err
	}
	if doc.Licences == nil {
		return Errorf(KindConfig, "%s: missing licences table", ProjLicences)
	}
	for name, lc := range doc.Licences {
		l := &Licence{Name: name, Files: lc.Files}
		for _, f := range l.Files {
			if f.Server == "" {
				f.Server = lc.Server
			}
		}
		if err := ws.Licences.Add(l); err != nil {
			return err
		}
	}
	ws.Licences.Freeze()
	for _, name := range ws.Licences.Names() {
		l, _ := ws.Licences.Get(name)
		for _, f := range l.Files {
			if err := f.Validate(ws, "licence "+name); err != nil {
				return err
			}
			if action, _ := f.Action(); action != "" {
				return Errorf(KindConfig, "licence %q: file %q cannot have an action",
					name, f.Location)
			}
		}
	}
	return nil
}

func loadChroot(ws *Workspace) error {
	ws.Chroots = NewChrootRegistry()
	var doc chrootDoc
	if err := decodeStrictFile(ws.Path(ProjChroot), &doc); err != nil {
		return err
	}
	if doc.Chroot == nil {
		return Errorf(KindConfig, "%s: missing chroot table", ProjChroot)
	}
	for _, gc := range doc.Chroot.Groups {
		g := &ChrootGroup{Name: gc.Name, Files: gc.Files}
		for _, f := range g.Files {
			if f.Server == "" {
				f.Server = gc.Server
			}
		}
		if err := ws.Chroots.Add(g); err != nil {
			return err
		}
	}
	ws.Chroots.DefaultGroups = doc.Chroot.DefaultGroups
	ws.Chroots.Freeze()
	for _, name := range doc.Chroot.DefaultGroups {
		if _, err := ws.Chroots.Get(name); err != nil {
			return Wrapf(KindConfig, err, "%s: default_groups", ProjChroot)
		}
	}
	for _, name := range ws.Chroots.Names() {
		g, _ := ws.Chroots.Get(name)
		if len(g.Files) == 0 {
			return Errorf(KindConfig, "chroot group %q has no files", name)
		}
		for _, f := range g.Files {
			if err := f.Validate(ws, "chroot group "+name); err != nil {
				return err
			}
			if _, err := TarType(f.Location); err != nil {
				return Wrapf(KindConfig, err, "chroot group %q", name)
			}
		}
	}
	return nil
}

// walkConfigs finds config files below base (src/ or res/), mapping
// nested directories onto group-dot names.
func walkConfigs(root, base string) (map[string]string, error) {
	found := map[string]string{}
	dir := filepath.Join(root, base)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return nil
			}
			return err
		}
		if d.IsDir() || d.Name() != "config" {
			return nil
		}
		rel, err := filepath.Rel(dir, filepath.Dir(path))
		if err != nil {
			return err
		}
		name := strings.ReplaceAll(filepath.ToSlash(rel), "/", ".")
		found[name] = path
		return nil
	})
	if err != nil {
		return nil, Wrapf(KindConfig, err, "scanning %s", base)
	}
	return found, nil
}

func loadSources(ws *Workspace) error {
	if ws.Sources == nil {
		ws.Sources = NewSourceRegistry()
	}
	configs, err := walkConfigs(ws.Root, SrcDir)
	if err != nil {
		return err
	}
	for name, path := range configs {
		var doc sourceDoc
		if err := decodeStrictFile(path, &doc); err != nil {
			return err
		}
		if doc.Source == nil {
			return Errorf(KindConfig, "%s: missing source table", path)
		}
		if doc.Source.Name == "" {
			doc.Source.Name = name
		}
		if doc.Source.Name != name {
			return Errorf(KindConfig, "%s: source name %q does not match directory %q",
				path, doc.Source.Name, name)
		}
		src, err := ws.Sources.NewSource(doc.Source, ws)
		if err != nil {
			return err
		}
		if err := ws.Sources.Add(src); err != nil {
			return err
		}
	}
	ws.Sources.Freeze()
	for _, name := range ws.Sources.Names() {
		src, _ := ws.Sources.Get(name)
		if err := src.Validate(ws); err != nil {
			return err
		}
	}
	return nil
}

func loadResults(ws *Workspace) error {
	ws.Results = NewResultRegistry()
	configs, err := walkConfigs(ws.Root, ResDir)
	if err != nil {
		return err
	}
	for name, path := range configs {
		var doc resultDoc
		if err := decodeStrictFile(path, &doc); err != nil {
			return err
		}
		if doc.Result == nil {
			return Errorf(KindConfig, "%s: missing result table", path)
		}
		if err := ws.Results.Add(newResult(name, doc.Result)); err != nil {
			return err
		}
	}
	ws.Results.Freeze()
	for _, name := range ws.Results.Names() {
		r, _ := ws.Results.Get(name)
		if err := r.Validate(ws); err != nil {
			return err
		}
	}
	return nil
}

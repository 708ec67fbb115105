package e2factory

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/moby/patternmatcher"

	"github.com/emlix/e2factory/cache"
)

// Architectures a chroot can target.
const (
	ArchX8632 = "x86_32"
	ArchX8664 = "x86_64"
)

// ProjectConfig is the proj/config document.
type ProjectConfig struct {
	Name       string `yaml:"name" json:"name" jsonschema:"required"`
	ReleaseID  string `yaml:"release_id" json:"release_id" jsonschema:"required"`
	ChrootArch string `yaml:"chroot_arch" json:"chroot_arch" jsonschema:"required"`

	DefaultResults []string `yaml:"default_results,omitempty" json:"default_results,omitempty"`
	DeployResults  []string `yaml:"deploy_results,omitempty" json:"deploy_results,omitempty"`
	// Checksums is the required-checksums policy, a subset of
	// {sha1, sha256}. Defaults to sha1.
	Checksums []string `yaml:"checksums,omitempty" json:"checksums,omitempty"`

	Servers map[string]ServerConfig `yaml:"servers,omitempty" json:"servers,omitempty"`
}

// ServerConfig declares a storage endpoint in proj/config.
type ServerConfig struct {
	URL             string `yaml:"url" json:"url" jsonschema:"required"`
	Cache           bool   `yaml:"cache,omitempty" json:"cache,omitempty"`
	Writeback       bool   `yaml:"writeback,omitempty" json:"writeback,omitempty"`
	PushPermissions string `yaml:"push_permissions,omitempty" json:"push_permissions,omitempty"`
}

// Project is the validated project configuration plus the global and
// per-result environment from proj/env.
type Project struct {
	Name           string
	ReleaseID      string
	ChrootArch     string
	DefaultResults []string
	DeployResults  []string

	GlobalEnv *Env
	// ResultEnv holds the per-result scopes of proj/env, keyed by result
	// name.
	ResultEnv map[string]*Env

	requiredChecksums []cache.Alg
}

func newProject(cfg *ProjectConfig) (*Project, error) {
	p := &Project{
		Name:           cfg.Name,
		ReleaseID:      cfg.ReleaseID,
		ChrootArch:     cfg.ChrootArch,
		DefaultResults: cfg.DefaultResults,
		DeployResults:  cfg.DeployResults,
		GlobalEnv:      NewEnv(),
		ResultEnv:      map[string]*Env{},
	}
	if p.Name == "" {
		return nil, Errorf(KindConfig, "project: name is required")
	}
	if p.ReleaseID == "" {
		return nil, Errorf(KindConfig, "project: release_id is required")
	}
	switch p.ChrootArch {
	case ArchX8632, ArchX8664:
	default:
		return nil, Errorf(KindConfig, "project: chroot_arch must be %s or %s, got %q",
			ArchX8632, ArchX8664, p.ChrootArch)
	}
	if len(cfg.Checksums) == 0 {
		p.requiredChecksums = []cache.Alg{cache.SHA1}
	} else {
		seen := map[cache.Alg]bool{}
		for _, c := range cfg.Checksums {
			alg := cache.Alg(c)
			if alg != cache.SHA1 && alg != cache.SHA256 {
				return nil, Errorf(KindConfig, "project: unknown checksum algorithm %q", c)
			}
			if seen[alg] {
				return nil, Errorf(KindConfig, "project: duplicate checksum algorithm %q", c)
			}
			seen[alg] = true
		}
		// fixed policy order regardless of declaration order
		for _, alg := range cache.Algs {
			if seen[alg] {
				p.requiredChecksums = append(p.requiredChecksums, alg)
			}
		}
	}
	return p, nil
}

// DeploysResult reports whether name is in deploy_results.
func (p *Project) DeploysResult(name string) bool {
	for _, r := range p.DeployResults {
		if r == name {
			return true
		}
	}
	return false
}

// initBackupPatterns match editor backup files excluded from proj/init
// processing.
var initBackupPatterns = []string{"*~", "*.bak", "#*#", ".*"}

// InitFiles lists the non-backup files under proj/init, sorted by their
// location relative to the init directory.
func (ws *Workspace) InitFiles() ([]string, error) {
	dir := ws.Path(ProjInitDir)
	pm, err := patternmatcher.New(initBackupPatterns)
	if err != nil {
		return nil, WithKind(KindConfig, err)
	}
	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if matched, _ := pm.MatchesOrParentMatches(rel); matched {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, Wrapf(KindConfig, err, "listing %s", ProjInitDir)
	}
	sort.Strings(files)
	return files, nil
}

// ProjID hashes the contents of every non-backup proj/init file keyed by
// location, the release id, the project name, the chroot architecture and
// the tool major version. Memoised per workspace.
func (ws *Workspace) ProjID(ctx context.Context) (string, error) {
	if ws.projid != "" {
		return ws.projid, nil
	}
	files, err := ws.InitFiles()
	if err != nil {
		return "", err
	}
	h := NewHash()
	for _, rel := range files {
		sums, err := ws.Cache.Checksums(filepath.Join(ws.Path(ProjInitDir), rel), []cache.Alg{cache.SHA1})
		if err != nil {
			return "", Wrapf(KindIntegrity, err, "hashing %s/%s", ProjInitDir, rel)
		}
		h.AppendLine(filepath.ToSlash(rel))
		h.AppendLine(sums[cache.SHA1])
	}
	h.AppendLine(ws.Project.ReleaseID)
	h.AppendLine(ws.Project.Name)
	h.AppendLine(ws.Project.ChrootArch)
	h.AppendLine(MajorVersion)
	ws.projid = h.Finish()
	return ws.projid, nil
}

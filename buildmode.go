package e2factory

import (
	"crypto/rand"
	"path"

	"github.com/pkg/errors"

	"github.com/emlix/e2factory/cache"
)

// BuildMode fixes the source-set semantics, the cache storage, the
// deployment behaviour and the BuildID flavour of one invocation. Exactly
// one mode is active per build.
type BuildMode struct {
	Name      string
	SourceSet SourceSet
	// Deploy copies release results to the long-term archive.
	Deploy bool

	// scratch caches random BuildIDs per base so they are stable within
	// one process invocation but fresh across invocations.
	scratch map[string]string
}

// The recognized build modes, exhaustively.
func ModeTag() *BuildMode {
	return &BuildMode{Name: "tag", SourceSet: SetTag}
}

func ModeBranch() *BuildMode {
	return &BuildMode{Name: "branch", SourceSet: SetBranch}
}

func ModeRelease() *BuildMode {
	return &BuildMode{Name: "release", SourceSet: SetTag, Deploy: true}
}

func ModeWorkingCopy() *BuildMode {
	return &BuildMode{Name: "working-copy", SourceSet: SetWorkingCopy, scratch: map[string]string{}}
}

// ModeByName resolves a mode name from the command line.
func ModeByName(name string) (*BuildMode, error) {
	switch name {
	case "tag":
		return ModeTag(), nil
	case "branch":
		return ModeBranch(), nil
	case "release":
		return ModeRelease(), nil
	case "working-copy":
		return ModeWorkingCopy(), nil
	}
	return nil, errors.Errorf("unknown build mode %q", name)
}

// ApplyBuildID maps the stable base BuildID to the mode's flavour:
// identity for tag, branch and release; a per-process scratch ID for
// working-copy, since working-copy inputs have no stable identity.
func (m *BuildMode) ApplyBuildID(base string) (string, error) {
	if m.SourceSet != SetWorkingCopy {
		return base, nil
	}
	if id, ok := m.scratch[base]; ok {
		return id, nil
	}
	entropy := make([]byte, 16)
	if _, err := rand.Read(entropy); err != nil {
		return "", errors.Wrap(err, "generating scratch build id")
	}
	h := NewHash()
	h.Append(base)
	h.Append(string(entropy))
	id := "scratch-" + h.Finish()
	m.scratch[base] = id
	return id, nil
}

// StorageLocation returns the server and directory location that hold a
// result's result.tar for this mode.
func (m *BuildMode) StorageLocation(ws *Workspace, resultName, buildid string) (server, location string) {
	switch m.Name {
	case "release":
		return cache.ResultsServer,
			path.Join("release", ws.Project.ReleaseID, resultName, buildid)
	case "working-copy":
		return cache.ProjectServer, path.Join(OutDir, resultName, buildid)
	default:
		return cache.ResultsServer, path.Join("shared", resultName, buildid)
	}
}

// DeployLocation returns the archive directory for a deployed result.
func (m *BuildMode) DeployLocation(ws *Workspace, resultName string) string {
	return path.Join("archive", ws.Project.ReleaseID, resultName)
}

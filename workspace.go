// Package e2factory implements the object model of the build engine: the
// project, its results, sources, chroot groups and licences, and the
// deterministic ID algebra that makes builds content-addressed.
package e2factory

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/emlix/e2factory/cache"
)

// Version is the tool version. The major version participates in ProjID:
// bumping it invalidates every cached result.
const Version = "2.4.0"

// MajorVersion is the part of Version hashed into ProjID.
const MajorVersion = "2"

// Project-root layout constants.
const (
	DotDir        = ".e2"
	HashCacheFile = ".e2/hashcache"
	ProjConfig    = "proj/config"
	ProjEnvFile   = "proj/env"
	ProjChroot    = "proj/chroot"
	ProjLicences  = "proj/licences"
	ProjInitDir   = "proj/init"
	SrcDir        = "src"
	ResDir        = "res"
	OutDir        = "out"
	LogDir        = "log"
)

// Workspace bundles the singletons owned by one driver invocation. It is
// threaded explicitly through all ID and pipeline computations so tests
// can create independent instances.
type Workspace struct {
	Root     string
	Project  *Project
	Cache    *cache.Cache
	Licences *LicenceRegistry
	Chroots  *ChrootRegistry
	Sources  *SourceRegistry
	Results  *ResultRegistry
	Log      *logrus.Logger

	// CheckRemote enables remote checksum verification during FileID
	// computation.
	CheckRemote bool

	projid string
}

// FindRoot walks upwards from dir until it finds a directory containing
// the .e2 marker directory.
func FindRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrap(err, "locating project root")
	}
	for {
		if fi, err := os.Stat(filepath.Join(abs, DotDir)); err == nil && fi.IsDir() {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", Errorf(KindConfig, "not inside an e2factory project (no %s directory found)", DotDir)
		}
		abs = parent
	}
}

// Path joins p onto the project root.
func (ws *Workspace) Path(p ...string) string {
	return filepath.Join(append([]string{ws.Root}, p...)...)
}

// RequiredChecksums returns the project checksum policy in fixed order.
func (ws *Workspace) RequiredChecksums() []cache.Alg {
	return ws.Project.requiredChecksums
}

package e2factory

import (
	"context"

	"github.com/pkg/errors"

	"github.com/emlix/e2factory/cache"
)

// File is an immutable descriptor of a single remote or project-local
// file: where it lives, how its content is pinned, which licences cover
// it, and what to do with it when staging a build.
type File struct {
	// Server names the storage endpoint; a file entry inside a group or
	// licence inherits the parent's server when empty.
	Server   string `yaml:"server,omitempty" json:"server,omitempty"`
	Location string `yaml:"location" json:"location" jsonschema:"required"`

	SHA1   string `yaml:"sha1,omitempty" json:"sha1,omitempty"`
	SHA256 string `yaml:"sha256,omitempty" json:"sha256,omitempty"`

	// At most one of Unpack, Copy, Patch may be set. Unpack names the
	// directory the archive unpacks to, Copy the destination name, Patch
	// the -p strip level.
	Unpack string `yaml:"unpack,omitempty" json:"unpack,omitempty"`
	Copy   string `yaml:"copy,omitempty" json:"copy,omitempty"`
	Patch  string `yaml:"patch,omitempty" json:"patch,omitempty"`

	Licences []string `yaml:"licences,omitempty" json:"licences,omitempty"`

	fileid   string
	computed map[cache.Alg]string
}

// Action returns the set one-of action and its value, or "" if none is
// set.
func (f *File) Action() (action, value string) {
	switch {
	case f.Unpack != "":
		return "unpack", f.Unpack
	case f.Copy != "":
		return "copy", f.Copy
	case f.Patch != "":
		return "patch", f.Patch
	}
	return "", ""
}

func (f *File) declared(alg cache.Alg) string {
	switch alg {
	case cache.SHA1:
		return f.SHA1
	case cache.SHA256:
		return f.SHA256
	}
	return ""
}

// Validate checks the descriptor against the workspace. ctxName names the
// owning entity for diagnostics.
func (f *File) Validate(ws *Workspace, ctxName string) error {
	if f.Location == "" {
		return Errorf(KindConfig, "%s: file without location", ctxName)
	}
	if f.Server == "" {
		return Errorf(KindConfig, "%s: file %q has no server", ctxName, f.Location)
	}
	srv, err := ws.Cache.Registry().Get(f.Server)
	if err != nil {
		return Wrapf(KindConfig, err, "%s: file %q", ctxName, f.Location)
	}

	actions := 0
	for _, v := range []string{f.Unpack, f.Copy, f.Patch} {
		if v != "" {
			actions++
		}
	}
	if actions > 1 {
		return Errorf(KindConfig, "%s: file %q sets more than one of unpack, copy, patch",
			ctxName, f.Location)
	}

	for _, alg := range cache.Algs {
		if sum := f.declared(alg); sum != "" && !cache.ValidChecksum(alg, sum) {
			return Errorf(KindConfig, "%s: file %q has malformed %s checksum %q",
				ctxName, f.Location, alg, sum)
		}
	}
	if !srv.IsLocal() {
		ok := false
		for _, alg := range ws.RequiredChecksums() {
			if f.declared(alg) != "" {
				ok = true
				break
			}
		}
		if !ok {
			return Errorf(KindConfig,
				"%s: file %q on server %q needs a checksum (policy: %v)",
				ctxName, f.Location, f.Server, ws.RequiredChecksums())
		}
	}
	for _, lic := range f.Licences {
		if _, err := ws.Licences.Get(lic); err != nil {
			return Wrapf(KindConfig, err, "%s: file %q", ctxName, f.Location)
		}
	}
	return nil
}

// checksum returns the checksum for alg, preferring the declared value and
// computing over a fetched copy otherwise. Computed values are memoised.
func (f *File) checksum(ctx context.Context, ws *Workspace, alg cache.Alg) (string, error) {
	if sum := f.declared(alg); sum != "" {
		return sum, nil
	}
	if sum, ok := f.computed[alg]; ok {
		return sum, nil
	}
	path, err := ws.Cache.FetchFilePath(ctx, f.Server, f.Location, true)
	if err != nil {
		return "", Wrapf(KindTransport, err, "file %s:%s", f.Server, f.Location)
	}
	sums, err := ws.Cache.Checksums(path, []cache.Alg{alg})
	if err != nil {
		return "", Wrapf(KindIntegrity, err, "file %s:%s", f.Server, f.Location)
	}
	if f.computed == nil {
		f.computed = map[cache.Alg]string{}
	}
	f.computed[alg] = sums[alg]
	return sums[alg], nil
}

// FileID computes the content-addressed identity of the file: server,
// location, every policy checksum, the licence IDs in declared order and
// the one-of action value. The result is memoised.
func (f *File) FileID(ctx context.Context, ws *Workspace) (string, error) {
	if f.fileid != "" {
		return f.fileid, nil
	}
	h := NewHash()
	h.Append(f.Server)
	h.Append(f.Location)
	for _, alg := range ws.RequiredChecksums() {
		sum, err := f.checksum(ctx, ws, alg)
		if err != nil {
			return "", err
		}
		h.Append(sum)
	}
	// Verification runs after the checksums are hashed so a configured
	// checksum participates in the FileID even when verification is
	// skipped.
	if ws.CheckRemote {
		if err := f.ChecksumVerify(ctx, ws); err != nil {
			return "", err
		}
	}
	for _, lic := range f.Licences {
		l, err := ws.Licences.Get(lic)
		if err != nil {
			return "", WithKind(KindConfig, err)
		}
		lid, err := l.LicenceID(ctx, ws)
		if err != nil {
			return "", err
		}
		h.Append(lid)
	}
	if _, value := f.Action(); value != "" {
		h.Append(value)
	}
	f.fileid = h.Finish()
	return f.fileid, nil
}

// ChecksumVerify collects, per enabled algorithm, up to three checksums
// (cached copy, remote, freshly fetched) and requires full agreement with
// each other and with the configured value.
func (f *File) ChecksumVerify(ctx context.Context, ws *Workspace) error {
	for _, alg := range ws.RequiredChecksums() {
		type sum struct {
			origin string
			value  string
		}
		var sums []sum

		cached := false
		if ws.Cache.CacheEnabled(f.Server) {
			path, err := ws.Cache.FetchFilePath(ctx, f.Server, f.Location, true)
			if err != nil {
				return Wrapf(KindTransport, err, "verifying %s:%s", f.Server, f.Location)
			}
			cs, err := ws.Cache.Checksums(path, []cache.Alg{alg})
			if err != nil {
				return Wrapf(KindIntegrity, err, "verifying %s:%s", f.Server, f.Location)
			}
			sums = append(sums, sum{"cache", cs[alg]})
			cached = true
		}
		remote := false
		if ws.CheckRemote {
			rs, err := ws.Cache.RemoteChecksum(ctx, f.Server, f.Location, alg)
			switch {
			case errors.Is(err, cache.ErrUnsupported):
				// fall through to a fresh fetch
			case err != nil:
				return Wrapf(KindTransport, err, "verifying %s:%s", f.Server, f.Location)
			default:
				sums = append(sums, sum{"remote", rs})
				remote = true
			}
		}
		// a fresh fetch stands in for every origin that did not
		// contribute, so a stale cache entry can never verify against
		// itself alone
		if !cached || !remote {
			path, err := ws.Cache.FetchFilePath(ctx, f.Server, f.Location, false)
			if err != nil {
				return Wrapf(KindTransport, err, "verifying %s:%s", f.Server, f.Location)
			}
			cs, err := cache.Compute(path, []cache.Alg{alg})
			if err != nil {
				return Wrapf(KindIntegrity, err, "verifying %s:%s", f.Server, f.Location)
			}
			sums = append(sums, sum{"fetched", cs[alg]})
		}

		for i := 1; i < len(sums); i++ {
			if sums[i].value != sums[0].value {
				return Errorf(KindIntegrity,
					"checksum verification failed for %s:%s: %s %s disagrees with %s %s (%s)",
					f.Server, f.Location, sums[0].origin, sums[0].value,
					sums[i].origin, sums[i].value, alg)
			}
		}
		if configured := f.declared(alg); configured != "" && configured != sums[0].value {
			return Errorf(KindIntegrity,
				"checksum verification failed: configured %s computed %s",
				configured, sums[0].value)
		}
	}
	return nil
}

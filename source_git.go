package e2factory

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/emlix/e2factory/cache"
)

// gitCmd runs git with args in dir and returns trimmed stdout. The
// indirection keeps the SCM testable without a git binary.
type gitCmd func(ctx context.Context, dir string, args ...string) (string, error)

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Wrapf(err, "git %s: %s", strings.Join(args, " "),
			strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// GitSource is the git SCM type. Branch and tag names are deliberately
// excluded from the SourceID; only the commit object name identifies the
// source, so moving a ref without changing the commit keeps the ID.
type GitSource struct {
	name     string
	server   string
	location string
	branch   string
	tag      string
	working  string // relative to the project root
	licences []string
	env      *Env

	run gitCmd
	ids map[SourceSet]string
}

func newGitSource(raw *RawSource, ws *Workspace) (Source, error) {
	if len(raw.Files) > 0 {
		return nil, Errorf(KindConfig, "source %q: git source cannot have files", raw.Name)
	}
	s := &GitSource{
		name:     raw.Name,
		server:   raw.Server,
		location: raw.Location,
		branch:   raw.Branch,
		tag:      raw.Tag,
		working:  raw.Working,
		licences: raw.Licences,
		env:      NewEnv(),
		run:      execGit,
		ids:      map[SourceSet]string{},
	}
	for k, v := range raw.Env {
		s.env.Set(k, v)
	}
	if s.branch == "" {
		s.branch = "master"
	}
	// The default working directory is applied here, exactly once.
	if s.working == "" {
		s.working = filepath.Join("in", s.name)
	}
	return s, nil
}

func (s *GitSource) Name() string       { return s.name }
func (s *GitSource) Type() string       { return "git" }
func (s *GitSource) Licences() []string { return s.licences }
func (s *GitSource) Env() *Env          { return s.env }

func (s *GitSource) Validate(ws *Workspace) error {
	if err := ValidateName(s.name); err != nil {
		return err
	}
	if s.server == "" || s.location == "" {
		return Errorf(KindConfig, "source %q: git source needs server and location", s.name)
	}
	if !ws.Cache.Registry().Has(s.server) {
		return Errorf(KindConfig, "source %q: unknown server %q", s.name, s.server)
	}
	for _, lic := range s.licences {
		if _, err := ws.Licences.Get(lic); err != nil {
			return Wrapf(KindConfig, err, "source %q", s.name)
		}
	}
	return nil
}

func (s *GitSource) workingPath(ws *Workspace) string {
	return ws.Path(s.working)
}

// remoteURL renders the git URL of the configured server and location.
// rsync+ssh and scp server URLs collapse to the ssh form git understands.
func (s *GitSource) remoteURL(ws *Workspace) (string, error) {
	u, err := ws.Cache.RemoteURL(s.server, s.location)
	if err != nil {
		return "", WithKind(KindConfig, err)
	}
	u = strings.TrimPrefix(u, "rsync+")
	u = strings.Replace(u, "scp://", "ssh://", 1)
	return u, nil
}

func (s *GitSource) WorkingCopyAvailable(ws *Workspace) bool {
	fi, err := os.Stat(filepath.Join(s.workingPath(ws), ".git"))
	return err == nil && fi.IsDir()
}

func (s *GitSource) Fetch(ctx context.Context, ws *Workspace) error {
	u, err := s.remoteURL(ws)
	if err != nil {
		return err
	}
	wc := s.workingPath(ws)
	if err := os.MkdirAll(filepath.Dir(wc), 0o755); err != nil {
		return Wrapf(KindTransport, err, "fetching source %q", s.name)
	}
	if _, err := s.run(ctx, filepath.Dir(wc), "clone", "--", u, filepath.Base(wc)); err != nil {
		return Wrapf(KindTransport, err, "fetching source %q", s.name)
	}
	// Set up the local tracking branch; an existing branch is benign.
	if _, err := s.run(ctx, wc, "checkout", "-b", s.branch, "origin/"+s.branch); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return Wrapf(KindTransport, err, "source %q: setting up tracking branch %q", s.name, s.branch)
		}
	}
	return nil
}

func (s *GitSource) Update(ctx context.Context, ws *Workspace) error {
	wc := s.workingPath(ws)
	if _, err := s.run(ctx, wc, "fetch"); err != nil {
		return Wrapf(KindTransport, err, "updating source %q", s.name)
	}
	cur, err := s.run(ctx, wc, "branch", "--show-current")
	if err != nil {
		return Wrapf(KindTransport, err, "updating source %q", s.name)
	}
	if cur != s.branch {
		ws.Log.Infof("source %q: working copy is on %q, not pulling %q", s.name, cur, s.branch)
		return nil
	}
	if _, err := s.run(ctx, wc, "pull"); err != nil {
		return Wrapf(KindTransport, err, "updating source %q", s.name)
	}
	return nil
}

// revision resolves the commit object name for the source-set: the working
// copy HEAD, the branch head, or the tag. Without a working copy the
// remote refs are consulted.
func (s *GitSource) revision(ctx context.Context, ws *Workspace, set SourceSet) (string, error) {
	set = resolveLazyTag(set, s.tag != "")
	wc := s.workingPath(ws)
	switch set {
	case SetWorkingCopy:
		if !s.WorkingCopyAvailable(ws) {
			return "", Errorf(KindConfig, "source %q: no working copy at %s", s.name, wc)
		}
		return s.revParse(ctx, ws, wc, "HEAD")
	case SetTag:
		if s.tag == "" {
			return "", Errorf(KindConfig, "source %q: no tag configured", s.name)
		}
		if s.WorkingCopyAvailable(ws) {
			return s.revParse(ctx, ws, wc, "refs/tags/"+s.tag+"^{commit}")
		}
		return s.lsRemote(ctx, ws, "refs/tags/"+s.tag)
	case SetBranch:
		if s.WorkingCopyAvailable(ws) {
			return s.revParse(ctx, ws, wc, "refs/remotes/origin/"+s.branch)
		}
		return s.lsRemote(ctx, ws, "refs/heads/"+s.branch)
	}
	return "", Errorf(KindConfig, "source %q: unknown source-set %q", s.name, set)
}

func (s *GitSource) revParse(ctx context.Context, ws *Workspace, dir, ref string) (string, error) {
	out, err := s.run(ctx, dir, "rev-parse", "--verify", ref)
	if err != nil {
		return "", Wrapf(KindTransport, err, "source %q: resolving %s", s.name, ref)
	}
	if !cache.ValidChecksum(cache.SHA1, out) {
		return "", Errorf(KindIntegrity, "source %q: bad object name %q for %s", s.name, out, ref)
	}
	return out, nil
}

func (s *GitSource) lsRemote(ctx context.Context, ws *Workspace, ref string) (string, error) {
	u, err := s.remoteURL(ws)
	if err != nil {
		return "", err
	}
	out, err := s.run(ctx, ws.Root, "ls-remote", u, ref, ref+"^{}")
	if err != nil {
		return "", Wrapf(KindTransport, err, "source %q: listing %s", s.name, ref)
	}
	// Prefer the peeled ^{} line so annotated tags resolve to commits.
	rev := ""
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[1] == ref+"^{}" {
			rev = fields[0]
			break
		}
		if fields[1] == ref {
			rev = fields[0]
		}
	}
	if rev == "" {
		return "", Errorf(KindTransport, "source %q: ref %s not found on %s", s.name, ref, u)
	}
	if !cache.ValidChecksum(cache.SHA1, rev) {
		return "", Errorf(KindIntegrity, "source %q: bad object name %q for %s", s.name, rev, ref)
	}
	return rev, nil
}

func (s *GitSource) SourceID(ctx context.Context, ws *Workspace, set SourceSet) (string, error) {
	set = resolveLazyTag(set, s.tag != "")
	if id, ok := s.ids[set]; ok {
		return id, nil
	}
	rev, err := s.revision(ctx, ws, set)
	if err != nil {
		return "", err
	}
	h := NewHash()
	if err := sourceIDHeader(ctx, ws, h, s); err != nil {
		return "", err
	}
	h.AppendLine(s.server)
	h.AppendLine(s.location)
	h.AppendLine(s.working)
	h.AppendLine(rev)
	id := h.Finish()
	s.ids[set] = id
	return id, nil
}

func (s *GitSource) Prepare(ctx context.Context, ws *Workspace, set SourceSet, destdir string) error {
	set = resolveLazyTag(set, s.tag != "")
	if set == SetWorkingCopy {
		return s.copyWorkingTree(ws, filepath.Join(destdir, s.name))
	}
	rev, err := s.revision(ctx, ws, set)
	if err != nil {
		return err
	}
	if !s.WorkingCopyAvailable(ws) {
		if err := s.Fetch(ctx, ws); err != nil {
			return err
		}
	}
	return s.archiveTo(ctx, ws, rev, destdir)
}

// archiveTo runs git archive piped into tar -x, the two processes joined
// by an in-memory pipe.
func (s *GitSource) archiveTo(ctx context.Context, ws *Workspace, rev, destdir string) error {
	if err := os.MkdirAll(destdir, 0o755); err != nil {
		return Wrapf(KindSandbox, err, "preparing source %q", s.name)
	}
	pr, pw := io.Pipe()

	archive := exec.CommandContext(ctx, "git", "archive", "--format=tar",
		"--prefix="+s.name+"/", rev)
	archive.Dir = s.workingPath(ws)
	archive.Stdout = pw
	var archiveErr bytes.Buffer
	archive.Stderr = &archiveErr

	untar := exec.CommandContext(ctx, "tar", "-x", "-C", destdir)
	untar.Stdin = pr
	var untarErr bytes.Buffer
	untar.Stderr = &untarErr

	var eg errgroup.Group
	eg.Go(func() error {
		defer pw.Close()
		if err := archive.Run(); err != nil {
			return errors.Wrapf(err, "git archive %s: %s", rev,
				strings.TrimSpace(archiveErr.String()))
		}
		return nil
	})
	eg.Go(func() error {
		defer pr.Close()
		if err := untar.Run(); err != nil {
			return errors.Wrapf(err, "tar -x: %s", strings.TrimSpace(untarErr.String()))
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return Wrapf(KindSandbox, err, "preparing source %q", s.name)
	}
	return nil
}

// copyWorkingTree copies the working copy, excluding the .git directory,
// into dest.
func (s *GitSource) copyWorkingTree(ws *Workspace, dest string) error {
	wc := s.workingPath(ws)
	pm, err := patternmatcher.New([]string{".git"})
	if err != nil {
		return Wrapf(KindSandbox, err, "preparing source %q", s.name)
	}
	err = filepath.Walk(wc, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(wc, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dest, 0o755)
		}
		if matched, _ := pm.MatchesOrParentMatches(rel); matched {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dest, rel)
		switch {
		case fi.IsDir():
			return os.MkdirAll(target, fi.Mode().Perm())
		case fi.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFileMode(path, target, fi.Mode().Perm())
		}
	})
	if err != nil {
		return Wrapf(KindSandbox, err, "copying working copy of %q", s.name)
	}
	return nil
}

func copyFileMode(src, dest string, mode os.FileMode) error {
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

func (s *GitSource) ToResult(ctx context.Context, ws *Workspace, set SourceSet, destdir string) (string, error) {
	set = resolveLazyTag(set, s.tag != "")
	name := s.name + ".tar.gz"
	dest := filepath.Join(destdir, name)
	if err := os.MkdirAll(destdir, 0o755); err != nil {
		return "", Wrapf(KindSandbox, err, "source %q", s.name)
	}
	if set == SetWorkingCopy {
		staging, err := os.MkdirTemp("", "e2-toresult-")
		if err != nil {
			return "", Wrapf(KindSandbox, err, "source %q", s.name)
		}
		defer os.RemoveAll(staging)
		if err := s.copyWorkingTree(ws, filepath.Join(staging, s.name)); err != nil {
			return "", err
		}
		if _, err := runTar(ctx, "-c", "-z", "-f", dest, "-C", staging, s.name); err != nil {
			return "", Wrapf(KindSandbox, err, "source %q", s.name)
		}
		return name, nil
	}

	rev, err := s.revision(ctx, ws, set)
	if err != nil {
		return "", err
	}
	archive := exec.CommandContext(ctx, "git", "archive", "--format=tar.gz",
		"--prefix="+s.name+"/", "-o", dest, rev)
	archive.Dir = s.workingPath(ws)
	var stderr bytes.Buffer
	archive.Stderr = &stderr
	if err := archive.Run(); err != nil {
		return "", Wrapf(KindSandbox,
			errors.Wrapf(err, "git archive: %s", strings.TrimSpace(stderr.String())),
			"source %q", s.name)
	}
	return name, nil
}

func (s *GitSource) CheckWorkingCopy(ctx context.Context, ws *Workspace) error {
	if !s.WorkingCopyAvailable(ws) {
		return Errorf(KindConfig, "source %q: no working copy at %s", s.name, s.workingPath(ws))
	}
	wc := s.workingPath(ws)
	if _, err := s.run(ctx, wc, "rev-parse", "--verify", "refs/heads/"+s.branch); err != nil {
		return Wrapf(KindConfig, err, "source %q: branch %q does not exist", s.name, s.branch)
	}
	remote, err := s.run(ctx, wc, "config", "branch."+s.branch+".remote")
	if err != nil || remote != "origin" {
		return Errorf(KindConfig, "source %q: branch %q does not track origin", s.name, s.branch)
	}
	originURL, err := s.run(ctx, wc, "config", "remote.origin.url")
	if err != nil {
		return Wrapf(KindConfig, err, "source %q: no origin url", s.name)
	}
	want, err := s.remoteURL(ws)
	if err != nil {
		return err
	}
	if strings.TrimRight(originURL, "/") != strings.TrimRight(want, "/") {
		return Errorf(KindConfig, "source %q: origin url %q does not match configured %q",
			s.name, originURL, want)
	}
	return nil
}

func (s *GitSource) Display() []string {
	lines := []string{
		"type       git",
		"server     " + s.server,
		"location   " + s.location,
		"branch     " + s.branch,
	}
	if s.tag != "" {
		lines = append(lines, "tag        "+s.tag)
	}
	lines = append(lines, "working    "+s.working)
	for _, l := range s.licences {
		lines = append(lines, "licence    "+l)
	}
	return lines
}

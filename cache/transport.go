package cache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrUnsupported is returned for operations a transport cannot perform,
// such as pushing over http or hashing on a server without a remote shell.
var ErrUnsupported = errors.New("operation not supported by transport")

// transientError marks failures that may succeed on a later invocation
// (network hiccups, remote tool exits). The core never retries; the marker
// is for the caller's diagnostics.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a transient transport failure.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// transport moves single files between a server and the local filesystem.
type transport interface {
	// fetch copies server:location to the local file dest.
	fetch(ctx context.Context, srv *Server, location, dest string) error
	// push uploads the local file src to server:location, creating parent
	// directories and replacing the destination atomically where the
	// transport allows it.
	push(ctx context.Context, srv *Server, src, location string) error
	// remoteChecksum computes a checksum on the server side, or returns
	// ErrUnsupported.
	remoteChecksum(ctx context.Context, srv *Server, location string, alg Alg) (string, error)
}

func transportFor(srv *Server) (transport, error) {
	switch srv.u.Scheme {
	case "file":
		return &fileTransport{}, nil
	case "http", "https":
		return &httpTransport{}, nil
	case "rsync", "rsync+ssh":
		return &rsyncTransport{}, nil
	case "ssh", "scp":
		return &sshTransport{}, nil
	}
	return nil, errors.Errorf("server %q: no transport for scheme %q", srv.Name, srv.u.Scheme)
}

// runCmd executes an external command, capturing stdout and surfacing
// stderr in the error.
func runCmd(ctx context.Context, log *logrus.Logger, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if log != nil {
		log.Debugf("exec: %s %s", name, strings.Join(args, " "))
	}
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Wrapf(err, "%s %s: %s", name, strings.Join(args, " "),
			strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// copyFile copies src to dest, replacing dest atomically via a temp file
// in the destination directory.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "copy")
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "copy")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".e2-copy-*")
	if err != nil {
		return errors.Wrap(err, "copy")
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "copying %s", src)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "copying %s", src)
	}
	return errors.Wrap(os.Rename(tmp.Name(), dest), "copy")
}

// linkOrCopy hardlinks src to dest, falling back to a copy across
// filesystems.
func linkOrCopy(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "link")
	}
	os.Remove(dest)
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	return copyFile(src, dest)
}

type fileTransport struct{}

func (t *fileTransport) fetch(ctx context.Context, srv *Server, location, dest string) error {
	src, err := srv.LocalPath(location)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return errors.Wrapf(err, "fetching %s", srv.RemoteURL(location))
	}
	return linkOrCopy(src, dest)
}

func (t *fileTransport) push(ctx context.Context, srv *Server, src, location string) error {
	dest, err := srv.LocalPath(location)
	if err != nil {
		return err
	}
	return copyFile(src, dest)
}

func (t *fileTransport) remoteChecksum(ctx context.Context, srv *Server, location string, alg Alg) (string, error) {
	src, err := srv.LocalPath(location)
	if err != nil {
		return "", err
	}
	sums, err := Compute(src, []Alg{alg})
	if err != nil {
		return "", err
	}
	return sums[alg], nil
}

type httpTransport struct{}

func (t *httpTransport) fetch(ctx context.Context, srv *Server, location, dest string) error {
	u := srv.RemoteURL(location)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrapf(err, "fetching %s", u)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return transient(errors.Wrapf(err, "fetching %s", u))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return transient(errors.Errorf("fetching %s: %s", u, resp.Status))
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "fetch")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".e2-fetch-*")
	if err != nil {
		return errors.Wrap(err, "fetch")
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return transient(errors.Wrapf(err, "fetching %s", u))
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "fetch")
	}
	return errors.Wrap(os.Rename(tmp.Name(), dest), "fetch")
}

func (t *httpTransport) push(ctx context.Context, srv *Server, src, location string) error {
	return errors.Wrapf(ErrUnsupported, "server %q is read-only (http)", srv.Name)
}

func (t *httpTransport) remoteChecksum(ctx context.Context, srv *Server, location string, alg Alg) (string, error) {
	return "", ErrUnsupported
}

// sshSpec splits a server URL into the user@host part and the remote base
// path used by scp/ssh/rsync+ssh invocations.
func sshSpec(srv *Server, location string) (host, remotePath string) {
	host = srv.u.Host
	if srv.u.User != nil {
		host = srv.u.User.Username() + "@" + host
	}
	return host, joinPath(srv.u.Path, location)
}

type rsyncTransport struct{}

func (t *rsyncTransport) target(srv *Server, location string) string {
	if srv.u.Scheme == "rsync+ssh" {
		host, p := sshSpec(srv, location)
		return host + ":" + p
	}
	// rsync daemon syntax: host::module/path
	return srv.u.Host + "::" + strings.TrimLeft(joinPath(srv.u.Path, location), "/")
}

func (t *rsyncTransport) args(srv *Server, extra ...string) []string {
	args := []string{"--times", "--protect-args"}
	if srv.u.Scheme == "rsync+ssh" {
		args = append(args, "-e", "ssh")
	}
	if srv.PushPermissions != "" {
		args = append(args, "--chmod="+srv.PushPermissions)
	}
	return append(args, extra...)
}

func (t *rsyncTransport) fetch(ctx context.Context, srv *Server, location, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "fetch")
	}
	_, err := runCmd(ctx, nil, "rsync", t.args(srv, t.target(srv, location), dest)...)
	return transient(err)
}

func (t *rsyncTransport) push(ctx context.Context, srv *Server, src, location string) error {
	if srv.u.Scheme == "rsync+ssh" {
		// Create the destination directory through the remote shell;
		// plain rsync daemons must have the module path pre-created.
		host, p := sshSpec(srv, location)
		if _, err := runCmd(ctx, nil, "ssh", host, "mkdir", "-p", shellQuote(path.Dir(p))); err != nil {
			return transient(err)
		}
	}
	_, err := runCmd(ctx, nil, "rsync", t.args(srv, src, t.target(srv, location))...)
	return transient(err)
}

func (t *rsyncTransport) remoteChecksum(ctx context.Context, srv *Server, location string, alg Alg) (string, error) {
	if srv.u.Scheme != "rsync+ssh" {
		return "", ErrUnsupported
	}
	return sshChecksum(ctx, srv, location, alg)
}

type sshTransport struct{}

func (t *sshTransport) fetch(ctx context.Context, srv *Server, location, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "fetch")
	}
	host, p := sshSpec(srv, location)
	_, err := runCmd(ctx, nil, "scp", host+":"+p, dest)
	return transient(err)
}

func (t *sshTransport) push(ctx context.Context, srv *Server, src, location string) error {
	host, p := sshSpec(srv, location)
	tmp := p + ".e2-push"
	if _, err := runCmd(ctx, nil, "ssh", host, "mkdir", "-p", shellQuote(path.Dir(p))); err != nil {
		return transient(err)
	}
	if _, err := runCmd(ctx, nil, "scp", src, host+":"+tmp); err != nil {
		return transient(err)
	}
	// The remote mv makes the upload atomic for concurrent readers.
	args := []string{host}
	if srv.PushPermissions != "" {
		args = append(args, "chmod", srv.PushPermissions, shellQuote(tmp), "&&")
	}
	args = append(args, "mv", shellQuote(tmp), shellQuote(p))
	_, err := runCmd(ctx, nil, "ssh", args...)
	return transient(err)
}

func (t *sshTransport) remoteChecksum(ctx context.Context, srv *Server, location string, alg Alg) (string, error) {
	return sshChecksum(ctx, srv, location, alg)
}

func sshChecksum(ctx context.Context, srv *Server, location string, alg Alg) (string, error) {
	host, p := sshSpec(srv, location)
	out, err := runCmd(ctx, nil, "ssh", host, alg.sumTool(), shellQuote(p))
	if err != nil {
		return "", transient(err)
	}
	sum, _, err := ParseSumLine(alg, out)
	if err != nil {
		return "", errors.Wrapf(err, "remote %s on %s", alg.sumTool(), srv.Name)
	}
	return sum, nil
}

// shellQuote single-quotes s for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

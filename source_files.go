package e2factory

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FilesSource is the files SCM type: a list of fetched archives, plain
// files and patches applied into the build directory.
type FilesSource struct {
	name     string
	licences []string
	env      *Env
	files    []*File

	id string
}

func newFilesSource(raw *RawSource, ws *Workspace) (Source, error) {
	for _, key := range []struct{ name, value string }{
		{"branch", raw.Branch},
		{"tag", raw.Tag},
		{"working", raw.Working},
		{"location", raw.Location},
	} {
		if key.value != "" {
			return nil, Errorf(KindConfig, "source %q: files source cannot have %s",
				raw.Name, key.name)
		}
	}
	s := &FilesSource{
		name:     raw.Name,
		licences: raw.Licences,
		env:      NewEnv(),
		files:    raw.Files,
	}
	for k, v := range raw.Env {
		s.env.Set(k, v)
	}
	for _, f := range s.files {
		// server and licences inherit from the source, applied exactly
		// once at load time
		if f.Server == "" {
			f.Server = raw.Server
		}
		if len(f.Licences) == 0 {
			f.Licences = s.licences
		}
	}
	return s, nil
}

func (s *FilesSource) Name() string       { return s.name }
func (s *FilesSource) Type() string       { return "files" }
func (s *FilesSource) Licences() []string { return s.licences }
func (s *FilesSource) Env() *Env          { return s.env }

func (s *FilesSource) Validate(ws *Workspace) error {
	if err := ValidateName(s.name); err != nil {
		return err
	}
	if len(s.files) == 0 {
		return Errorf(KindConfig, "source %q: files source without files", s.name)
	}
	for _, lic := range s.licences {
		if _, err := ws.Licences.Get(lic); err != nil {
			return Wrapf(KindConfig, err, "source %q", s.name)
		}
	}
	for _, f := range s.files {
		if err := f.Validate(ws, fmt.Sprintf("source %q", s.name)); err != nil {
			return err
		}
		if f.Patch != "" {
			if _, err := strconv.Atoi(f.Patch); err != nil {
				return Errorf(KindConfig, "source %q: file %q has non-numeric patch level %q",
					s.name, f.Location, f.Patch)
			}
		}
	}
	return nil
}

func (s *FilesSource) Fetch(ctx context.Context, ws *Workspace) error {
	for _, f := range s.files {
		if _, err := ws.Cache.FetchFilePath(ctx, f.Server, f.Location, true); err != nil {
			return Wrapf(KindTransport, err, "fetching source %q", s.name)
		}
	}
	return nil
}

func (s *FilesSource) Update(ctx context.Context, ws *Workspace) error {
	return s.Fetch(ctx, ws)
}

// SourceID is independent of the source-set: the file checksums pin the
// content.
func (s *FilesSource) SourceID(ctx context.Context, ws *Workspace, set SourceSet) (string, error) {
	if s.id != "" {
		return s.id, nil
	}
	h := NewHash()
	if err := sourceIDHeader(ctx, ws, h, s); err != nil {
		return "", err
	}
	for _, f := range s.files {
		fid, err := f.FileID(ctx, ws)
		if err != nil {
			return "", err
		}
		h.AppendLine(fid)
	}
	s.id = h.Finish()
	return s.id, nil
}

// Prepare fetches each file and applies its unpack, copy or patch action
// into destdir. Files without an action are copied under their base name.
func (s *FilesSource) Prepare(ctx context.Context, ws *Workspace, set SourceSet, destdir string) error {
	if err := os.MkdirAll(destdir, 0o755); err != nil {
		return Wrapf(KindSandbox, err, "preparing source %q", s.name)
	}
	for _, f := range s.files {
		local, err := ws.Cache.FetchFilePath(ctx, f.Server, f.Location, true)
		if err != nil {
			return Wrapf(KindTransport, err, "preparing source %q", s.name)
		}
		action, value := f.Action()
		switch action {
		case "unpack":
			tartype, err := TarType(f.Location)
			if err != nil {
				return Wrapf(KindConfig, err, "source %q: file %q", s.name, f.Location)
			}
			flag, _ := TarDecompressFlag(tartype)
			args := []string{"-x", "-C", destdir, "-f", local}
			if flag != "" {
				args = append(args, flag)
			}
			if _, err := runTar(ctx, args...); err != nil {
				return Wrapf(KindSandbox, err, "unpacking %q", f.Location)
			}
			if value != "" {
				if _, err := os.Stat(filepath.Join(destdir, value)); err != nil {
					return Errorf(KindConfig,
						"source %q: archive %q did not unpack to %q", s.name, f.Location, value)
				}
			}
		case "patch":
			level := "-p" + f.Patch
			cmd := exec.CommandContext(ctx, "patch", "-d", destdir, level, "-i", local)
			if out, err := cmd.CombinedOutput(); err != nil {
				return Wrapf(KindSandbox,
					errors.Wrapf(err, "patch %q: %s", f.Location, strings.TrimSpace(string(out))),
					"preparing source %q", s.name)
			}
		case "copy":
			dest := filepath.Join(destdir, filepath.FromSlash(value))
			if err := copyFileMode(local, destNameFor(dest, f.Location), 0o644); err != nil {
				return Wrapf(KindSandbox, err, "copying %q", f.Location)
			}
		default:
			dest := filepath.Join(destdir, path.Base(f.Location))
			if err := copyFileMode(local, dest, 0o644); err != nil {
				return Wrapf(KindSandbox, err, "copying %q", f.Location)
			}
		}
	}
	return nil
}

// destNameFor resolves a copy destination: an existing directory receives
// the file under its base name.
func destNameFor(dest, location string) string {
	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		return filepath.Join(dest, path.Base(location))
	}
	os.MkdirAll(filepath.Dir(dest), 0o755)
	return dest
}

// ToResult copies the raw files into destdir/files and writes a Makefile
// that reproduces the prepare actions standalone.
func (s *FilesSource) ToResult(ctx context.Context, ws *Workspace, set SourceSet, destdir string) (string, error) {
	filesdir := filepath.Join(destdir, "files")
	if err := os.MkdirAll(filesdir, 0o755); err != nil {
		return "", Wrapf(KindSandbox, err, "source %q", s.name)
	}
	var mk strings.Builder
	mk.WriteString(".PHONY: place\nplace:\n")
	for _, f := range s.files {
		local, err := ws.Cache.FetchFilePath(ctx, f.Server, f.Location, true)
		if err != nil {
			return "", Wrapf(KindTransport, err, "source %q", s.name)
		}
		base := path.Base(f.Location)
		if err := copyFileMode(local, filepath.Join(filesdir, base), 0o644); err != nil {
			return "", Wrapf(KindSandbox, err, "source %q", s.name)
		}
		action, value := f.Action()
		switch action {
		case "unpack":
			tartype, err := TarType(f.Location)
			if err != nil {
				return "", Wrapf(KindConfig, err, "source %q", s.name)
			}
			flag, _ := TarDecompressFlag(tartype)
			mk.WriteString(fmt.Sprintf("\ttar -x %s -C $(BUILD) -f files/%s\n", flag, base))
		case "patch":
			mk.WriteString(fmt.Sprintf("\tpatch -d $(BUILD) -p%s -i $(CURDIR)/files/%s\n", f.Patch, base))
		case "copy":
			mk.WriteString(fmt.Sprintf("\tcp files/%s $(BUILD)/%s\n", base, value))
		default:
			mk.WriteString(fmt.Sprintf("\tcp files/%s $(BUILD)/\n", base))
		}
	}
	if err := os.WriteFile(filepath.Join(destdir, "Makefile"), []byte(mk.String()), 0o644); err != nil {
		return "", Wrapf(KindSandbox, err, "source %q", s.name)
	}
	return "files", nil
}

func (s *FilesSource) WorkingCopyAvailable(ws *Workspace) bool { return false }

func (s *FilesSource) CheckWorkingCopy(ctx context.Context, ws *Workspace) error { return nil }

func (s *FilesSource) Display() []string {
	lines := []string{"type       files"}
	for _, f := range s.files {
		lines = append(lines, fmt.Sprintf("file       %s:%s", f.Server, f.Location))
	}
	for _, l := range s.licences {
		lines = append(lines, "licence    "+l)
	}
	return lines
}

package e2factory

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// SourceSet selects which version of source code a build consumes.
type SourceSet string

const (
	SetTag         SourceSet = "tag"
	SetBranch      SourceSet = "branch"
	SetWorkingCopy SourceSet = "working-copy"
	// SetLazyTag resolves per source: the tag if one is configured, the
	// branch head otherwise.
	SetLazyTag SourceSet = "lazytag"
)

// Source is the capability set every SCM type provides.
type Source interface {
	Name() string
	Type() string
	Licences() []string
	Env() *Env

	// Validate checks the configuration against the workspace.
	Validate(ws *Workspace) error
	// Fetch makes the source available locally (initial clone, cache
	// warm-up).
	Fetch(ctx context.Context, ws *Workspace) error
	// Update refreshes an already fetched source.
	Update(ctx context.Context, ws *Workspace) error
	// Prepare stages the source for the given source-set into destdir.
	Prepare(ctx context.Context, ws *Workspace, set SourceSet, destdir string) error
	// SourceID computes the content-addressed identity for the given
	// source-set.
	SourceID(ctx context.Context, ws *Workspace, set SourceSet) (string, error)
	// Display returns human-readable attribute lines.
	Display() []string
	// ToResult writes a standalone reproduction of the source (archive
	// or file directory, plus build glue) into destdir and returns the name
	// of the created archive or directory.
	ToResult(ctx context.Context, ws *Workspace, set SourceSet, destdir string) (string, error)
	// WorkingCopyAvailable reports whether a working copy exists on disk.
	WorkingCopyAvailable(ws *Workspace) bool
	// CheckWorkingCopy verifies the working copy matches the
	// configuration.
	CheckWorkingCopy(ctx context.Context, ws *Workspace) error
}

// RawSource is a decoded src/<name>/config document before type dispatch.
// Which fields are meaningful depends on the type; factories reject fields
// their SCM does not know.
type RawSource struct {
	Name     string            `yaml:"name" json:"name" jsonschema:"required"`
	Type     string            `yaml:"type,omitempty" json:"type,omitempty"`
	Server   string            `yaml:"server,omitempty" json:"server,omitempty"`
	Location string            `yaml:"location,omitempty" json:"location,omitempty"`
	Branch   string            `yaml:"branch,omitempty" json:"branch,omitempty"`
	Tag      string            `yaml:"tag,omitempty" json:"tag,omitempty"`
	Working  string            `yaml:"working,omitempty" json:"working,omitempty"`
	Licences []string          `yaml:"licences,omitempty" json:"licences,omitempty"`
	Env      map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Files    []*File           `yaml:"files,omitempty" json:"files,omitempty"`
}

// SourceFactory builds a Source from its raw config.
type SourceFactory func(raw *RawSource, ws *Workspace) (Source, error)

// TypeDetector may assign a type to a raw source that declares none.
// Returns "" when it cannot tell.
type TypeDetector func(raw *RawSource) string

// SourceRegistry owns the project's sources and the type→factory map. The
// built-in types are "files" and "git"; plugins register additional types
// before loading.
type SourceRegistry struct {
	factories map[string]SourceFactory
	detectors []TypeDetector
	m         map[string]Source
	names     []string
}

func NewSourceRegistry() *SourceRegistry {
	r := &SourceRegistry{
		factories: map[string]SourceFactory{},
		m:         map[string]Source{},
	}
	r.RegisterType("git", newGitSource)
	r.RegisterType("files", newFilesSource)
	r.RegisterDetector(detectBuiltinType)
	return r
}

func (r *SourceRegistry) RegisterType(name string, f SourceFactory) {
	r.factories[name] = f
}

func (r *SourceRegistry) RegisterDetector(d TypeDetector) {
	r.detectors = append(r.detectors, d)
}

// detectBuiltinType guesses "files" for file-list sources and "git" for
// anything with an SCM location.
func detectBuiltinType(raw *RawSource) string {
	if len(raw.Files) > 0 {
		return "files"
	}
	if raw.Location != "" {
		return "git"
	}
	return ""
}

// NewSource dispatches a raw source to its factory, running the detection
// hook when no type is set.
func (r *SourceRegistry) NewSource(raw *RawSource, ws *Workspace) (Source, error) {
	if raw.Type == "" {
		for _, d := range r.detectors {
			if t := d(raw); t != "" {
				raw.Type = t
				break
			}
		}
	}
	if raw.Type == "" {
		return nil, Errorf(KindConfig, "source %q: cannot detect type", raw.Name)
	}
	f, ok := r.factories[raw.Type]
	if !ok {
		return nil, Errorf(KindConfig, "source %q: unknown type %q", raw.Name, raw.Type)
	}
	return f(raw, ws)
}

func (r *SourceRegistry) Add(s Source) error {
	if _, ok := r.m[s.Name()]; ok {
		return Errorf(KindConfig, "duplicate source %q", s.Name())
	}
	r.m[s.Name()] = s
	return nil
}

func (r *SourceRegistry) Get(name string) (Source, error) {
	s, ok := r.m[name]
	if !ok {
		return nil, errors.Errorf("no such source: %q", name)
	}
	return s, nil
}

func (r *SourceRegistry) Freeze() {
	r.names = r.names[:0]
	for name := range r.m {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
}

func (r *SourceRegistry) Names() []string {
	return r.names
}

var nameComponentRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)

// ValidateName checks a source/result name in group-dot notation.
func ValidateName(name string) error {
	if name == "" {
		return Errorf(KindConfig, "empty name")
	}
	for _, part := range strings.Split(name, ".") {
		if !nameComponentRe.MatchString(part) {
			return Errorf(KindConfig, "invalid name %q", name)
		}
	}
	return nil
}

// sourceIDHeader appends the attributes shared by every SCM type: name,
// type, envid and the licence names with their IDs, all line-terminated.
func sourceIDHeader(ctx context.Context, ws *Workspace, h *Hash, s Source) error {
	h.AppendLine(s.Name())
	h.AppendLine(s.Type())
	h.AppendLine(s.Env().ID())
	for _, name := range s.Licences() {
		l, err := ws.Licences.Get(name)
		if err != nil {
			return WithKind(KindConfig, err)
		}
		lid, err := l.LicenceID(ctx, ws)
		if err != nil {
			return err
		}
		h.AppendLine(name)
		h.AppendLine(lid)
	}
	return nil
}

// resolveLazyTag maps the lazytag set onto tag or branch for a source that
// may or may not carry a tag.
func resolveLazyTag(set SourceSet, hasTag bool) SourceSet {
	if set != SetLazyTag {
		return set
	}
	if hasTag {
		return SetTag
	}
	return SetBranch
}

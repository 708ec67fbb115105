package cache

import (
	"net/url"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Reserved server names. ProjectServer denotes the project root and is
// synthesized by the registry; ResultsServer and ReleasesServer are the
// shared result store and the long-term release archive.
const (
	ProjectServer  = "."
	ResultsServer  = "results"
	ReleasesServer = "releases"
)

// Server is a named storage endpoint. The set of servers is loaded once at
// startup and immutable afterwards.
type Server struct {
	Name string
	// URL carries the transport scheme: file, http, https, rsync,
	// rsync+ssh, ssh, scp.
	URL string
	// Cache marks fetched files for retention in the local cache tree.
	Cache bool
	// Writeback permits pushes; with Writeback false a push is a warning
	// no-op.
	Writeback bool
	// PushPermissions is an optional chmod-style mode string applied to
	// pushed files where the transport supports it.
	PushPermissions string

	u *url.URL
}

var knownSchemes = map[string]bool{
	"file":      true,
	"http":      true,
	"https":     true,
	"rsync":     true,
	"rsync+ssh": true,
	"ssh":       true,
	"scp":       true,
}

func (s *Server) parse() error {
	u, err := url.Parse(s.URL)
	if err != nil {
		return errors.Wrapf(err, "server %q: invalid url %q", s.Name, s.URL)
	}
	if !knownSchemes[u.Scheme] {
		return errors.Errorf("server %q: unknown url scheme %q", s.Name, u.Scheme)
	}
	s.u = u
	return nil
}

// Registry holds the immutable server set.
type Registry struct {
	servers map[string]*Server
	names   []string
	frozen  bool
}

func NewRegistry() *Registry {
	return &Registry{servers: map[string]*Server{}}
}

// Add registers a server. Duplicate names fail loudly; the registry
// refuses additions after Freeze.
func (r *Registry) Add(s *Server) error {
	if r.frozen {
		return errors.Errorf("server registry is frozen, cannot add %q", s.Name)
	}
	if s.Name == "" {
		return errors.New("server with empty name")
	}
	if _, ok := r.servers[s.Name]; ok {
		return errors.Errorf("duplicate server %q", s.Name)
	}
	if err := s.parse(); err != nil {
		return err
	}
	r.servers[s.Name] = s
	return nil
}

// AddProjectRoot registers the "." server for the project root directory.
func (r *Registry) AddProjectRoot(root string) error {
	return r.Add(&Server{
		Name:      ProjectServer,
		URL:       "file://" + root,
		Cache:     false,
		Writeback: true,
	})
}

// Freeze makes the registry immutable and fixes the iteration order.
func (r *Registry) Freeze() {
	r.names = r.names[:0]
	for name := range r.servers {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	r.frozen = true
}

func (r *Registry) Get(name string) (*Server, error) {
	s, ok := r.servers[name]
	if !ok {
		return nil, errors.Errorf("no such server: %q", name)
	}
	return s, nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.servers[name]
	return ok
}

// Names returns the sorted server names.
func (r *Registry) Names() []string {
	return r.names
}

// IsLocal reports whether the server resolves to the local filesystem.
func (s *Server) IsLocal() bool {
	return s.u.Scheme == "file"
}

// LocalPath returns the filesystem path of a location on a file server.
func (s *Server) LocalPath(location string) (string, error) {
	if !s.IsLocal() {
		return "", errors.Errorf("server %q is not local", s.Name)
	}
	return joinPath(s.u.Path, location), nil
}

// RemoteURL joins the server URL and a location into a printable URL.
func (s *Server) RemoteURL(location string) string {
	u := *s.u
	u.Path = joinPath(u.Path, location)
	return u.String()
}

func joinPath(base, loc string) string {
	base = strings.TrimRight(base, "/")
	loc = strings.TrimLeft(loc, "/")
	if base == "" {
		return "/" + loc
	}
	return base + "/" + loc
}

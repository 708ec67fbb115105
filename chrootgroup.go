package e2factory

import (
	"context"
	"sort"

	"github.com/pkg/errors"
)

// ChrootGroup is a named set of file archives that together populate a
// sandbox filesystem.
type ChrootGroup struct {
	Name  string
	Files []*File

	id string
}

// ChrootGroupID hashes the name and every FileID in insertion order.
func (g *ChrootGroup) ChrootGroupID(ctx context.Context, ws *Workspace) (string, error) {
	if g.id != "" {
		return g.id, nil
	}
	h := NewHash()
	h.Append(g.Name)
	for _, f := range g.Files {
		fid, err := f.FileID(ctx, ws)
		if err != nil {
			return "", err
		}
		h.Append(fid)
	}
	g.id = h.Finish()
	return g.id, nil
}

// ChrootRegistry owns the chroot groups and the project-wide default group
// list that is implicitly appended to every result.
type ChrootRegistry struct {
	m             map[string]*ChrootGroup
	names         []string
	DefaultGroups []string
}

func NewChrootRegistry() *ChrootRegistry {
	return &ChrootRegistry{m: map[string]*ChrootGroup{}}
}

func (r *ChrootRegistry) Add(g *ChrootGroup) error {
	if g.Name == "" {
		return Errorf(KindConfig, "chroot group without name")
	}
	if _, ok := r.m[g.Name]; ok {
		return Errorf(KindConfig, "duplicate chroot group %q", g.Name)
	}
	r.m[g.Name] = g
	return nil
}

func (r *ChrootRegistry) Get(name string) (*ChrootGroup, error) {
	g, ok := r.m[name]
	if !ok {
		return nil, errors.Errorf("no such chroot group: %q", name)
	}
	return g, nil
}

func (r *ChrootRegistry) Freeze() {
	r.names = r.names[:0]
	for name := range r.m {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
}

func (r *ChrootRegistry) Names() []string {
	return r.names
}

// MergedGroups appends the default groups to a result's declared list,
// deduplicates and sorts.
func (r *ChrootRegistry) MergedGroups(declared []string) []string {
	merged := NewStringList(declared...)
	for _, name := range r.DefaultGroups {
		merged.Append(name)
	}
	merged.Sort()
	return merged.Slice()
}

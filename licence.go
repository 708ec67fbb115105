package e2factory

import (
	"context"
	"sort"

	"github.com/pkg/errors"
)

// Licence is a named licence with the files (licence texts) that document
// it.
type Licence struct {
	Name  string
	Files []*File

	id string
}

// LicenceID hashes the name and every FileID in insertion order.
func (l *Licence) LicenceID(ctx context.Context, ws *Workspace) (string, error) {
	if l.id != "" {
		return l.id, nil
	}
	h := NewHash()
	h.Append(l.Name)
	for _, f := range l.Files {
		fid, err := f.FileID(ctx, ws)
		if err != nil {
			return "", err
		}
		h.Append(fid)
	}
	l.id = h.Finish()
	return l.id, nil
}

// LicenceRegistry owns all licences of a project. After Freeze the sorted
// name vector fixes the iteration order.
type LicenceRegistry struct {
	m     map[string]*Licence
	names []string
}

func NewLicenceRegistry() *LicenceRegistry {
	return &LicenceRegistry{m: map[string]*Licence{}}
}

func (r *LicenceRegistry) Add(l *Licence) error {
	if l.Name == "" {
		return Errorf(KindConfig, "licence without name")
	}
	if _, ok := r.m[l.Name]; ok {
		return Errorf(KindConfig, "duplicate licence %q", l.Name)
	}
	r.m[l.Name] = l
	return nil
}

func (r *LicenceRegistry) Get(name string) (*Licence, error) {
	l, ok := r.m[name]
	if !ok {
		return nil, errors.Errorf("no such licence: %q", name)
	}
	return l, nil
}

func (r *LicenceRegistry) Freeze() {
	r.names = r.names[:0]
	for name := range r.m {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
}

func (r *LicenceRegistry) Names() []string {
	return r.names
}

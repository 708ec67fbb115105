// Package cache maps (server, location) pairs onto locally reachable
// files. It owns the server registry, the per-scheme transports, the local
// cache tree and the persistent checksum cache.
package cache

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Cache struct {
	reg     *Registry
	dir     string // cache tree root
	scratch string // non-cached fetch area
	hc      *HashCache
	log     *logrus.Logger
}

// New creates a cache rooted at dir. hc may be nil (checksum caching
// disabled, as in release mode).
func New(reg *Registry, dir string, hc *HashCache, log *logrus.Logger) (*Cache, error) {
	scratch := filepath.Join(dir, "scratch")
	for _, d := range []string{dir, scratch} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errors.Wrap(err, "initializing cache")
		}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{reg: reg, dir: dir, scratch: scratch, hc: hc, log: log}, nil
}

func (c *Cache) Registry() *Registry { return c.reg }

// CacheEnabled reports the cache flag of a server.
func (c *Cache) CacheEnabled(server string) bool {
	s, err := c.reg.Get(server)
	return err == nil && s.Cache
}

// WritebackEnabled reports the writeback flag of a server.
func (c *Cache) WritebackEnabled(server string) bool {
	s, err := c.reg.Get(server)
	return err == nil && s.Writeback
}

// RemoteURL renders server:location as a URL string.
func (c *Cache) RemoteURL(server, location string) (string, error) {
	s, err := c.reg.Get(server)
	if err != nil {
		return "", err
	}
	return s.RemoteURL(location), nil
}

func (c *Cache) cachePath(server, location string) string {
	return filepath.Join(c.dir, server, filepath.FromSlash(location))
}

// ensureCached populates the cache tree for server:location if needed and
// returns the cached path.
func (c *Cache) ensureCached(ctx context.Context, srv *Server, location string) (string, error) {
	p := c.cachePath(srv.Name, location)
	if _, err := os.Stat(p); err == nil {
		c.log.Debugf("cache hit: %s:%s", srv.Name, location)
		return p, nil
	}
	t, err := transportFor(srv)
	if err != nil {
		return "", err
	}
	if err := t.fetch(ctx, srv, location, p); err != nil {
		return "", err
	}
	return p, nil
}

// FetchFile ensures a copy of server:location exists under destdir. With
// destname empty the location's base name is used. Servers with the cache
// flag populate the cache tree first; the destination is then hardlinked
// or copied from it.
func (c *Cache) FetchFile(ctx context.Context, server, location, destdir, destname string) (string, error) {
	srv, err := c.reg.Get(server)
	if err != nil {
		return "", err
	}
	if destname == "" {
		destname = path.Base(location)
	}
	dest := filepath.Join(destdir, destname)

	if srv.Cache {
		cached, err := c.ensureCached(ctx, srv, location)
		if err != nil {
			return "", err
		}
		if err := linkOrCopy(cached, dest); err != nil {
			return "", err
		}
		return dest, nil
	}

	t, err := transportFor(srv)
	if err != nil {
		return "", err
	}
	if err := t.fetch(ctx, srv, location, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// FetchFilePath returns a local path for server:location, fetching if
// necessary. With useCache false a fresh fetch into the scratch area is
// forced even for caching servers; local file servers always return the
// file in place.
func (c *Cache) FetchFilePath(ctx context.Context, server, location string, useCache bool) (string, error) {
	srv, err := c.reg.Get(server)
	if err != nil {
		return "", err
	}
	if srv.IsLocal() {
		p, err := srv.LocalPath(location)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(p); err != nil {
			return "", errors.Wrapf(err, "fetching %s", srv.RemoteURL(location))
		}
		return p, nil
	}
	if useCache && srv.Cache {
		return c.ensureCached(ctx, srv, location)
	}

	dir, err := os.MkdirTemp(c.scratch, "fetch-")
	if err != nil {
		return "", errors.Wrap(err, "fetch")
	}
	return c.FetchFile(ctx, server, location, dir, "")
}

// PushFile uploads src to server:location. With the server's writeback
// flag unset this is a no-op with a warning.
func (c *Cache) PushFile(ctx context.Context, src, server, location string) error {
	srv, err := c.reg.Get(server)
	if err != nil {
		return err
	}
	if !srv.Writeback {
		c.log.Warnf("writeback disabled for server %q, not pushing %s", server, location)
		return nil
	}
	t, err := transportFor(srv)
	if err != nil {
		return err
	}
	if err := t.push(ctx, srv, src, location); err != nil {
		return errors.Wrapf(err, "pushing to %s", srv.RemoteURL(location))
	}
	c.log.Debugf("pushed %s to %s:%s", src, server, location)
	return nil
}

// RemoteChecksum computes a checksum on the server side, where the
// transport supports it. Returns ErrUnsupported otherwise.
func (c *Cache) RemoteChecksum(ctx context.Context, server, location string, alg Alg) (string, error) {
	srv, err := c.reg.Get(server)
	if err != nil {
		return "", err
	}
	t, err := transportFor(srv)
	if err != nil {
		return "", err
	}
	return t.remoteChecksum(ctx, srv, location, alg)
}

// Checksums hashes a local file, consulting and feeding the persistent
// checksum cache when one is attached.
func (c *Cache) Checksums(path string, algs []Alg) (map[Alg]string, error) {
	if c.hc != nil {
		if sums, ok := c.hc.Lookup(path, algs); ok {
			return sums, nil
		}
	}
	sums, err := Compute(path, algs)
	if err != nil {
		return nil, err
	}
	if c.hc != nil {
		c.hc.Store(path, sums)
	}
	return sums, nil
}

// Close writes back the checksum cache.
func (c *Cache) Close() error {
	if c.hc == nil {
		return nil
	}
	return c.hc.Save()
}

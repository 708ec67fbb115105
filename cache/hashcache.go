package cache

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxHashCacheEntries caps the persisted checksum cache. Entries beyond
// the cap are dropped least-recently-used first at save time.
const maxHashCacheEntries = 8192

// hcEntry ties cached checksums to the exact file identity. Any stat
// mismatch invalidates the entry.
type hcEntry struct {
	sha1    string
	sha256  string
	size    int64
	mtimeNs int64
	ctimeNs int64
	dev     uint64
	ino     uint64
	use     uint64
}

// HashCache is the persistent file checksum cache under .e2/hashcache.
// It is owned by the driver process for its lifetime and written back
// atomically at shutdown, most recently used entries first.
type HashCache struct {
	path    string
	entries map[string]*hcEntry
	clock   uint64
}

// OpenHashCache loads the cache file at path. A missing file yields an
// empty cache; a malformed line drops only that line.
func OpenHashCache(path string) (*HashCache, error) {
	hc := &HashCache{path: path, entries: map[string]*hcEntry{}}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return hc, nil
		}
		return nil, errors.Wrap(err, "opening hashcache")
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		name, e, ok := parseHashCacheLine(s.Text())
		if !ok {
			continue
		}
		hc.entries[name] = e
		if e.use > hc.clock {
			hc.clock = e.use
		}
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "reading hashcache")
	}
	return hc, nil
}

func parseHashCacheLine(line string) (string, *hcEntry, bool) {
	fields := strings.Split(line, "\t")
	if len(fields) != 9 {
		return "", nil, false
	}
	e := &hcEntry{}
	if fields[1] != "-" {
		if !ValidChecksum(SHA1, fields[1]) {
			return "", nil, false
		}
		e.sha1 = fields[1]
	}
	if fields[2] != "-" {
		if !ValidChecksum(SHA256, fields[2]) {
			return "", nil, false
		}
		e.sha256 = fields[2]
	}
	nums := []*int64{&e.size, &e.mtimeNs, &e.ctimeNs}
	for i, dst := range nums {
		v, err := strconv.ParseInt(fields[3+i], 10, 64)
		if err != nil {
			return "", nil, false
		}
		*dst = v
	}
	unums := []*uint64{&e.dev, &e.ino, &e.use}
	for i, dst := range unums {
		v, err := strconv.ParseUint(fields[6+i], 10, 64)
		if err != nil {
			return "", nil, false
		}
		*dst = v
	}
	return fields[0], e, true
}

func statIdentity(path string) (size, mtimeNs, ctimeNs int64, dev, ino uint64, err error) {
	var st unix.Stat_t
	if err = unix.Stat(path, &st); err != nil {
		return
	}
	size = st.Size
	mtimeNs = st.Mtim.Nano()
	ctimeNs = st.Ctim.Nano()
	dev = uint64(st.Dev)
	ino = uint64(st.Ino)
	return
}

// Lookup returns the cached checksums for path if the stat identity still
// matches and every requested algorithm is present.
func (hc *HashCache) Lookup(path string, algs []Alg) (map[Alg]string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}
	e, ok := hc.entries[abs]
	if !ok {
		return nil, false
	}
	size, mtimeNs, ctimeNs, dev, ino, err := statIdentity(abs)
	if err != nil || size != e.size || mtimeNs != e.mtimeNs ||
		ctimeNs != e.ctimeNs || dev != e.dev || ino != e.ino {
		delete(hc.entries, abs)
		return nil, false
	}

	sums := map[Alg]string{}
	for _, alg := range algs {
		switch alg {
		case SHA1:
			if e.sha1 == "" {
				return nil, false
			}
			sums[alg] = e.sha1
		case SHA256:
			if e.sha256 == "" {
				return nil, false
			}
			sums[alg] = e.sha256
		default:
			return nil, false
		}
	}
	hc.clock++
	e.use = hc.clock
	return sums, true
}

// Store records freshly computed checksums for path, merging with any
// still-valid entry for the other algorithm.
func (hc *HashCache) Store(path string, sums map[Alg]string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	size, mtimeNs, ctimeNs, dev, ino, err := statIdentity(abs)
	if err != nil {
		return
	}
	e := hc.entries[abs]
	if e == nil || size != e.size || mtimeNs != e.mtimeNs ||
		ctimeNs != e.ctimeNs || dev != e.dev || ino != e.ino {
		e = &hcEntry{}
		hc.entries[abs] = e
	}
	e.size, e.mtimeNs, e.ctimeNs, e.dev, e.ino = size, mtimeNs, ctimeNs, dev, ino
	if s, ok := sums[SHA1]; ok {
		e.sha1 = s
	}
	if s, ok := sums[SHA256]; ok {
		e.sha256 = s
	}
	hc.clock++
	e.use = hc.clock
}

// Save rewrites the cache file atomically, sorted by most recent use and
// capped at maxHashCacheEntries.
func (hc *HashCache) Save() error {
	type kv struct {
		name string
		e    *hcEntry
	}
	all := make([]kv, 0, len(hc.entries))
	for name, e := range hc.entries {
		all = append(all, kv{name, e})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].e.use > all[j].e.use })
	if len(all) > maxHashCacheEntries {
		all = all[:maxHashCacheEntries]
	}

	if err := os.MkdirAll(filepath.Dir(hc.path), 0o755); err != nil {
		return errors.Wrap(err, "saving hashcache")
	}
	tmp, err := os.CreateTemp(filepath.Dir(hc.path), ".hashcache-*")
	if err != nil {
		return errors.Wrap(err, "saving hashcache")
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, kv := range all {
		e := kv.e
		sha1, sha256 := e.sha1, e.sha256
		if sha1 == "" {
			sha1 = "-"
		}
		if sha256 == "" {
			sha256 = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			kv.name, sha1, sha256, e.size, e.mtimeNs, e.ctimeNs, e.dev, e.ino, e.use)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "saving hashcache")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "saving hashcache")
	}
	return errors.Wrap(os.Rename(tmp.Name(), hc.path), "saving hashcache")
}

// Len reports the number of live entries.
func (hc *HashCache) Len() int {
	return len(hc.entries)
}

package cache

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Alg names a file checksum algorithm. The project policy iterates
// algorithms in a fixed order: sha1 before sha256.
type Alg string

const (
	SHA1   Alg = "sha1"
	SHA256 Alg = "sha256"
)

// Algs lists the supported algorithms in policy order.
var Algs = []Alg{SHA1, SHA256}

var checksumFormat = map[Alg]*regexp.Regexp{
	SHA1:   regexp.MustCompile(`^[0-9a-f]{40}$`),
	SHA256: regexp.MustCompile(`^[0-9a-f]{64}$`),
}

// ValidChecksum reports whether s is a well-formed lowercase hex checksum
// for the algorithm.
func ValidChecksum(alg Alg, s string) bool {
	re, ok := checksumFormat[alg]
	return ok && re.MatchString(s)
}

// Digest renders a hex checksum as an <alg>:<hex> digest value.
func (a Alg) Digest(hexsum string) digest.Digest {
	return digest.NewDigestFromEncoded(digest.Algorithm(string(a)), hexsum)
}

func (a Alg) newHash() (hash.Hash, error) {
	switch a {
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	}
	return nil, errors.Errorf("unknown checksum algorithm %q", a)
}

// sumTool maps an algorithm to the remote coreutils command used by the
// ssh transports.
func (a Alg) sumTool() string {
	return string(a) + "sum"
}

// Compute hashes the file at path once and returns the hex checksum for
// each requested algorithm.
func Compute(path string, algs []Alg) (map[Alg]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "computing checksums")
	}
	defer f.Close()

	hashers := make(map[Alg]hash.Hash, len(algs))
	var writers []io.Writer
	for _, alg := range algs {
		h, err := alg.newHash()
		if err != nil {
			return nil, err
		}
		hashers[alg] = h
		writers = append(writers, h)
	}
	if _, err := io.Copy(io.MultiWriter(writers...), f); err != nil {
		return nil, errors.Wrapf(err, "hashing %s", path)
	}

	sums := make(map[Alg]string, len(hashers))
	for alg, h := range hashers {
		sums[alg] = hex.EncodeToString(h.Sum(nil))
	}
	return sums, nil
}

// ParseSumLine parses one line of sha1sum/sha256sum output into the hex
// checksum and the file name.
func ParseSumLine(alg Alg, line string) (sum, name string, err error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 {
		return "", "", errors.Errorf("malformed %s output: %q", alg.sumTool(), line)
	}
	sum = fields[0]
	// sha1sum separates checksum and name with two spaces (or space and
	// asterisk for binary mode).
	name = strings.TrimPrefix(strings.TrimPrefix(fields[1], " "), "*")
	if !ValidChecksum(alg, sum) {
		return "", "", errors.Errorf("malformed %s checksum %q", alg, sum)
	}
	return sum, name, nil
}

// FormatSumLine renders a sha1sum-compatible checksum line.
func FormatSumLine(sum, name string) string {
	return sum + "  " + name
}

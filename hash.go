package e2factory

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
)

// Hash is the streaming hasher behind every identifier. All IDs are
// lowercase SHA-1 hex.
type Hash struct {
	h hash.Hash
}

func NewHash() *Hash {
	return &Hash{h: sha1.New()}
}

// Append feeds raw bytes to the hasher.
func (h *Hash) Append(data string) {
	h.h.Write([]byte(data))
}

// AppendLine feeds data followed by a newline. The ID rules state
// explicitly which variant they use; the two are not interchangeable.
func (h *Hash) AppendLine(data string) {
	h.h.Write([]byte(data))
	h.h.Write([]byte("\n"))
}

// Finish returns the hex digest. The hasher must not be used afterwards.
func (h *Hash) Finish() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

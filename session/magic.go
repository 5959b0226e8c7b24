package session

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"
)

// magicIDParts is the number of random UUIDs concatenated into one magic id.
const magicIDParts = 4

// newMagicID returns a long random session token.
func newMagicID() string {
	var b strings.Builder
	b.Grow(magicIDParts * 32)
	for i := 0; i < magicIDParts; i++ {
		u := uuid.New()
		b.WriteString(hex.EncodeToString(u[:]))
	}
	return b.String()
}

// Fingerprint returns a short, stable digest of a magic id for log fields.
// Magic ids are never logged in full.
func Fingerprint(magicID string) string {
	if magicID == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(magicID))
	return hex.EncodeToString(sum[:6])
}

// MagicIDs remembers the magic ids this process issued recently so a
// session that reaches this node again can be recognized as a loopback.
// A nil *MagicIDs remembers nothing.
type MagicIDs struct {
	cache *lru.Cache[string, struct{}]
}

// NewMagicIDs creates a set holding at most size ids.
func NewMagicIDs(size int) *MagicIDs {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		// only fails for a non-positive size
		cache, _ = lru.New[string, struct{}](1024)
	}
	return &MagicIDs{cache: cache}
}

// Remember records an issued magic id.
func (m *MagicIDs) Remember(id string) {
	if m == nil || id == "" {
		return
	}
	m.cache.Add(id, struct{}{})
}

// Forget drops a magic id.
func (m *MagicIDs) Forget(id string) {
	if m == nil {
		return
	}
	m.cache.Remove(id)
}

// Contains reports whether id was issued by this process.
func (m *MagicIDs) Contains(id string) bool {
	if m == nil || id == "" {
		return false
	}
	return m.cache.Contains(id)
}

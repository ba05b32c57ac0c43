package assetcache

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// KeyLength is the length of every [Key] returned by [DeriveKey].
const KeyLength = 32

// Key identifies a cached asset. It is safe to use as a filename.
type Key string

// DeriveKey returns the cache key of a remote path. The path is cleaned and
// normalized (NFC) first, so equivalent spellings of one path share a key.
func DeriveKey(remotePath string) Key {
	sum := sha256.Sum256([]byte(NormalizePath(remotePath)))
	return Key(hex.EncodeToString(sum[:KeyLength/2]))
}

// NormalizePath returns the canonical form of a remote path: absolute, cleaned
// and NFC-normalized.
func NormalizePath(remotePath string) string {
	if !strings.HasPrefix(remotePath, "/") {
		remotePath = "/" + remotePath
	}
	return norm.NFC.String(path.Clean(remotePath))
}

func (k Key) String() string {
	return string(k)
}

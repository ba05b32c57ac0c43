package assetcache

import (
	"context"
	"errors"
	"image"
)

// ErrNotFound must be returned by a [RemoteProvider] when the path doesn't exist.
var ErrNotFound = errors.New("not found")

// Asset is a decoded, render-ready image.
type Asset = image.Image

// Entry is the last known content of a path along with its remote revision.
// Entries are replaced wholesale and never mutated.
type Entry struct {
	Asset    Asset
	Revision string
}

// EncodedEntry is the on-disk form of an [Entry].
type EncodedEntry struct {
	Data     []byte
	Revision string
}

// RemoteProvider is a revision-tracked content store. Paths are always passed
// normalized with [NormalizePath], the same form that [DeriveKey] hashes.
type RemoteProvider interface {
	Download(ctx context.Context, path string) (data []byte, revision string, err error)
	CurrentRevision(ctx context.Context, path string) (revision string, err error)
}

// Codec converts assets between their encoded and decoded forms.
type Codec interface {
	Decode(data []byte) (Asset, error)
	Encode(asset Asset, format Format) ([]byte, error)
	// ApproximateCost returns the memory footprint of a decoded asset in bytes.
	ApproximateCost(asset Asset) int64
}

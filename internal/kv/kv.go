// Package kv defines the storage contract the session store is built on: a
// sorted key-value store addressed by composite keys, with single-key reads
// and one atomic multi-key primitive, a batch of writes conditioned on the
// versionstamps of a read set.
package kv

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// ErrCheckFailed is returned by Backend.Commit when at least one check no
// longer matches the stored versionstamp. Nothing has been written.
var ErrCheckFailed = errors.New("kv: check failed")

// Key is an ordered tuple of segments, e.g. Key{"sessions", "abc"}.
type Key []string

// String returns the canonical encoding of k. Segments are path-escaped and
// joined with "/", so distinct keys never encode to the same string.
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, seg := range k {
		parts[i] = url.PathEscape(seg)
	}
	return strings.Join(parts, "/")
}

// ParseKey reverses Key.String.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, nil
	}
	parts := strings.Split(s, "/")
	k := make(Key, len(parts))
	for i, p := range parts {
		seg, err := url.PathUnescape(p)
		if err != nil {
			return nil, err
		}
		k[i] = seg
	}
	return k, nil
}

// Versionstamp identifies the commit that last wrote a key. Versionstamps of
// later commits compare greater. The empty versionstamp means "absent".
type Versionstamp string

// Entry is the result of reading one key.
type Entry struct {
	Key          Key
	Value        []byte // nil when the key is absent
	Versionstamp Versionstamp
}

// Exists reports whether the key was present when read.
func (e Entry) Exists() bool {
	return e.Versionstamp != ""
}

// Backend is a versioned key-value store. Implementations must be safe for
// concurrent use.
type Backend interface {
	Get(ctx context.Context, key Key) (Entry, error)
	// GetMany reads keys in one round trip and returns entries in the same
	// order. The read is not required to be a consistent snapshot; callers
	// guard consistency with checks at commit time.
	GetMany(ctx context.Context, keys ...Key) ([]Entry, error)
	// Commit applies every mutation of a, or none of them. It returns
	// ErrCheckFailed if a check does not hold.
	Commit(ctx context.Context, a *Atomic) (Versionstamp, error)
	Ping(ctx context.Context) error
	Close() error
}

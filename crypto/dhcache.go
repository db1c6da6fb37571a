package crypto

import (
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DHCacheSize is the bounded size of the DH cache (spec.md §4.1).
const DHCacheSize = 4096

// dhCacheEntrySize is public(32) + secret(32) + shared(32).
const dhCacheEntrySize = 96

type dhCacheKey struct {
	public Key
	secret Key
}

// DHCache is a process-wide, bounded LRU cache of (public, secret) ->
// shared-secret, shared by every System of a given kind so that repeated DH
// against the same peer avoids the (non-trivial) scalar multiplication cost
// — this is what keeps DH off the suspendable executor's hot path (spec.md
// §5). It is safe for concurrent use; contention should be brief (spec.md
// §5 Shared-resource policy).
type DHCache struct {
	mu    sync.Mutex
	cache *lru.Cache[dhCacheKey, Key]
}

// NewDHCache returns an empty cache capped at DHCacheSize entries.
func NewDHCache() *DHCache {
	c, err := lru.New[dhCacheKey, Key](DHCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which DHCacheSize
		// never is.
		panic(err)
	}
	return &DHCache{cache: c}
}

// Get returns the cached shared secret for (public, secret), if present.
func (d *DHCache) Get(public, secret Key) (Key, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Get(dhCacheKey{public, secret})
}

// Put records a freshly computed shared secret, evicting the least recently
// used entry if the cache is full.
func (d *DHCache) Put(public, secret, shared Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Add(dhCacheKey{public, secret}, shared)
}

// Len reports the number of cached entries.
func (d *DHCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}

// SaveTo serializes the cache as a reverse-ordered byte stream (newest
// first, each entry 96 bytes: public || secret || shared) so that on reload
// the hottest entries are reconstructed first and, if truncated by a
// size cap, the coldest entries are the ones dropped (spec.md §4.1, §6).
func (d *DHCache) SaveTo(w io.Writer) error {
	d.mu.Lock()
	keys := d.cache.Keys() // oldest first
	entries := make([][dhCacheEntrySize]byte, 0, len(keys))
	for _, k := range keys {
		shared, ok := d.cache.Peek(k)
		if !ok {
			continue
		}
		var buf [dhCacheEntrySize]byte
		copy(buf[0:32], k.public[:])
		copy(buf[32:64], k.secret[:])
		copy(buf[64:96], shared[:])
		entries = append(entries, buf)
	}
	d.mu.Unlock()

	// Newest first: iterate entries in reverse (lru.Keys returns oldest
	// first, so the last element is newest).
	for i := len(entries) - 1; i >= 0; i-- {
		if _, err := w.Write(entries[i][:]); err != nil {
			return fmt.Errorf("crypto: writing dh cache entry: %w", err)
		}
	}
	return nil
}

// LoadFrom repopulates the cache from a stream produced by SaveTo. Entries
// are applied in stream order (newest first); since the underlying LRU
// treats the most recently added entry as most-recently-used, this
// reconstructs the original recency ordering as entries are added oldest
// last, so we first parse all entries, then add them in reverse (coldest
// first) ensuring the newest entry ends up most-recently-used.
func (d *DHCache) LoadFrom(r io.Reader) error {
	var entries [][dhCacheEntrySize]byte
	for {
		var buf [dhCacheEntrySize]byte
		n, err := io.ReadFull(r, buf[:])
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			return fmt.Errorf("crypto: truncated dh cache entry (%d bytes)", n)
		}
		if err != nil {
			return fmt.Errorf("crypto: reading dh cache: %w", err)
		}
		entries = append(entries, buf)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		buf := entries[i]
		var k dhCacheKey
		var shared Key
		copy(k.public[:], buf[0:32])
		copy(k.secret[:], buf[32:64])
		copy(shared[:], buf[64:96])
		d.Put(k.public, k.secret, shared)
	}
	return nil
}

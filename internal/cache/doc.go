/*
Package cache provides an in-memory read cache sitting in front of
internal/store's object blobs.

A single LRU holds recently read (or just-written) blob
contents keyed by digest, so a hot file's current version is served
without a second disk read on every handle that opens it. It is not a
second source of truth: the object store and metadata index remain
authoritative, and a cache miss always falls back to reading the blob
from disk.

# Eviction

When capacity is exceeded the least recently used entry is evicted
first. Each entry records a weight derived from its size and access
count, but the weight does not affect which entry is evicted. A TTL
of 0 means entries are never time-evicted — an object's bytes never
change once written, so only capacity pressure evicts them. The TTL
comes from the CacheConfig passed to internal/store.EnableCache; the
default configuration (internal/config) sets it to 5 minutes.

# Usage

	blobs := cache.NewLRUCache(&cache.CacheConfig{
		MaxSize:    256 << 20,
		MaxEntries: 100000,
	})
	blobs.Put(digest, 0, data)
	if cached := blobs.Get(digest, 0, 0); cached != nil {
		// use cached bytes
	}

# Memory pressure

Resize lowers capacity and evicts down to the new ceiling; pkg/memmon
calls this (via internal/store.ShrinkCache) when a memory alert fires,
trading cache hit rate for headroom rather than letting the process
grow unbounded.
*/
package cache

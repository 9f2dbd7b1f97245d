package buffer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cowfs/cowfs/pkg/errors"
)

// WriteBuffer holds one mutable byte buffer per open file inode,
// seeded lazily from the file's current object and flushed through to
// the object store and metadata index on demand. It implements
// types.WriteBuffer (component C, spec.md §4.C).
type WriteBuffer struct {
	mu      sync.RWMutex
	config  *Config
	buffers map[int64]*entry
	stats   Stats
	pool    *BytePool

	seed  SeedFunc
	flush FlushFunc
}

// Config controls buffer sizing. IdleTimeout is carried in the
// configuration but nothing reads it: buffers are evicted only when
// MaxBuffers is reached, never for being idle.
type Config struct {
	MaxBufferSize int64         `yaml:"max_buffer_size"`
	MaxBuffers    int           `yaml:"max_buffers"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig returns sane defaults for a single-node mount.
func DefaultConfig() *Config {
	return &Config{
		MaxBufferSize: 64 * 1024 * 1024,
		MaxBuffers:    1024,
		IdleTimeout:   5 * time.Minute,
	}
}

// Stats tracks write-buffer activity, surfaced via `stats`.
type Stats struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalFlushes  uint64    `json:"total_flushes"`
	TotalBytes    int64     `json:"total_bytes"`
	PendingBuffers int      `json:"pending_buffers"`
	PendingBytes  int64     `json:"pending_bytes"`
	Errors        uint64    `json:"errors"`
	LastFlush     time.Time `json:"last_flush"`
}

// entry is one inode's in-memory mutable buffer.
type entry struct {
	data       []byte
	seeded     bool
	dirty      bool
	lastAccess time.Time
	fromPool   bool // data's backing array came from WriteBuffer.pool
}

// SeedFunc loads a file's current content so the buffer can serve
// reads and partial writes before the whole object is rewritten.
// Returning (nil, nil) means the file is currently empty.
type SeedFunc func(ctx context.Context, inodeID int64) ([]byte, error)

// FlushFunc persists a buffer's full contents: hashing it, writing the
// object, appending a version, and adjusting reference counts. It runs
// inside whatever transaction the caller wants around that sequence.
type FlushFunc func(ctx context.Context, inodeID int64, data []byte) error

// New creates a write buffer. seed and flush must not be nil.
func New(config *Config, seed SeedFunc, flush FlushFunc) *WriteBuffer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxBufferSize <= 0 {
		config.MaxBufferSize = DefaultConfig().MaxBufferSize
	}
	if config.MaxBuffers <= 0 {
		config.MaxBuffers = DefaultConfig().MaxBuffers
	}
	return &WriteBuffer{
		config:  config,
		buffers: make(map[int64]*entry),
		pool:    NewBytePool(),
		seed:    seed,
		flush:   flush,
	}
}

// ensureSeeded returns the buffer entry for inodeID, creating and
// seeding it from the current object if this is the first touch.
// Caller must hold wb.mu.
func (wb *WriteBuffer) ensureSeeded(ctx context.Context, inodeID int64) (*entry, error) {
	e, ok := wb.buffers[inodeID]
	if ok {
		e.lastAccess = time.Now()
		return e, nil
	}

	if len(wb.buffers) >= wb.config.MaxBuffers {
		wb.evictOneLocked(ctx)
	}

	data, err := wb.seed(ctx, inodeID)
	if err != nil {
		return nil, err
	}
	e = &entry{
		data:       append([]byte(nil), data...),
		seeded:     true,
		lastAccess: time.Now(),
	}
	wb.buffers[inodeID] = e
	return e, nil
}

// evictOneLocked drops the least-recently-touched buffer, clean or
// dirty, to make room under MaxBuffers. A dirty buffer is flushed
// first; if that flush fails the buffer is kept and nothing is
// evicted, so eviction never loses writes.
func (wb *WriteBuffer) evictOneLocked(ctx context.Context) {
	var oldestID int64
	var oldestTime time.Time
	found := false
	for id, e := range wb.buffers {
		if !found || e.lastAccess.Before(oldestTime) {
			oldestID, oldestTime, found = id, e.lastAccess, true
		}
	}
	if !found {
		return
	}
	e := wb.buffers[oldestID]
	if e.dirty {
		if err := wb.flush(ctx, oldestID, e.data); err == nil {
			e.dirty = false
			wb.stats.TotalFlushes++
			wb.stats.LastFlush = time.Now()
		} else {
			wb.stats.Errors++
			return // keep it around rather than losing unflushed data
		}
	}
	if e.fromPool {
		wb.pool.Put(e.data)
	}
	delete(wb.buffers, oldestID)
}

// growLocked replaces e.data with a zero-filled buffer of the given
// length, drawn from wb.pool's size-bucketed slices rather than a
// fresh allocation, and returns the old backing array to the pool
// when it was itself pool-sourced. Caller must hold wb.mu.
func (wb *WriteBuffer) growLocked(e *entry, length int64) {
	grown := wb.pool.Get(int(length))
	copy(grown, e.data)
	if e.fromPool {
		wb.pool.Put(e.data)
	}
	e.data = grown
	e.fromPool = true
}

// Write copies data into inodeID's buffer at offset, zero-filling any
// gap if offset lies past the buffer's current length.
func (wb *WriteBuffer) Write(ctx context.Context, inodeID int64, offset int64, data []byte) (int, error) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	e, err := wb.ensureSeeded(ctx, inodeID)
	if err != nil {
		return 0, err
	}

	end := offset + int64(len(data))
	if end > wb.config.MaxBufferSize {
		return 0, errors.NewError(errors.ErrCodeBufferFull, "write would exceed max buffer size").
			WithComponent("buffer").WithOperation("write")
	}

	if end > int64(len(e.data)) {
		wb.growLocked(e, end)
	}
	n := copy(e.data[offset:end], data)

	e.dirty = true
	e.lastAccess = time.Now()
	wb.stats.TotalWrites++
	wb.stats.TotalBytes += int64(n)
	return n, nil
}

// Read returns up to length bytes starting at offset from inodeID's
// buffer, seeding it first if this is the first touch. Reading past
// the buffer's end returns fewer bytes, never an error.
func (wb *WriteBuffer) Read(ctx context.Context, inodeID int64, offset, length int64) ([]byte, error) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	e, err := wb.ensureSeeded(ctx, inodeID)
	if err != nil {
		return nil, err
	}

	if offset >= int64(len(e.data)) {
		return []byte{}, nil
	}
	end := offset + length
	if end > int64(len(e.data)) {
		end = int64(len(e.data))
	}
	out := make([]byte, end-offset)
	copy(out, e.data[offset:end])
	return out, nil
}

// Truncate resizes inodeID's buffer to size, zero-filling on growth.
func (wb *WriteBuffer) Truncate(ctx context.Context, inodeID int64, size int64) error {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	e, err := wb.ensureSeeded(ctx, inodeID)
	if err != nil {
		return err
	}
	if size > wb.config.MaxBufferSize {
		return errors.NewError(errors.ErrCodeBufferFull, "truncate would exceed max buffer size").
			WithComponent("buffer").WithOperation("truncate")
	}

	switch {
	case size == int64(len(e.data)):
		// no-op
	case size < int64(len(e.data)):
		e.data = e.data[:size]
	default:
		wb.growLocked(e, size)
	}
	e.dirty = true
	e.lastAccess = time.Now()
	return nil
}

// Flush persists inodeID's buffer if dirty. A clean buffer's Flush is
// a no-op, so repeated fsync/release calls stay cheap.
func (wb *WriteBuffer) Flush(ctx context.Context, inodeID int64) error {
	wb.mu.Lock()
	e, ok := wb.buffers[inodeID]
	if !ok || !e.dirty {
		wb.mu.Unlock()
		return nil
	}
	data := append([]byte(nil), e.data...)
	wb.mu.Unlock()

	if err := wb.flush(ctx, inodeID, data); err != nil {
		wb.mu.Lock()
		wb.stats.Errors++
		wb.mu.Unlock()
		return err
	}

	wb.mu.Lock()
	if e, ok := wb.buffers[inodeID]; ok {
		e.dirty = false
	}
	wb.stats.TotalFlushes++
	wb.stats.LastFlush = time.Now()
	wb.mu.Unlock()
	return nil
}

// Release flushes and then discards inodeID's buffer, used on the
// filesystem handler's release (final close of a file descriptor).
func (wb *WriteBuffer) Release(ctx context.Context, inodeID int64) error {
	if err := wb.Flush(ctx, inodeID); err != nil {
		return err
	}
	wb.mu.Lock()
	if e, ok := wb.buffers[inodeID]; ok && e.fromPool {
		wb.pool.Put(e.data)
	}
	delete(wb.buffers, inodeID)
	wb.mu.Unlock()
	return nil
}

// Dirty reports whether inodeID has unflushed writes buffered.
func (wb *WriteBuffer) Dirty(inodeID int64) bool {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	e, ok := wb.buffers[inodeID]
	return ok && e.dirty
}

// BufferedSize returns inodeID's current buffered length and whether it
// has an open buffer at all. The handler calls this on getattr so a
// file's reported size reflects in-flight writes or truncates that have
// not been flushed yet.
func (wb *WriteBuffer) BufferedSize(inodeID int64) (int64, bool) {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	e, ok := wb.buffers[inodeID]
	if !ok {
		return 0, false
	}
	return int64(len(e.data)), true
}

// Size returns the total bytes currently held across all buffers.
func (wb *WriteBuffer) Size() int64 {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	var total int64
	for _, e := range wb.buffers {
		total += int64(len(e.data))
	}
	return total
}

// Count returns the number of open buffers.
func (wb *WriteBuffer) Count() int {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	return len(wb.buffers)
}

// GetStats returns a snapshot of buffer activity counters.
func (wb *WriteBuffer) GetStats() Stats {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	s := wb.stats
	s.PendingBuffers = len(wb.buffers)
	var pending int64
	for _, e := range wb.buffers {
		if e.dirty {
			pending += int64(len(e.data))
		}
	}
	s.PendingBytes = pending
	return s
}

// flushConcurrency bounds how many inodes FlushAll drains at once, so
// an unmount with thousands of dirty buffers doesn't open thousands of
// object-store writers simultaneously.
const flushConcurrency = 16

// FlushAll flushes every dirty buffer, used on unmount. Each inode's
// hash-then-put-then-append work is independent of every other's, so
// this drains them concurrently rather than one at a time.
func (wb *WriteBuffer) FlushAll(ctx context.Context) error {
	wb.mu.RLock()
	ids := make([]int64, 0, len(wb.buffers))
	for id, e := range wb.buffers {
		if e.dirty {
			ids = append(ids, id)
		}
	}
	wb.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(flushConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return wb.Flush(gctx, id)
		})
	}
	return g.Wait()
}

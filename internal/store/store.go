// Package store implements the content-addressed object store (component
// A): a flat, sharded repository of immutable blobs keyed by a
// cryptographic digest of their content.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/cowfs/cowfs/internal/cache"
	"github.com/cowfs/cowfs/internal/circuit"
	"github.com/cowfs/cowfs/pkg/errors"
	"github.com/cowfs/cowfs/pkg/retry"
	"github.com/cowfs/cowfs/pkg/types"
	"github.com/cowfs/cowfs/pkg/utils"
)

// AlgoSHA256 and AlgoBLAKE3 are the two supported digest algorithms.
// The chosen algorithm is recorded once in the backend's format marker
// and never mixed within one backend.
const (
	AlgoSHA256 = "sha256"
	AlgoBLAKE3 = "blake3"
)

// FormatVersion is the current on-disk layout version this store writes.
const FormatVersion = 1

// markerName is the small file at the backend root that identifies the
// directory as a COWFS backend.
const markerName = ".cowfs"

// objectsDir is the root of the sharded blob layout.
const objectsDir = "objects"

// marker is the structured document recorded at <root>/.cowfs.
type marker struct {
	FormatVersion int       `json:"format_version"`
	DigestAlgo    string    `json:"digest_algo"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store is a sharded, content-addressed blob repository rooted at a
// backend directory. The first two hex characters of a digest form a
// shard subdirectory under objects/, bounding any single directory's
// fan-out to 256 entries.
type Store struct {
	root    string
	algo    string
	breaker *circuit.CircuitBreaker
	retryer *retry.Retryer
	blobs   *cache.LRUCache // nil unless EnableCache was called
}

// Init creates a new backend at root: writes the format marker and the
// objects/ directory. It fails if root is already an initialized
// backend with a different digest algorithm.
func Init(root, algo string) error {
	if algo != AlgoSHA256 && algo != AlgoBLAKE3 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "unsupported digest algorithm: "+algo).
			WithComponent("store")
	}

	if err := os.MkdirAll(filepath.Join(root, objectsDir), 0750); err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "failed to create objects directory").
			WithComponent("store").WithCause(err)
	}

	markerPath := filepath.Join(root, markerName)
	if _, err := os.Stat(markerPath); err == nil {
		return errors.NewError(errors.ErrCodeExists, "backend already initialized").
			WithComponent("store").WithContext("root", root)
	}

	m := marker{FormatVersion: FormatVersion, DigestAlgo: algo, CreatedAt: time.Now()}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to encode format marker").WithCause(err)
	}
	if err := writeFileSync(markerPath, data); err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "failed to write format marker").
			WithComponent("store").WithCause(err)
	}
	return nil
}

// Open opens an existing backend at root. It refuses any directory
// lacking the format marker or declaring an unsupported version.
func Open(root string) (*Store, error) {
	markerPath := filepath.Join(root, markerName)
	data, err := os.ReadFile(markerPath)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeNotFound, "not a COWFS backend: missing "+markerName).
			WithComponent("store").WithContext("root", root).WithCause(err)
	}

	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.NewError(errors.ErrCodeCorruption, "format marker is not valid JSON").
			WithComponent("store").WithCause(err)
	}
	if m.FormatVersion != FormatVersion {
		return nil, errors.NewError(errors.ErrCodeNotSupported,
			fmt.Sprintf("unsupported format version %d", m.FormatVersion)).WithComponent("store")
	}
	if m.DigestAlgo != AlgoSHA256 && m.DigestAlgo != AlgoBLAKE3 {
		return nil, errors.NewError(errors.ErrCodeCorruption, "unknown digest algorithm in format marker").
			WithComponent("store").WithContext("algo", m.DigestAlgo)
	}

	breakerCfg := circuit.Config{
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
	}

	return &Store{
		root:    root,
		algo:    m.DigestAlgo,
		breaker: circuit.NewCircuitBreaker("object-store", breakerCfg),
		retryer: retry.New(retry.Config{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
			RetryableErrors: []errors.ErrorCode{
				errors.ErrCodeIOFailure,
			},
		}),
	}, nil
}

// Algo returns the backend's configured digest algorithm.
func (s *Store) Algo() string { return s.algo }

// blobCacheOffset and blobCacheSize address a digest's whole content
// in the LRUCache: offset 0, size 0 meaning "the full blob". The cache
// key is built from digest and offset only; the size is not part of it.
const blobCacheOffset, blobCacheSize = 0, 0

// EnableCache turns on an in-memory read cache in front of Get, sized
// and expired per cfg. Since a digest's blob never changes once
// written, cfg.TTL of 0 (cache forever, evict only for space) is the
// natural setting here, not a correctness risk the way it would be
// for a mutable backend.
func (s *Store) EnableCache(cfg *cache.CacheConfig) {
	s.blobs = cache.NewLRUCache(cfg)
}

// CacheStats returns read-cache statistics, or a zero value if
// EnableCache was never called.
func (s *Store) CacheStats() types.CacheStats {
	if s.blobs == nil {
		return types.CacheStats{}
	}
	return s.blobs.Stats()
}

// CacheSize returns the read cache's current byte footprint, or 0 if
// EnableCache was never called.
func (s *Store) CacheSize() int64 {
	if s.blobs == nil {
		return 0
	}
	return s.blobs.Size()
}

// ShrinkCache resizes the read cache's capacity down to target bytes,
// evicting entries as needed. Used under memory pressure (see
// pkg/memmon's OnAlert hook); a no-op if EnableCache was never called.
func (s *Store) ShrinkCache(target int64) {
	if s.blobs == nil || target <= 0 {
		return
	}
	s.blobs.Resize(target)
}

// digest computes this store's configured digest of data.
func (s *Store) digest(data []byte) string {
	switch s.algo {
	case AlgoBLAKE3:
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
}

// shardPath returns the blob path for a digest: <root>/objects/<xx>/<rest>.
// Digests normally come from Store's own hash of written content, but
// Get/GetSlice/Delete/Exists all accept a caller-supplied digest string
// (e.g. one read back out of the metadata index), so the shard path is
// joined through SecureJoin rather than a bare filepath.Join: a
// malformed or adversarial digest (containing "../") must not be able
// to walk the resulting path outside the objects directory.
func (s *Store) shardPath(digest string) (string, error) {
	if len(digest) < 3 {
		return "", errors.NewError(errors.ErrCodeInvalidConfig, "digest too short").WithComponent("store")
	}
	objRoot := filepath.Join(s.root, objectsDir)
	path, err := utils.SecureJoin(objRoot, digest[:2], digest[2:])
	if err != nil {
		return "", errors.NewError(errors.ErrCodeInvalidConfig, "invalid digest").WithComponent("store").WithCause(err)
	}
	return path, nil
}

// Put computes the digest of data and stores it if not already
// present. A second Put of identical content is a no-op that returns
// the same digest: the digest is cryptographic, so an existing blob at
// the corresponding path is assumed to match.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	digest := s.digest(data)
	path, err := s.shardPath(digest)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		if s.blobs != nil {
			s.blobs.Put(digest, blobCacheOffset, data)
		}
		return digest, nil
	}

	err = s.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			if err := writeBlobAtomic(path, data); err != nil {
				return errors.NewError(errors.ErrCodeIOFailure, "blob write attempt failed").WithCause(err)
			}
			return nil
		})
	})
	if err != nil {
		return "", errors.NewError(errors.ErrCodeIOFailure, "failed to write blob").
			WithComponent("store").WithOperation("put").WithContext("digest", digest).WithCause(err)
	}
	if s.blobs != nil {
		s.blobs.Put(digest, blobCacheOffset, data)
	}
	return digest, nil
}

// Get reads the full contents of the blob for digest.
func (s *Store) Get(ctx context.Context, digest string) ([]byte, error) {
	if s.blobs != nil {
		if cached := s.blobs.Get(digest, blobCacheOffset, blobCacheSize); cached != nil {
			return cached, nil
		}
	}

	path, err := s.shardPath(digest)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewError(errors.ErrCodeNotFound, "object not found").
				WithComponent("store").WithContext("digest", digest)
		}
		return nil, errors.NewError(errors.ErrCodeIOFailure, "failed to read blob").
			WithComponent("store").WithCause(err)
	}
	if s.blobs != nil {
		s.blobs.Put(digest, blobCacheOffset, data)
	}
	return data, nil
}

// GetSlice reads length bytes starting at offset from the blob for
// digest. It may return fewer bytes only if the blob is shorter than
// offset+length.
func (s *Store) GetSlice(ctx context.Context, digest string, offset, length int64) ([]byte, error) {
	path, err := s.shardPath(digest)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewError(errors.ErrCodeNotFound, "object not found").
				WithComponent("store").WithContext("digest", digest)
		}
		return nil, errors.NewError(errors.ErrCodeIOFailure, "failed to open blob").WithCause(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "failed to stat blob").WithCause(err)
	}
	if offset >= info.Size() {
		return []byte{}, nil
	}
	if offset+length > info.Size() {
		length = info.Size() - offset
	}

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "failed to read blob slice").WithCause(err)
	}
	return buf[:n], nil
}

// Exists reports whether a blob for digest exists.
func (s *Store) Exists(ctx context.Context, digest string) (bool, error) {
	path, err := s.shardPath(digest)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(path)
	if statErr == nil {
		return true, nil
	}
	if os.IsNotExist(statErr) {
		return false, nil
	}
	return false, errors.NewError(errors.ErrCodeIOFailure, "failed to stat blob").WithCause(statErr)
}

// Delete removes the blob for digest. It is idempotent: deleting a
// missing blob is not an error.
func (s *Store) Delete(ctx context.Context, digest string) error {
	path, err := s.shardPath(digest)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewError(errors.ErrCodeIOFailure, "failed to delete blob").
			WithComponent("store").WithCause(err)
	}
	if s.blobs != nil {
		s.blobs.Delete(digest)
	}
	return nil
}

// EmptyDigest returns the well-known digest of the empty byte sequence
// under this store's configured algorithm (spec.md §4.D's "empty file
// convention").
func (s *Store) EmptyDigest() string {
	return s.digest(nil)
}

// writeBlobAtomic writes data to a temp file in the blob's shard
// directory, fsyncs it, then renames it into place — durable before
// return, atomic within one filesystem (spec.md §5's durability
// ordering step 1-2).
func writeBlobAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// writeFileSync writes data to path and flushes it to stable storage
// before returning.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

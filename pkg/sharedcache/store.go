package sharedcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// ErrLocked marks a shared-cache entry whose write is still in flight. It is
// advisory: callers treat a locked entry exactly like a miss and fall
// through to the store. It is never fatal and never surfaced to users.
var ErrLocked = errors.New("shared cache entry is locked by an in-flight write")

// WriteMode selects what a successful store write leaves in the shared
// cache.
type WriteMode int

const (
	// WriteBack replaces the lock with the freshly written value.
	WriteBack WriteMode = iota
	// InvalidateOnly deletes the entry and lets the next read repopulate it.
	InvalidateOnly
)

// State classifies a shared-cache entry.
type State int

const (
	// StateMiss means no usable entry exists.
	StateMiss State = iota
	// StateValue means a cached serialized value is present.
	StateValue
	// StateLocked means a write is in flight; readers must fall through.
	StateLocked
)

// Result is the per-key outcome of a batched lookup. Value is set only for
// StateValue.
type Result struct {
	State State
	Value []byte
}

// Entry wire format markers. A lock holds an unguessable token so no two
// writers ever install an identical entry.
const (
	markerLock       = 0x00
	markerRaw        = 0x01
	markerCompressed = 0x02
)

// lockTTL bounds how long a crashed writer can leave a key unreadable from
// cache. Readers fall through to the store meanwhile, so the value is a
// staleness/throughput trade-off, not a correctness one.
const lockTTL = 32 * time.Second

// Config holds Store settings. Zero values get defaults.
type Config struct {
	// Prefix namespaces every cache key, so one backend can serve several
	// applications. Default "es:".
	Prefix string
	// TTL applies to written-back values. Zero means no expiry.
	TTL time.Duration
	// CompressThreshold is the value size in bytes at which zstd compression
	// kicks in. Default 1024.
	CompressThreshold int
}

// Store implements the coherence protocol over a Backend.
type Store struct {
	backend   Backend
	prefix    string
	ttl       time.Duration
	threshold int
	logger    zerolog.Logger
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewStore creates a protocol store over backend.
func NewStore(backend Backend, cfg *Config, logger zerolog.Logger) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "es:"
	}
	threshold := cfg.CompressThreshold
	if threshold <= 0 {
		threshold = 1024
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Store{
		backend:   backend,
		prefix:    prefix,
		ttl:       cfg.TTL,
		threshold: threshold,
		logger:    logger.With().Str("component", "SharedCache").Logger(),
		enc:       enc,
		dec:       dec,
	}, nil
}

func (s *Store) cacheKey(key string) string { return s.prefix + key }

func (s *Store) encodeValue(val []byte) []byte {
	if len(val) >= s.threshold {
		return append([]byte{markerCompressed}, s.enc.EncodeAll(val, nil)...)
	}
	return append([]byte{markerRaw}, val...)
}

func (s *Store) decodeEntry(raw []byte) (Result, error) {
	if len(raw) == 0 {
		return Result{State: StateMiss}, nil
	}
	switch raw[0] {
	case markerLock:
		return Result{State: StateLocked}, nil
	case markerRaw:
		return Result{State: StateValue, Value: raw[1:]}, nil
	case markerCompressed:
		val, err := s.dec.DecodeAll(raw[1:], nil)
		if err != nil {
			return Result{}, fmt.Errorf("decompress cached value: %w", err)
		}
		return Result{State: StateValue, Value: val}, nil
	default:
		return Result{}, fmt.Errorf("unknown shared cache entry marker 0x%02x", raw[0])
	}
}

// LookupMulti performs one batched read. Every requested key appears in the
// result: locked entries and undecodable entries degrade to StateMiss so
// the caller falls through to the store uniformly.
func (s *Store) LookupMulti(ctx context.Context, keys []string) (map[string]Result, error) {
	cacheKeys := make([]string, len(keys))
	for i, k := range keys {
		cacheKeys[i] = s.cacheKey(k)
	}
	raw, err := s.backend.GetMulti(ctx, cacheKeys)
	if err != nil {
		return nil, fmt.Errorf("shared cache lookup: %w", err)
	}
	out := make(map[string]Result, len(keys))
	for i, k := range keys {
		entry, ok := raw[cacheKeys[i]]
		if !ok {
			out[k] = Result{State: StateMiss}
			continue
		}
		res, decErr := s.decodeEntry(entry)
		if decErr != nil {
			s.logger.Error().Err(decErr).Str("key", k).Msg("Dropping undecodable shared cache entry.")
			_ = s.backend.Delete(ctx, cacheKeys[i])
			res = Result{State: StateMiss}
		}
		if res.State == StateLocked {
			s.logger.Debug().Err(ErrLocked).Str("key", k).Msg("Locked entry treated as miss.")
		}
		out[k] = res
	}
	return out, nil
}

// Lock begins the write protocol for key: the stale entry is deleted and a
// short-lived lock installed, so a concurrent reader cannot re-cache the
// old value while the store write is in flight.
func (s *Store) Lock(ctx context.Context, key string) error {
	ck := s.cacheKey(key)
	if err := s.backend.Delete(ctx, ck); err != nil {
		return fmt.Errorf("clear entry before lock: %w", err)
	}
	token := append([]byte{markerLock}, []byte(uuid.NewString())...)
	// A losing AddIfAbsent means a concurrent writer already holds a lock,
	// which serves the same purpose.
	if _, err := s.backend.AddIfAbsent(ctx, ck, token, lockTTL); err != nil {
		return fmt.Errorf("install lock: %w", err)
	}
	return nil
}

// Unlock ends the write protocol after a failed store write: the lock is
// removed so the entry is never left locked longer than necessary.
func (s *Store) Unlock(ctx context.Context, keys ...string) error {
	cacheKeys := make([]string, len(keys))
	for i, k := range keys {
		cacheKeys[i] = s.cacheKey(k)
	}
	return s.backend.Delete(ctx, cacheKeys...)
}

// Confirm ends the write protocol after a successful store write. Under
// WriteBack the fresh value replaces the lock; under InvalidateOnly the
// entry is deleted and the next read repopulates it.
func (s *Store) Confirm(ctx context.Context, key string, value []byte, mode WriteMode) error {
	ck := s.cacheKey(key)
	if mode == InvalidateOnly || value == nil {
		return s.backend.Delete(ctx, ck)
	}
	return s.backend.Set(ctx, ck, s.encodeValue(value), s.ttl)
}

// AddValue is the read path's write-back: it populates key only when no
// entry exists, so it can never overwrite a writer's lock. Reports whether
// the value was stored.
func (s *Store) AddValue(ctx context.Context, key string, value []byte) (bool, error) {
	return s.backend.AddIfAbsent(ctx, s.cacheKey(key), s.encodeValue(value), s.ttl)
}

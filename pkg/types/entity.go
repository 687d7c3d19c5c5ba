// Package types holds the value types shared across package boundaries:
// entities, mutations and per-key batch results.
package types

import (
	"github.com/illmade-knight/go-entitystore/pkg/keys"
)

// Entity is a decoded document: a key plus a flat property bag. The core
// never interprets property values; it only moves them between the caches
// and the store.
type Entity struct {
	Key keys.Key `json:"key"`
	// Properties is the decoded document body.
	Properties map[string]interface{} `json:"properties"`
}

// Clone returns a shallow copy of the entity with its own property map, so
// cache fills cannot alias caller-held maps.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	props := make(map[string]interface{}, len(e.Properties))
	for k, v := range e.Properties {
		props[k] = v
	}
	return &Entity{Key: e.Key, Properties: props}
}

// MutationOp distinguishes the write shapes a batch write can carry.
type MutationOp int

const (
	// OpUpsert writes the entity, creating or replacing it.
	OpUpsert MutationOp = iota
	// OpDelete removes the entity named by Key. Deleting an absent entity
	// succeeds (idempotent).
	OpDelete
)

// Mutation is one element of a batched write.
type Mutation struct {
	Op     MutationOp
	Key    keys.Key
	Entity *Entity // nil for OpDelete
}

// LookupResult is the per-key outcome of a batched lookup. Exactly one of
// the three cases holds: Entity set, Missing true, or Err set.
type LookupResult struct {
	Entity  *Entity
	Missing bool
	Err     error
}

// WriteResult is the per-mutation outcome of a batched write. A nil Err is
// an acknowledgement.
type WriteResult struct {
	Err error
}

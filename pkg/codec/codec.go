// Package codec centralizes the entity <-> bytes encoding used to form
// shared-cache values. The core treats codec output as opaque: it is written
// to and read from the shared cache but never interpreted.
//
// Codec selection is a breaking-change boundary: values cached by one codec
// may not decode under another, so changing codecs requires flushing the
// shared cache.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-entitystore/pkg/types"
)

// Codec encodes entities for the shared cache and decodes them back.
type Codec interface {
	EncodeEntity(ent *types.Entity) ([]byte, error)
	DecodeEntity(data []byte) (*types.Entity, error)
}

// JSON is the default codec, matching the serialization the rest of the
// stack uses for cache payloads.
type JSON struct{}

// EncodeEntity marshals the entity to JSON.
func (JSON) EncodeEntity(ent *types.Entity) ([]byte, error) {
	data, err := json.Marshal(ent)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity %s: %w", ent.Key, err)
	}
	return data, nil
}

// DecodeEntity unmarshals a cached value back into an entity.
func (JSON) DecodeEntity(data []byte) (*types.Entity, error) {
	var ent types.Entity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached entity: %w", err)
	}
	return &ent, nil
}

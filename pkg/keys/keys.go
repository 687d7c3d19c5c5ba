// Package keys defines the entity Key type: an ordered path of
// (kind, identifier) pairs plus an optional namespace. Keys are immutable
// values, totally ordered, and carry a canonical string encoding that the
// caching layers use as their index.
package keys

import (
	"fmt"
	"strconv"
	"strings"
)

// PathElement is one (kind, identifier) pair of a key path. Exactly one of
// ID or Name identifies the entity within its kind: a numeric ID, or a
// non-empty string name.
type PathElement struct {
	Kind string
	ID   int64
	Name string
}

// Key identifies an entity in the remote store. The last path element names
// the entity itself; preceding elements name its ancestors.
type Key struct {
	Namespace string
	Path      []PathElement
}

// IDKey returns a key for kind with a numeric identifier, optionally rooted
// under parent.
func IDKey(kind string, id int64, parent *Key) Key {
	k := Key{}
	if parent != nil {
		k.Namespace = parent.Namespace
		k.Path = append(k.Path, parent.Path...)
	}
	k.Path = append(k.Path, PathElement{Kind: kind, ID: id})
	return k
}

// NameKey returns a key for kind with a string identifier, optionally rooted
// under parent.
func NameKey(kind, name string, parent *Key) Key {
	k := Key{}
	if parent != nil {
		k.Namespace = parent.Namespace
		k.Path = append(k.Path, parent.Path...)
	}
	k.Path = append(k.Path, PathElement{Kind: kind, Name: name})
	return k
}

// WithNamespace returns a copy of k tagged with the given namespace.
func (k Key) WithNamespace(ns string) Key {
	k2 := Key{Namespace: ns, Path: make([]PathElement, len(k.Path))}
	copy(k2.Path, k.Path)
	return k2
}

// Kind returns the kind of the entity the key names (the last path element),
// or "" for an empty key.
func (k Key) Kind() string {
	if len(k.Path) == 0 {
		return ""
	}
	return k.Path[len(k.Path)-1].Kind
}

// Valid reports whether every path element has a kind and exactly one
// identifier.
func (k Key) Valid() error {
	if len(k.Path) == 0 {
		return fmt.Errorf("key has an empty path")
	}
	for i, pe := range k.Path {
		if pe.Kind == "" {
			return fmt.Errorf("key path element %d has an empty kind", i)
		}
		if pe.Name != "" && pe.ID != 0 {
			return fmt.Errorf("key path element %d has both an ID and a name", i)
		}
		if pe.Name == "" && pe.ID == 0 {
			return fmt.Errorf("key path element %d has neither an ID nor a name", i)
		}
	}
	return nil
}

// Equal reports whether two keys name the same entity.
func (k Key) Equal(other Key) bool {
	return k.Compare(other) == 0
}

// Compare defines the total order used for canonical serialization:
// namespace first, then element-wise by kind, then identifier. Numeric IDs
// order before names within the same kind. Returns -1, 0 or 1.
func (k Key) Compare(other Key) int {
	if c := strings.Compare(k.Namespace, other.Namespace); c != 0 {
		return c
	}
	for i := 0; i < len(k.Path) && i < len(other.Path); i++ {
		a, b := k.Path[i], other.Path[i]
		if c := strings.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		aByName := a.Name != ""
		bByName := b.Name != ""
		if aByName != bByName {
			if bByName {
				return -1
			}
			return 1
		}
		if aByName {
			if c := strings.Compare(a.Name, b.Name); c != 0 {
				return c
			}
		} else {
			if a.ID < b.ID {
				return -1
			}
			if a.ID > b.ID {
				return 1
			}
		}
	}
	switch {
	case len(k.Path) < len(other.Path):
		return -1
	case len(k.Path) > len(other.Path):
		return 1
	}
	return 0
}

// Encode returns the canonical string form of the key, used as the index for
// both cache tiers. Kinds and names are quoted so the encoding is injective
// for any content, including the separator characters themselves.
func (k Key) Encode() string {
	var b strings.Builder
	if k.Namespace != "" {
		b.WriteString(strconv.Quote(k.Namespace))
	}
	for _, pe := range k.Path {
		b.WriteByte('/')
		b.WriteString(strconv.Quote(pe.Kind))
		b.WriteByte(':')
		if pe.Name != "" {
			b.WriteString(strconv.Quote(pe.Name))
		} else {
			b.WriteString(strconv.FormatInt(pe.ID, 10))
		}
	}
	return b.String()
}

// String implements fmt.Stringer using the canonical encoding.
func (k Key) String() string { return k.Encode() }

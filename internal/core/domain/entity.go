package domain

import (
	"fmt"
	"strings"
)

// Key identifies an entity in the store.
type Key struct {
	Namespace string `json:"namespace"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
}

// String renders the key as namespace/kind/name. The form is used as the
// storage key by the redis and postgres backends.
func (k Key) String() string {
	return k.Namespace + "/" + k.Kind + "/" + k.Name
}

// ParseKey parses the output of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return Key{}, fmt.Errorf("invalid key format: %q", s)
	}
	return Key{Namespace: parts[0], Kind: parts[1], Name: parts[2]}, nil
}

// Entity is a keyed bag of properties. The store treats properties as an
// opaque payload.
type Entity struct {
	Key        Key            `json:"key"`
	Properties map[string]any `json:"properties"`
}

// NewEntity returns an entity with an empty property map.
func NewEntity(key Key) *Entity {
	return &Entity{Key: key, Properties: make(map[string]any)}
}

// Set sets a property and returns the entity for chaining.
func (e *Entity) Set(name string, value any) *Entity {
	if e.Properties == nil {
		e.Properties = make(map[string]any)
	}
	e.Properties[name] = value
	return e
}

// Clone returns a shallow copy with its own property map.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := &Entity{Key: e.Key, Properties: make(map[string]any, len(e.Properties))}
	for k, v := range e.Properties {
		c.Properties[k] = v
	}
	return c
}

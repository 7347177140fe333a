// Package storage declares the operation contracts the engine consumes from
// the host's storage and permission backends, and the error kinds those
// contracts propagate.
package storage

import (
	"context"
	"errors"
)

// Record is a stored JSON object. Every record carries at least an "id"
// string and a "last_modified" integer stamped by the backend; tombstones
// additionally carry "deleted": true.
type Record = map[string]any

// ErrNotFound reports that an object does not exist (or is a tombstone where
// live data was requested).
var ErrNotFound = errors.New("object not found")

// ErrUnicity reports a create for an id that already exists.
var ErrUnicity = errors.New("object already exists")

// Comparison operators supported by list filters.
type Comparison string

const (
	Eq Comparison = "eq"
	Gt Comparison = "gt"
	Lt Comparison = "lt"
)

// Filter restricts a List to records whose field compares to Value.
type Filter struct {
	Field string
	Op    Comparison
	Value any
}

// Sort orders a List by one field.
type Sort struct {
	Field      string
	Descending bool
}

// Storage is the versioned object store. Object kinds are free-form
// ("bucket", "collection", "group", "record"); parentID scopes a kind to its
// container URI. Backends stamp a per-parent monotonically increasing
// last_modified on every mutation.
type Storage interface {
	// Get returns the live object, or ErrNotFound.
	Get(ctx context.Context, resourceName, parentID, objectID string) (Record, error)
	// Create inserts a new object, returning it with id and last_modified
	// set. An existing live object with the same id yields ErrUnicity.
	Create(ctx context.Context, resourceName, parentID string, obj Record) (Record, error)
	// Update upserts the object under the given id.
	Update(ctx context.Context, resourceName, parentID, objectID string, obj Record) (Record, error)
	// Delete tombstones the object and returns the tombstone, or
	// ErrNotFound.
	Delete(ctx context.Context, resourceName, parentID, objectID string) (Record, error)
	// List returns matching objects and their count. Tombstones are
	// included only when includeDeleted is set.
	List(ctx context.Context, resourceName, parentID string, filters []Filter, sorting []Sort, includeDeleted bool) ([]Record, int, error)
	// Timestamp returns the parent's collection timestamp: the highest
	// last_modified ever stamped under it.
	Timestamp(ctx context.Context, resourceName, parentID string) (int64, error)
	// DeleteAll removes every object under the parent; withDeleted also
	// purges tombstones. Returns the number of objects removed.
	DeleteAll(ctx context.Context, resourceName, parentID string, withDeleted bool) (int, error)
}

// ACE identifies one required (object URI, permission) pair.
type ACE struct {
	URI        string
	Permission string
}

// Permission is the host's permission backend.
type Permission interface {
	// ReplaceObjectPermissions overwrites the ACL of an object.
	ReplaceObjectPermissions(ctx context.Context, objectURI string, perms map[string][]string) error
	// AddPrincipalToACE grants one principal one permission on an object.
	AddPrincipalToACE(ctx context.Context, objectURI, permission, principal string) error
	// CheckPermission reports whether any of the principals holds any of
	// the required ACEs.
	CheckPermission(ctx context.Context, principals []string, required []ACE) (bool, error)
}

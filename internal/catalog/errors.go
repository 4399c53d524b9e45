package catalog

import "errors"

var (
	// ErrNoParent is an integrity failure: a resource that should be owned
	// by a parent has no key-table entry.
	ErrNoParent = errors.New("resource has no parent in key table")

	// ErrNotFound is returned when a catalog index or tag does not exist.
	ErrNotFound = errors.New("resource not found")
)

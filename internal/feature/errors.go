package feature

import (
	"errors"
)

var (
	// ErrNotFound indicates the Feature id is unknown to the store.
	ErrNotFound = errors.New("feature not found")

	// ErrDuplicateTitle indicates another Feature already carries the title.
	ErrDuplicateTitle = errors.New("feature title already exists")

	// ErrInvalidTitle indicates an empty or whitespace-only title.
	ErrInvalidTitle = errors.New("feature title cannot be empty")

	// ErrIllegalTransition indicates an attempted off-edge status change.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrUnknownDependency indicates a dependency id that refers to no
	// stored Feature.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrSelfDependency indicates a Feature depending on itself.
	ErrSelfDependency = errors.New("feature cannot depend on itself")
)

package storage

import "errors"

var (
	// ErrNotFound is returned when a path (or pool) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig is returned when a pool config is malformed or misses required keys.
	ErrInvalidConfig = errors.New("invalid storage config")

	// ErrUnsupportedKind is returned for unknown pool kinds.
	ErrUnsupportedKind = errors.New("unsupported storage kind")

	// ErrInvalidPath is returned for paths escaping the pool root or
	// naming the wrong kind of entry.
	ErrInvalidPath = errors.New("invalid path")

	// ErrDirectoryNotEmpty is returned by drivers that only delete empty directories.
	ErrDirectoryNotEmpty = errors.New("directory not empty")

	// ErrPartialFailure is returned when a multi-step move or copy completed only one side.
	ErrPartialFailure = errors.New("partial failure")

	// ErrBackendUnavailable is returned when a remote backend could not be reached or refused the request.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Package storage is the opaque blob store spec.md §1 treats as an external
// collaborator: read/write of named objects, nothing more. The facade in
// internal/catalog is the only caller that attaches meaning to the blobs.
package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Read when the named blob does not exist.
var ErrNotFound = errors.New("storage: blob not found")

// Backend is the minimal blob interface every metadata path is addressed
// through. Durability of Write is backend-provided, per spec.md §4.1.
type Backend interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	Delete(path string) error
	Exists(path string) (bool, error)
	// Flush forces any buffered writes to stable storage; called at the end
	// of every bulk job per spec.md §4.7 step 11.
	Flush() error
	Close() error
}

// Open selects a Backend by the storage_config option (spec.md §6).
// "file" (default) and "bolt" are recognized; the comparison is
// case-insensitive and anything else is an error, mirroring the teacher's
// config validation style of failing fast on an unknown selector.
func Open(storageConfig, dbPath string) (Backend, error) {
	switch strings.ToLower(storageConfig) {
	case "", "file":
		return newFileBackend(dbPath)
	case "bolt":
		return newBoltBackend(dbPath)
	default:
		return nil, fmt.Errorf("storage: unknown storage_config %q", storageConfig)
	}
}

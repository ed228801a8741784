// Package state provides the persistence backends for the checkpoint
// store: SQLite (default) and a JSON snapshot file.
package state

import (
	"fmt"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
)

// Backend names accepted by the factory.
const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
)

// NewStore creates a CheckpointStore for the given backend at path.
func NewStore(backend, path string) (core.CheckpointStore, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLiteStore(path)
	case BackendJSON:
		return NewJSONStore(path)
	default:
		return nil, fmt.Errorf("unknown state backend: %s", backend)
	}
}

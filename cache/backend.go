package cache

import (
	"fmt"
	"io"
	"log/slog"
)

// Backend names accepted by OpenBackend.
const (
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Backend is a Store that can purge expired entries and be closed.
type Backend interface {
	Store
	Purger
	io.Closer
}

// OpenBackend opens the named backend. path is only used by the bolt backend;
// the memory backend loses its contents when the process exits.
func OpenBackend(backend, path, namespace string, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch backend {
	case BackendBolt, "":
		store, err := OpenBolt(path, namespace, WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendMemory:
		logger.Debug("using in-memory cache", "namespace", namespace)
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", backend)
	}
}

package rest

import (
	"context"

	"github.com/filetrace/agent/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store without
// a live PostgreSQL connection.
type Store interface {
	// QueryEvents returns file events matching the given filter and
	// pagination params.
	QueryEvents(ctx context.Context, q storage.EventQuery) ([]storage.FileEvent, error)

	// ListHosts returns all registered hosts ordered alphabetically by hostname.
	ListHosts(ctx context.Context) ([]storage.Host, error)

	// ContainerSummaries returns per-container unique-file counts across all
	// hosts.
	ContainerSummaries(ctx context.Context) ([]storage.ContainerSummary, error)
}

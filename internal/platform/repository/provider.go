package repository

import (
	"context"
)

// PostgresFactory builds the PostgreSQL repository. It lives behind a factory
// so this package stays import-cycle free with the postgres subpackage.
type PostgresFactory func(ctx context.Context) (Repository, error)

// Provide returns the configured repository: the PostgreSQL implementation
// when a factory is supplied, otherwise the in-memory one.
func Provide(ctx context.Context, factory PostgresFactory) (Repository, error) {
	if factory != nil {
		return factory(ctx)
	}
	return NewMemoryRepository(), nil
}

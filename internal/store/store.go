// Package store persists dialog turns. Every backend is an append-only log
// that can be listed per dialog in creation order.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhouzirui/dialog-relay/backend/internal/model/dialog"
)

// ErrDuplicateID is wrapped by StorageError when a turn id already exists.
var ErrDuplicateID = errors.New("turn id already exists")

// Store is the persistence contract shared by all backends.
type Store interface {
	// Append writes one turn and returns it with CreatedAt filled in.
	Append(ctx context.Context, turn dialog.Turn) (dialog.Turn, error)
	// ListByDialog returns every turn of a dialog, oldest first. A dialog
	// without turns yields an empty slice and no error.
	ListByDialog(ctx context.Context, dialogID uuid.UUID) ([]dialog.Turn, error)
	// EnsureSchema creates the messages structure if it is missing.
	EnsureSchema(ctx context.Context) error
	// Ping checks that the backend accepts connections.
	Ping(ctx context.Context) error
	Close() error
}

// StorageError wraps connectivity and constraint failures from a backend.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Options tunes backend construction.
type Options struct {
	// MaxConns caps the connection pool; zero keeps the driver default.
	MaxConns int
}

// Open picks a backend from the DSN scheme:
//
//	postgres://... or postgresql://...  -> Postgres (pgx pool)
//	sqlite://<path> or sqlite://:memory: -> SQLite
//	memory://                            -> in-process map
func Open(ctx context.Context, dsn string, opts Options) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn, opts)
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "memory://"):
		return NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unsupported database url scheme in %q", redactDSN(dsn))
	}
}

// redactDSN hides credentials when a DSN ends up in an error message.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

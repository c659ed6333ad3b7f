package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/zhouzirui/dialog-relay/backend/internal/model/dialog"
)

const pgUniqueViolation = "23505"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		dialog_id UUID NOT NULL,
		text TEXT NOT NULL,
		participant_index INT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	// seq breaks created_at ties by insertion order.
	`ALTER TABLE messages ADD COLUMN IF NOT EXISTS seq BIGSERIAL`,
	`CREATE INDEX IF NOT EXISTS idx_messages_dialog_created ON messages (dialog_id, created_at, seq)`,
}

// PostgresStore is a Store backed by a pgx connection pool. Each call
// borrows a connection only for the duration of its own statement.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres builds the pool without dialing; use Ping to wait for the
// server.
func OpenPostgres(ctx context.Context, dsn string, opts Options) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return storageErr("ensure schema", err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, turn dialog.Turn) (dialog.Turn, error) {
	if err := turn.Validate(); err != nil {
		return dialog.Turn{}, err
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (id, dialog_id, text, participant_index)
		 VALUES ($1, $2, $3, $4) RETURNING created_at`,
		turn.ID.String(), turn.DialogID.String(), turn.Text, turn.Participant.Index(),
	).Scan(&turn.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return dialog.Turn{}, storageErr("append", errors.Wrap(ErrDuplicateID, turn.ID.String()))
		}
		return dialog.Turn{}, storageErr("append", err)
	}
	return turn, nil
}

func (s *PostgresStore) ListByDialog(ctx context.Context, dialogID uuid.UUID) ([]dialog.Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, dialog_id::text, text, participant_index, created_at
		 FROM messages WHERE dialog_id = $1 ORDER BY created_at ASC, seq ASC`,
		dialogID.String(),
	)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	turns := make([]dialog.Turn, 0)
	for rows.Next() {
		var (
			id, dialogCol string
			turn          dialog.Turn
			index         int
		)
		if err := rows.Scan(&id, &dialogCol, &turn.Text, &index, &turn.CreatedAt); err != nil {
			return nil, storageErr("list", err)
		}
		if turn.ID, err = uuid.Parse(id); err != nil {
			return nil, storageErr("list", errors.Wrapf(err, "row id %q", id))
		}
		if turn.DialogID, err = uuid.Parse(dialogCol); err != nil {
			return nil, storageErr("list", errors.Wrapf(err, "row dialog_id %q", dialogCol))
		}
		turn.Participant = dialog.ParticipantFromIndex(index)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	return turns, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/zhouzirui/dialog-relay/backend/internal/model/dialog"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	dialog_id TEXT NOT NULL,
	text TEXT NOT NULL,
	participant_index INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_dialog_created ON messages(dialog_id, created_at);
`

// SQLiteStore is a Store backed by a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path. ":memory:" gives a
// private in-memory database pinned to a single connection.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "create db directory %s", dir)
			}
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite at %s", path)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	return &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// DB exposes the raw handle for tests and ad-hoc tooling.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return storageErr("ensure schema", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, turn dialog.Turn) (dialog.Turn, error) {
	if err := turn.Validate(); err != nil {
		return dialog.Turn{}, err
	}

	turn.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, dialog_id, text, participant_index, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.ID.String(), turn.DialogID.String(), turn.Text, turn.Participant.Index(), turn.CreatedAt,
	)
	if err != nil {
		if isSQLiteDuplicate(err) {
			return dialog.Turn{}, storageErr("append", errors.Wrap(ErrDuplicateID, turn.ID.String()))
		}
		return dialog.Turn{}, storageErr("append", err)
	}
	return turn, nil
}

func (s *SQLiteStore) ListByDialog(ctx context.Context, dialogID uuid.UUID) ([]dialog.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dialog_id, text, participant_index, created_at
		 FROM messages WHERE dialog_id = ? ORDER BY created_at ASC, seq ASC`,
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

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

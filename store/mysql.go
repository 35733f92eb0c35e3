package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const schema = `CREATE TABLE IF NOT EXISTS checkpoints (
	id         CHAR(36)     NOT NULL PRIMARY KEY,
	series_key VARCHAR(255) NOT NULL,
	payload    MEDIUMBLOB   NOT NULL,
	created_at DATETIME(6)  NOT NULL,
	KEY idx_series_key_created (series_key, created_at)
)`

const (
	insertCheckpoint = `INSERT INTO checkpoints (id, series_key, payload, created_at)
VALUES (:id, :series_key, :payload, :created_at)
ON DUPLICATE KEY UPDATE payload = VALUES(payload), created_at = VALUES(created_at)`

	selectLatest = `SELECT id, series_key, payload, created_at FROM checkpoints
WHERE series_key = ? ORDER BY created_at DESC LIMIT 1`
)

type checkpointRow struct {
	ID        string    `db:"id"`
	Key       string    `db:"series_key"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

type SQLStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore connects to MySQL. The DSN must set parseTime=true.
func NewSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect mysql")
	}
	return newSQLStore(db), nil
}

func newSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "create checkpoints table")
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Save(ctx context.Context, c Checkpoint) error {
	payload, err := Encode(c)
	if err != nil {
		return err
	}
	row := checkpointRow{ID: c.ID, Key: c.Key, Payload: payload, CreatedAt: c.CreatedAt}
	if _, err := s.db.NamedExecContext(ctx, insertCheckpoint, row); err != nil {
		return errors.Wrapf(err, "mysql save %q", c.Key)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, key string) (*Checkpoint, error) {
	var row checkpointRow
	if err := s.db.GetContext(ctx, &row, selectLatest, key); err != nil {
		if errors.Cause(err) == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "mysql load %q", key)
	}
	return Decode(row.Payload)
}

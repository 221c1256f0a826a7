package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgLockKey is the advisory lock serializing every quota update.
const pgLockKey int64 = 0x71756f7461

// PostgresStore keeps one timestamp array per user and a whitelist table.
type PostgresStore struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures PostgresStore.
type PostgresOption func(*PostgresStore)

// WithTablePrefix sets the table name prefix (default "fetcher_").
func WithTablePrefix(prefix string) PostgresOption {
	return func(s *PostgresStore) { s.tablePrefix = prefix }
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{pool: pool, tablePrefix: "fetcher_"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) quotaTable() string     { return s.tablePrefix + "quota" }
func (s *PostgresStore) whitelistTable() string { return s.tablePrefix + "whitelist" }

// EnsureSchema creates the required tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id BIGINT PRIMARY KEY,
			stamps TIMESTAMPTZ[] NOT NULL DEFAULT '{}'
		);
		CREATE TABLE IF NOT EXISTS %s (
			user_id BIGINT PRIMARY KEY
		);
	`, s.quotaTable(), s.whitelistTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("quota/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, userID int64, fn UpdateFunc) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, pgLockKey); err != nil {
			return fmt.Errorf("lock: %w", err)
		}

		var stamps []time.Time
		err := tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT stamps FROM %s WHERE user_id = $1`, s.quotaTable()),
			userID,
		).Scan(&stamps)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("select: %w", err)
		}
		for i := range stamps {
			stamps[i] = stamps[i].UTC()
		}

		next, changed := fn(stamps)
		if !changed {
			return nil
		}
		if len(next) == 0 {
			_, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1`, s.quotaTable()), userID)
			return err
		}
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (user_id, stamps) VALUES ($1, $2)
				ON CONFLICT (user_id) DO UPDATE SET stamps = EXCLUDED.stamps`, s.quotaTable()),
			userID, next,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("quota/postgres: update: %w", err)
	}
	return nil
}

func (s *PostgresStore) Whitelisted(ctx context.Context, userID int64) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE user_id = $1)`, s.whitelistTable()),
		userID,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("quota/postgres: whitelisted: %w", err)
	}
	return found, nil
}

func (s *PostgresStore) AddWhitelist(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, s.whitelistTable()),
		userID,
	)
	if err != nil {
		return fmt.Errorf("quota/postgres: add whitelist: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveWhitelist(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1`, s.whitelistTable()), userID)
	if err != nil {
		return fmt.Errorf("quota/postgres: remove whitelist: %w", err)
	}
	return nil
}

func (s *PostgresStore) Whitelist(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT user_id FROM %s ORDER BY user_id`, s.whitelistTable()))
	if err != nil {
		return nil, fmt.Errorf("quota/postgres: whitelist: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("quota/postgres: whitelist: %w", err)
	}
	return ids, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver for the file-backed shared store.
	_ "github.com/mattn/go-sqlite3"
)

// poll cadence for change detection
const sqlPollInterval = 500 * time.Millisecond

// SQLStore keeps the shared keys in a key-value table, one row per
// key. Change notification polls an append-only changelog, so tabs on
// the same database file converge without the writer staying alive.
type SQLStore struct {
	db *sql.DB

	watchMu sync.Mutex
	subs    []chan Event
	cancel  context.CancelFunc
}

// NewSQLStore opens the store schema on the given database.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS coordinator_store (
			store_key   TEXT PRIMARY KEY,
			store_value BLOB NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS coordinator_changelog (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			store_key TEXT NOT NULL,
			op        INTEGER NOT NULL,
			logged_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create store schema: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

// OpenSQLStore opens (creating if needed) a SQLite-backed store at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	return NewSQLStore(db)
}

// Get returns the value for key or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT store_value FROM coordinator_store WHERE store_key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts the key and appends a changelog entry.
func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	return s.write(ctx, key, value, OpSet)
}

// Delete removes the key and appends a changelog entry.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	return s.write(ctx, key, nil, OpDelete)
}

func (s *SQLStore) write(ctx context.Context, key string, value []byte, op Op) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write %s: %w", key, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if op == OpSet {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO coordinator_store (store_key, store_value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(store_key) DO UPDATE SET store_value = excluded.store_value, updated_at = excluded.updated_at`,
			key, value, now)
	} else {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM coordinator_store WHERE store_key = ?`, key)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO coordinator_changelog (store_key, op, logged_at) VALUES (?, ?, ?)`,
		key, int(op), now); err != nil {
		return fmt.Errorf("log write %s: %w", key, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit write %s: %w", key, err)
	}
	return nil
}

// Keys lists keys with the given prefix.
func (s *SQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT store_key FROM coordinator_store WHERE store_key LIKE ? ORDER BY store_key`,
		prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("list keys: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Watch polls the changelog for entries written after subscription.
func (s *SQLStore) Watch(ctx context.Context) (<-chan Event, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM coordinator_changelog`).Scan(&last); err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}

	ch := make(chan Event, 16)
	s.watchMu.Lock()
	s.subs = append(s.subs, ch)
	s.watchMu.Unlock()

	go func() {
		defer func() {
			s.watchMu.Lock()
			for i, sub := range s.subs {
				if sub == ch {
					s.subs = append(s.subs[:i], s.subs[i+1:]...)
					break
				}
			}
			s.watchMu.Unlock()
			close(ch)
		}()

		ticker := time.NewTicker(sqlPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rows, err := s.db.QueryContext(ctx,
					`SELECT id, store_key, op FROM coordinator_changelog WHERE id > ? ORDER BY id`, last)
				if err != nil {
					continue
				}
				for rows.Next() {
					var id int64
					var key string
					var op int
					if err := rows.Scan(&id, &key, &op); err != nil {
						break
					}
					last = id
					select {
					case ch <- Event{Key: key, Op: Op(op)}:
					default:
					}
				}
				rows.Close()
			}
		}
	}()

	return ch, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

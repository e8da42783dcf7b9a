package keys

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore keeps key records as JSON documents in a relational table. It
// runs on the pure-Go sqlite driver or on PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

const createKeysTable = `
CREATE TABLE IF NOT EXISTS api_keys (
	key_id TEXT PRIMARY KEY,
	record TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// OpenSQLStore opens dsn with driver "sqlite" or "postgres" and migrates the
// schema.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite", "postgres":
	case "postgresql":
		driver = "postgres"
	default:
		return nil, fmt.Errorf("keys: unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("keys: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// one writer at a time
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("keys: ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, createKeysTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("keys: migrate: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Load(ctx context.Context, key string) (*APIKey, error) {
	var record string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT record FROM api_keys WHERE key_id = ?`), keyID(key)).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keys: query: %w", err)
	}
	var k APIKey
	if err := json.Unmarshal([]byte(record), &k); err != nil {
		return nil, fmt.Errorf("keys: decode: %w", err)
	}
	return &k, nil
}

func (s *SQLStore) Save(ctx context.Context, k *APIKey) error {
	b, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("keys: encode: %w", err)
	}
	q := s.rebind(`INSERT INTO api_keys (key_id, record, updated_at) VALUES (?, ?, ?)
ON CONFLICT (key_id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, q, keyID(k.Key), string(b), time.Now().UTC()); err != nil {
		return fmt.Errorf("keys: save: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM api_keys WHERE key_id = ?`), keyID(key)); err != nil {
		return fmt.Errorf("keys: delete: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

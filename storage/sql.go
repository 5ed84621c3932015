// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Dialect selects placeholder and upsert syntax.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// SQLStore keeps each conversation as a JSON document in one row, with the
// listing columns broken out so List never decodes message bodies.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

// OpenSQL opens and pings a database. dialect doubles as the driver name.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	if dialect != Postgres && dialect != MySQL {
		return nil, fmt.Errorf("unsupported SQL dialect %q", dialect)
	}
	if dialect == MySQL {
		// created_at is scanned into time.Time.
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql DSN: %w", err)
		}
		cfg.ParseTime = true
		dsn = cfg.FormatDSN()
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", dialect, err)
	}

	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, table: "conversations"}
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate creates the table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	var ddl string
	switch s.dialect {
	case MySQL:
		ddl = `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			id VARCHAR(128) PRIMARY KEY,
			created_at DATETIME(6) NOT NULL,
			title VARCHAR(512) NOT NULL,
			message_count INT NOT NULL DEFAULT 0,
			data LONGTEXT NOT NULL,
			INDEX idx_conversations_created_at (created_at)
		)`
	default:
		ddl = `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			id VARCHAR(128) PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			title TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			data JSONB NOT NULL
		)`
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.table, err)
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, conv *Conversation) error {
	conv.normalize()
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to encode conversation %s: %w", conv.ID, err)
	}
	query := s.rebind(`INSERT INTO ` + s.table + ` (id, created_at, title, message_count, data) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, conv.ID, conv.CreatedAt, conv.Title, conv.MessageCount, string(data)); err != nil {
		return fmt.Errorf("failed to insert conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Conversation, error) {
	var data []byte
	query := s.rebind(`SELECT data FROM ` + s.table + ` WHERE id = ?`)
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	conv.normalize()
	return &conv, nil
}

func (s *SQLStore) Save(ctx context.Context, conv *Conversation) error {
	conv.normalize()
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to encode conversation %s: %w", conv.ID, err)
	}

	var query string
	switch s.dialect {
	case MySQL:
		query = `INSERT INTO ` + s.table + ` (id, created_at, title, message_count, data) VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE title = VALUES(title), message_count = VALUES(message_count), data = VALUES(data)`
	default:
		query = s.rebind(`INSERT INTO ` + s.table + ` (id, created_at, title, message_count, data) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, message_count = EXCLUDED.message_count, data = EXCLUDED.data`)
	}
	if _, err := s.db.ExecContext(ctx, query, conv.ID, conv.CreatedAt, conv.Title, conv.MessageCount, string(data)); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, title, message_count FROM `+s.table+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.CreatedAt, &sum.Title, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+s.table+` WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Database is a RecordStore on PostgreSQL. Every collection shares the
// "Record" table; record fields live in a jsonb column.
type Database struct {
	conn *sql.DB
}

// NewDatabase creates a new database connection
func NewDatabase(cfg DatabaseConfig) (*Database, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	slog.Info("database connected successfully")

	return &Database{conn: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.conn.Close()
}

// EnsureSchema creates the record table and its indexes if missing
func (d *Database) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS "Record" (
			id text PRIMARY KEY,
			collection text NOT NULL,
			data jsonb NOT NULL,
			"createdAt" timestamptz NOT NULL DEFAULT NOW(),
			"updatedAt" timestamptz NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS "Record_collection_createdAt_idx" ON "Record" (collection, "createdAt", id)`,
		`CREATE INDEX IF NOT EXISTS "Record_data_idx" ON "Record" USING gin (data jsonb_path_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := d.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// buildFilterClause renders filter as jsonb equalities starting at
// placeholder $firstArg
func buildFilterClause(filter Filter, firstArg int) (string, []interface{}, error) {
	var clauses []string
	var args []interface{}
	n := firstArg

	for _, m := range filter {
		if !fieldNamePattern.MatchString(m.Field) {
			return "", nil, fmt.Errorf("invalid filter field %q", m.Field)
		}
		value, err := json.Marshal(m.Value)
		if err != nil {
			return "", nil, fmt.Errorf("invalid filter value for %s: %w", m.Field, err)
		}
		clauses = append(clauses, fmt.Sprintf("data -> $%d::text = $%d::jsonb", n, n+1))
		args = append(args, m.Field, string(value))
		n += 2
	}

	return strings.Join(clauses, " AND "), args, nil
}

// List returns one page of records in creation order
func (d *Database) List(ctx context.Context, collection string, filter Filter, page, perPage int) (*ListResult, error) {
	if page < 1 || perPage < 1 {
		return nil, fmt.Errorf("invalid page %d / perPage %d", page, perPage)
	}

	where := "collection = $1"
	args := []interface{}{collection}
	clause, filterArgs, err := buildFilterClause(filter, 2)
	if err != nil {
		return nil, err
	}
	if clause != "" {
		where += " AND " + clause
		args = append(args, filterArgs...)
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM "Record" WHERE %s`, where)
	if err := d.conn.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count %s records: %w", collection, err)
	}

	query := fmt.Sprintf(`
		SELECT data FROM "Record"
		WHERE %s
		ORDER BY "createdAt", id
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", collection, err)
	}
	defer rows.Close()

	res := &ListResult{Page: page, PerPage: perPage, TotalItems: total, Items: []Document{}}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", collection, err)
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode %s record: %w", collection, err)
		}
		res.Items = append(res.Items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s records: %w", collection, err)
	}

	return res, nil
}

// GetOne returns a record by id
func (d *Database) GetOne(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := d.conn.QueryRowContext(ctx,
		`SELECT data FROM "Record" WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s/%s: %w", collection, id, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// Create inserts a record, assigning a UUID when fields has no id
func (d *Database) Create(ctx context.Context, collection string, fields Document) (Document, error) {
	doc, err := toDocument(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	if doc.ID() == "" {
		doc["id"] = uuid.New().String()
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}

	_, err = d.conn.ExecContext(ctx,
		`INSERT INTO "Record" (id, collection, data, "createdAt", "updatedAt") VALUES ($1, $2, $3, NOW(), NOW())`,
		doc.ID(), collection, string(raw),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%s/%s already exists: %w", collection, doc.ID(), err)
		}
		return nil, fmt.Errorf("failed to insert %s record: %w", collection, err)
	}

	return doc, nil
}

// Update merges fields into an existing record
func (d *Database) Update(ctx context.Context, collection, id string, fields Document) (Document, error) {
	patch, err := toDocument(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	delete(patch, "id")

	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}

	var updated []byte
	err = d.conn.QueryRowContext(ctx, `
		UPDATE "Record"
		SET data = data || $3::jsonb, "updatedAt" = NOW()
		WHERE collection = $1 AND id = $2
		RETURNING data
	`, collection, id, string(raw)).Scan(&updated)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
	}

	var doc Document
	if err := json.Unmarshal(updated, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

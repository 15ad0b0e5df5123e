package main

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// queryerContext is satisfied by *sql.DB and *sql.Tx.
type queryerContext interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(src interface{}, dst interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullableString(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}

// placeholders builds positional SQL arguments for dynamic WHERE clauses.
type placeholders struct {
	clauses []string
	args    []interface{}
}

func (p *placeholders) add(clause string, value interface{}) {
	p.args = append(p.args, value)
	p.clauses = append(p.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(p.args))))
}

func (p *placeholders) addRaw(clause string) {
	p.clauses = append(p.clauses, clause)
}

func (p *placeholders) where() string {
	if len(p.clauses) == 0 {
		return "1=1"
	}
	return strings.Join(p.clauses, " AND ")
}

func (p *placeholders) next() string {
	return fmt.Sprintf("$%d", len(p.args)+1)
}

// page appends LIMIT/OFFSET arguments and returns the SQL fragment.
func (p *placeholders) page(limit int, offset int) (string, []interface{}) {
	args := append(append([]interface{}{}, p.args...), limit, offset)
	return fmt.Sprintf("LIMIT $%d OFFSET $%d", len(p.args)+1, len(p.args)+2), args
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	values  []any
	scanErr error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	return assignRow(dest, r.values)
}

// --- Mock Rows ---

type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	return assignRow(dest, r.data[r.idx])
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// assignRow copies fixture values into scan destinations, covering the
// column types the repositories in this package scan.
func assignRow(dest, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan has %d destinations, fixture row has %d values", len(dest), len(values))
	}
	for i, d := range dest {
		v := values[i]
		switch typed := d.(type) {
		case *string:
			*typed = v.(string)
		case **string:
			if v == nil {
				*typed = nil
			} else {
				s := v.(string)
				*typed = &s
			}
		case *time.Time:
			*typed = v.(time.Time)
		case **time.Time:
			if v == nil {
				*typed = nil
			} else {
				t := v.(time.Time)
				*typed = &t
			}
		case *bool:
			*typed = v.(bool)
		case *int:
			*typed = v.(int)
		case *int64:
			*typed = v.(int64)
		case *[]string:
			if v == nil {
				*typed = nil
			} else {
				*typed = v.([]string)
			}
		default:
			return fmt.Errorf("unsupported scan destination %T at index %d", d, i)
		}
	}
	return nil
}

// uniqueViolation fabricates the Postgres duplicate-key error the
// repositories translate into domain outcomes.
func uniqueViolation() *pgconn.PgError {
	return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
}

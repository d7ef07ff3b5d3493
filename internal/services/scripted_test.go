package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"talktime/internal/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// scriptedDB stands in for the pool and its transactions. Rows are
// consumed by QueryRow in order, command tags by Exec in order (one
// affected row when the script runs out), and every statement is
// recorded so tests can assert what was and was not touched.
type scriptedDB struct {
	rows      []scriptedRow
	tags      []string
	execSQL   []string
	execArgs  [][]any
	querySQL  []string
	begun     int
	commits   int
	rollbacks int
}

type scriptedRow struct {
	vals []any
	err  error
}

func (r scriptedRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scripted row has %d values, scan wants %d", len(r.vals), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int:
			*p = r.vals[i].(int)
		case *int64:
			*p = r.vals[i].(int64)
		case *string:
			*p = r.vals[i].(string)
		case *time.Time:
			*p = r.vals[i].(time.Time)
		case **time.Time:
			v, _ := r.vals[i].(*time.Time)
			*p = v
		default:
			return fmt.Errorf("unsupported scan target %T", d)
		}
	}
	return nil
}

func (f *scriptedDB) nextTag() pgconn.CommandTag {
	if len(f.tags) == 0 {
		return pgconn.NewCommandTag("INSERT 0 1")
	}
	t := f.tags[0]
	f.tags = f.tags[1:]
	return pgconn.NewCommandTag(t)
}

func (f *scriptedDB) Begin(ctx context.Context) (pgx.Tx, error) {
	f.begun++
	return f, nil
}

func (f *scriptedDB) Commit(ctx context.Context) error {
	f.commits++
	return nil
}

func (f *scriptedDB) Rollback(ctx context.Context) error {
	f.rollbacks++
	return nil
}

func (f *scriptedDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	return f.nextTag(), nil
}

func (f *scriptedDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.querySQL = append(f.querySQL, sql)
	if len(f.rows) == 0 {
		return scriptedRow{err: errors.New("no scripted row")}
	}
	r := f.rows[0]
	f.rows = f.rows[1:]
	return r
}

func (f *scriptedDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("query not scripted")
}

func (f *scriptedDB) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("copy not scripted")
}

func (f *scriptedDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return nil
}

func (f *scriptedDB) LargeObjects() pgx.LargeObjects {
	return pgx.LargeObjects{}
}

func (f *scriptedDB) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("prepare not scripted")
}

func (f *scriptedDB) Conn() *pgx.Conn {
	return nil
}

// touched reports whether any recorded statement mentions the given
// table or column.
func (f *scriptedDB) touched(fragment string) bool {
	for _, sql := range append(append([]string{}, f.execSQL...), f.querySQL...) {
		if strings.Contains(sql, fragment) {
			return true
		}
	}
	return false
}

// execFor returns the arguments of the first executed statement that
// mentions the fragment.
func (f *scriptedDB) execFor(fragment string) ([]any, bool) {
	for i, sql := range f.execSQL {
		if strings.Contains(sql, fragment) {
			return f.execArgs[i], true
		}
	}
	return nil, false
}

func scriptedService(db *scriptedDB) *Service {
	return New(db, config.Config{
		FreeSecondsDefault: 300,
		MaxReportSeconds:   3600,
		PlanSeconds:        map[string]int{"starter": 1800, "plus": 7200},
		PackSeconds:        map[string]int{"small": 600, "large": 3600},
		PricePlans:         map[string]string{"price_plus": "plus"},
	})
}

func ledgerRow(accountID int64, freeTotal, freeUsed, paidTotal, paidUsed, topup int) scriptedRow {
	now := time.Now()
	return scriptedRow{vals: []any{accountID, freeTotal, freeUsed, paidTotal, paidUsed, topup, now, now}}
}

func statusRow(accountID int64, status, plan string) scriptedRow {
	now := time.Now()
	return scriptedRow{vals: []any{accountID, status, plan, "cus_1", "sub_1", (*time.Time)(nil), now, now}}
}

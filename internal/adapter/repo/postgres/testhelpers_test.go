package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Hand-rolled fakes shared by the repo tests. Responses are consumed in
// FIFO order; an empty queue yields a success default so happy paths stay
// short to script.

type recorded struct {
	sql  string
	args []any
}

type execResp struct {
	tag pgconn.CommandTag
	err error
}

func okTag() pgconn.CommandTag      { return pgconn.NewCommandTag("OK 1") }
func zeroTag() pgconn.CommandTag    { return pgconn.NewCommandTag("UPDATE 0") }
func noneAffected() execResp        { return execResp{tag: zeroTag()} }
func execErr(err error) execResp    { return execResp{err: err} }
func rowsOf(rows ...[]any) pgx.Rows { return &fakeRows{rows: rows} }

type queryResp struct {
	rows pgx.Rows
	err  error
}

type fakeQuerier struct {
	execs   []recorded
	queries []recorded
	execQ   []execResp
	rowQ    []pgx.Row
	rowsQ   []queryResp
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, recorded{sql: sql, args: args})
	if len(f.execQ) > 0 {
		r := f.execQ[0]
		f.execQ = f.execQ[1:]
		return r.tag, r.err
	}
	return okTag(), nil
}

func (f *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.queries = append(f.queries, recorded{sql: sql, args: args})
	if len(f.rowQ) > 0 {
		r := f.rowQ[0]
		f.rowQ = f.rowQ[1:]
		return r
	}
	return errRow(errors.New("no row configured"))
}

func (f *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, recorded{sql: sql, args: args})
	if len(f.rowsQ) > 0 {
		r := f.rowsQ[0]
		f.rowsQ = f.rowsQ[1:]
		return r.rows, r.err
	}
	return &fakeRows{}, nil
}

// execsLike returns the recorded execs whose SQL contains substr.
func (f *fakeQuerier) execsLike(substr string) []recorded {
	var out []recorded
	for _, e := range f.execs {
		if strings.Contains(e.sql, substr) {
			out = append(out, e)
		}
	}
	return out
}

type fakePool struct {
	fakeQuerier
	tx       *fakeTx
	beginErr error
}

func (p *fakePool) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		p.tx = &fakeTx{}
	}
	return p.tx, nil
}

type fakeTx struct {
	fakeQuerier
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }

func (t *fakeTx) Commit(_ context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *fakeTx) Rollback(_ context.Context) error {
	t.rolledBack = true
	return nil
}

func (t *fakeTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}

func (t *fakeTx) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }

func (t *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *fakeTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}

func (t *fakeTx) Conn() *pgx.Conn { return nil }

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

func errRow(err error) rowStub {
	return rowStub{scan: func(_ ...any) error { return err }}
}

func noRowsErr() error { return pgx.ErrNoRows }

func staticRow(values ...any) rowStub {
	return rowStub{scan: func(dest ...any) error {
		if len(dest) != len(values) {
			return fmt.Errorf("scan arity mismatch: %d dest, %d values", len(dest), len(values))
		}
		for i := range dest {
			if err := assign(dest[i], values[i]); err != nil {
				return err
			}
		}
		return nil
	}}
}

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan arity mismatch: %d dest, %d values", len(dest), len(row))
	}
	for i := range dest {
		if err := assign(dest[i], row[i]); err != nil {
			return err
		}
	}
	return nil
}

// assign copies a scripted value into a scan destination, following the
// conversions pgx would perform for the types these repos use.
func assign(dst, src any) error {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("scan dest must be a non-nil pointer, got %T", dst)
	}
	ev := dv.Elem()
	if src == nil {
		ev.Set(reflect.Zero(ev.Type()))
		return nil
	}
	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(ev.Type()) {
		ev.Set(sv)
		return nil
	}
	if sv.Type().ConvertibleTo(ev.Type()) && ev.Kind() != reflect.Pointer {
		ev.Set(sv.Convert(ev.Type()))
		return nil
	}
	if ev.Kind() == reflect.Pointer {
		pv := reflect.New(ev.Type().Elem())
		if err := assign(pv.Interface(), src); err != nil {
			return err
		}
		ev.Set(pv)
		return nil
	}
	return fmt.Errorf("cannot scan %T into %T", src, dst)
}

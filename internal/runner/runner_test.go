package runner

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algomatic/screener-service/internal/errs"
	"github.com/algomatic/screener-service/internal/query"
)

type fakeRows struct {
	cols   []string
	data   [][]any
	idx    int
	err    error
	valErr error
	closed bool
}

func (f *fakeRows) Close()                        { f.closed = true }
func (f *fakeRows) Err() error                    { return f.err }
func (f *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (f *fakeRows) RawValues() [][]byte           { return nil }
func (f *fakeRows) Conn() *pgx.Conn               { return nil }
func (f *fakeRows) Scan(dest ...any) error        { return errors.New("not supported") }

func (f *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(f.cols))
	for i, c := range f.cols {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}

func (f *fakeRows) Next() bool {
	if f.idx >= len(f.data) {
		return false
	}
	f.idx++
	return true
}

func (f *fakeRows) Values() ([]any, error) {
	if f.valErr != nil {
		return nil, f.valErr
	}
	return f.data[f.idx-1], nil
}

type fakeQuerier struct {
	rows    *fakeRows
	err     error
	block   bool
	gotSQL  string
	gotArgs []any
}

func (q *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.gotSQL = sql
	q.gotArgs = args
	if q.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

func numeric(unscaled int64, exp int32) pgtype.Numeric {
	return pgtype.Numeric{Int: big.NewInt(unscaled), Exp: exp, Valid: true}
}

func TestRunNormalizesRows(t *testing.T) {
	rows := &fakeRows{
		cols: []string{"ticker", "pe_ratio", "volume", "eps_growth", "peg_ratio"},
		data: [][]any{
			{"TCS", numeric(1825, -2), int64(120000), numeric(12, 0), nil},
			{"INFY", 22.5, int32(5), pgtype.Numeric{}, nil},
		},
	}
	q := &fakeQuerier{rows: rows}
	r := New(q, Options{})

	compiled := query.Compiled{Text: "SELECT 1", Values: []any{15.0, 100}}
	got, err := r.Run(context.Background(), compiled)
	require.NoError(t, err)

	assert.Equal(t, "SELECT 1", q.gotSQL)
	assert.Equal(t, []any{15.0, 100}, q.gotArgs)
	assert.True(t, rows.closed)

	require.Len(t, got, 2)
	assert.Equal(t, Row{"ticker": "TCS", "pe_ratio": 18.25, "volume": 120000.0, "eps_growth": 12.0, "peg_ratio": nil}, got[0])
	assert.Equal(t, Row{"ticker": "INFY", "pe_ratio": 22.5, "volume": 5.0, "eps_growth": nil, "peg_ratio": nil}, got[1])

	assert.Equal(t, "TCS", got[0].String("ticker"))
	require.NotNil(t, got[0].Float("pe_ratio"))
	assert.InDelta(t, 18.25, *got[0].Float("pe_ratio"), 1e-9)
	assert.Nil(t, got[0].Float("peg_ratio"))
}

func TestRunEmptyResultIsNonNil(t *testing.T) {
	r := New(&fakeQuerier{rows: &fakeRows{cols: []string{"ticker"}}}, Options{})

	got, err := r.Run(context.Background(), query.Compiled{Text: "SELECT 1"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRunFailuresAreDatabaseErrors(t *testing.T) {
	boom := errors.New("connection refused")
	tests := []struct {
		name string
		q    *fakeQuerier
	}{
		{"query error", &fakeQuerier{err: boom}},
		{"row error", &fakeQuerier{rows: &fakeRows{cols: []string{"ticker"}, data: [][]any{{"TCS"}}, valErr: boom}}},
		{"iteration error", &fakeQuerier{rows: &fakeRows{cols: []string{"ticker"}, err: boom}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.q, Options{}).Run(context.Background(), query.Compiled{Text: "SELECT 1"})
			require.Error(t, err)
			assert.Equal(t, errs.DatabaseError, errs.CodeOf(err))
			assert.ErrorIs(t, err, boom)
		})
	}
}

func TestRunPoolExhaustionTimesOut(t *testing.T) {
	r := New(&fakeQuerier{block: true}, Options{
		AcquireTimeout:   20 * time.Millisecond,
		StatementTimeout: 30 * time.Millisecond,
	})

	start := time.Now()
	_, err := r.Run(context.Background(), query.Compiled{Text: "SELECT 1"})
	require.Error(t, err)
	assert.Equal(t, errs.DatabaseError, errs.CodeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

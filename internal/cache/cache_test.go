package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algomatic/screener-service/internal/dsl"
	"github.com/algomatic/screener-service/internal/enricher"
	"github.com/algomatic/screener-service/internal/query"
	"github.com/algomatic/screener-service/internal/runner"
)

type memKV struct {
	data map[string][]byte
	ttls map[string]time.Duration
	err  error
}

func newMemKV() *memKV {
	return &memKV{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func TestKeyIsStable(t *testing.T) {
	a := query.Compiled{Text: "SELECT 1 WHERE x < $1 LIMIT $2", Values: []any{15.0, 100}}
	b := query.Compiled{Text: "SELECT 1 WHERE x < $1 LIMIT $2", Values: []any{15.0, 100}}
	c := query.Compiled{Text: "SELECT 1 WHERE x < $1 LIMIT $2", Values: []any{16.0, 100}}

	ka, err := Key(a)
	require.NoError(t, err)
	kb, err := Key(b)
	require.NoError(t, err)
	kc, err := Key(c)
	require.NoError(t, err)

	assert.Len(t, ka, 64)
	assert.Equal(t, ka, kb)
	assert.NotEqual(t, ka, kc)
}

func TestPutGetRoundTrip(t *testing.T) {
	kv := newMemKV()
	c := New(kv, 15*time.Minute, "", nil)
	q := query.Compiled{Text: "SELECT", Values: []any{"IT"}}

	results := []enricher.Result{{
		Row:               runner.Row{"ticker": "TCS", "pe_ratio": 12.5, "sector": nil},
		MatchedConditions: []string{"pe < 15"},
		DerivedMetrics:    map[string]*float64{"peg_ratio": nil},
		TimeContext:       &enricher.TimeContext{Field: "eps", Period: dsl.Quarter, Count: 4, Aggregation: dsl.All},
	}}
	require.NoError(t, c.Put(context.Background(), q, results))

	for k, ttl := range kv.ttls {
		assert.Contains(t, k, "screener:results:")
		assert.Equal(t, 15*time.Minute, ttl)
	}

	got, err := c.Get(context.Background(), q)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got.StoredAt, time.Minute)
	require.Len(t, got.Results, 1)
	r := got.Results[0]
	assert.Equal(t, "TCS", r.Row["ticker"])
	assert.Equal(t, 12.5, r.Row["pe_ratio"])
	assert.Nil(t, r.Row["sector"])
	assert.Equal(t, []string{"pe < 15"}, r.MatchedConditions)
	assert.Contains(t, r.DerivedMetrics, "peg_ratio")
	assert.Nil(t, r.DerivedMetrics["peg_ratio"])
	assert.Equal(t, results[0].TimeContext, r.TimeContext)
}

func TestGetMissAndErrors(t *testing.T) {
	kv := newMemKV()
	c := New(kv, time.Minute, "test", nil)

	_, err := c.Get(context.Background(), query.Compiled{Text: "SELECT"})
	assert.ErrorIs(t, err, ErrMiss)

	kv.err = errors.New("connection refused")
	assert.Error(t, c.Put(context.Background(), query.Compiled{Text: "SELECT"}, nil))

	kv.err = nil
	k, err := c.key(query.Compiled{Text: "bad"})
	require.NoError(t, err)
	kv.data[k] = []byte{0xc1}
	_, err = c.Get(context.Background(), query.Compiled{Text: "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding cached results")
}

func TestRedisKVUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	kv := NewRedisKV(client)

	_, err := kv.Get(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
	assert.Error(t, kv.Set(context.Background(), "k", []byte("v"), time.Second))
}

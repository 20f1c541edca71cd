package alerts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algomatic/screener-service/internal/dsl"
	"github.com/algomatic/screener-service/internal/enricher"
	"github.com/algomatic/screener-service/internal/errs"
	"github.com/algomatic/screener-service/internal/redisbus"
	"github.com/algomatic/screener-service/internal/runner"
	"github.com/algomatic/screener-service/internal/screener"
)

type fakeScreener struct {
	tickers []string
	err     error
	block   chan struct{}
	started chan struct{}

	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeScreener) ScreenRequest(ctx context.Context, _ dsl.Request) (*screener.Response, error) {
	f.calls.Add(1)
	cur := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if cur <= prev || f.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	results := make([]enricher.Result, len(f.tickers))
	for i, t := range f.tickers {
		results[i] = enricher.Result{Row: runner.Row{"ticker": t}}
	}
	return &screener.Response{InvocationID: "inv-1", Results: results, Count: len(results)}, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	triggered []Notification
	skipped   []Skip
	err       error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggered = append(r.triggered, n)
	return r.err
}

func (r *recordingNotifier) NotifySkipped(_ context.Context, s Skip) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped = append(r.skipped, s)
	return r.err
}

func rule(id string, minMatches int) Rule {
	return Rule{
		ID:         id,
		Schedule:   "@every 1h",
		MinMatches: minMatches,
		Request: dsl.Request{Conditions: []dsl.Condition{
			dsl.Simple{Field: "pe", Operator: "<", Value: 15.0},
		}},
	}
}

func TestEvaluateTriggersAtThreshold(t *testing.T) {
	n := &recordingNotifier{}
	e := NewEvaluator(&fakeScreener{tickers: []string{"TCS", "INFY"}}, n, nil)

	r := rule("cheap", 2)
	r.Name = "Cheap"
	out, err := e.Evaluate(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, out.Triggered)
	assert.Equal(t, 2, out.Matches)

	require.Len(t, n.triggered, 1)
	got := n.triggered[0]
	assert.Equal(t, "cheap", got.AlertID)
	assert.Equal(t, "Cheap", got.AlertName)
	assert.Equal(t, DefaultWindow, got.Window)
	assert.Equal(t, []string{"TCS", "INFY"}, got.Tickers)
	assert.Equal(t, out.InvocationID, got.InvocationID)

	out, err = e.Evaluate(context.Background(), rule("strict", 3))
	require.NoError(t, err)
	assert.False(t, out.Triggered)
	assert.Len(t, n.triggered, 1)
}

func TestEvaluateErrors(t *testing.T) {
	n := &recordingNotifier{}
	dbErr := errs.New(errs.DatabaseError, "pool exhausted")
	e := NewEvaluator(&fakeScreener{err: dbErr}, n, nil)

	_, err := e.Evaluate(context.Background(), rule("a", 1))
	require.Error(t, err)
	assert.Equal(t, errs.DatabaseError, errs.CodeOf(err))
	assert.Empty(t, n.triggered)

	n.err = errors.New("bus down")
	e = NewEvaluator(&fakeScreener{tickers: []string{"TCS"}}, n, nil)
	out, err := e.Evaluate(context.Background(), rule("a", 1))
	require.Error(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Triggered)
}

func TestEvaluatorDefaultsToLogNotifier(t *testing.T) {
	e := NewEvaluator(&fakeScreener{tickers: []string{"TCS"}}, nil, nil)
	out, err := e.Evaluate(context.Background(), rule("a", 0))
	require.NoError(t, err)
	assert.True(t, out.Triggered)
}

func TestSchedulerSkipsOverlappingTick(t *testing.T) {
	fs := &fakeScreener{
		tickers: []string{"TCS"},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	n := &recordingNotifier{}
	s, err := NewScheduler([]Rule{rule("slow", 1)}, NewEvaluator(fs, n, nil), Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.EvaluateNow(context.Background(), "slow")
		done <- err
	}()
	<-fs.started

	_, err = s.EvaluateNow(context.Background(), "slow")
	require.ErrorIs(t, err, ErrBusy)
	s.tick(s.rules["slow"])

	key := Key{AlertID: "slow", Window: DefaultWindow}
	assert.Equal(t, 2, s.Guard().Skipped(key))
	assert.Equal(t, []Key{key}, s.Guard().InFlight())

	close(fs.block)
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), fs.calls.Load(), "skipped ticks never run the screen")
	assert.Equal(t, int32(1), fs.maxSeen.Load())
	require.Len(t, n.skipped, 2)
	assert.Equal(t, 1, n.skipped[0].Skipped)
	assert.Equal(t, 2, n.skipped[1].Skipped)
	assert.Empty(t, s.Guard().InFlight())
}

func TestSchedulerEvaluateNowUnknownRule(t *testing.T) {
	s, err := NewScheduler(nil, NewEvaluator(&fakeScreener{}, nil, nil), Options{})
	require.NoError(t, err)
	_, err = s.EvaluateNow(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownRule)
}

func TestNewSchedulerRejectsInvalidRules(t *testing.T) {
	bad := rule("a", 1)
	bad.Schedule = "whenever"
	_, err := NewScheduler([]Rule{bad}, NewEvaluator(&fakeScreener{}, nil, nil), Options{})
	assert.Error(t, err)
}

func TestRunAllBoundsParallelism(t *testing.T) {
	fs := &fakeScreener{tickers: []string{"TCS"}, block: make(chan struct{})}
	n := &recordingNotifier{}

	rules := []Rule{rule("a", 1), rule("b", 1), rule("c", 1), rule("d", 5), rule("e", 1)}
	rules[4].Disabled = true
	s, err := NewScheduler(rules, NewEvaluator(fs, n, nil), Options{})
	require.NoError(t, err)

	go func() {
		// Let the group fill up before releasing everyone.
		for fs.active.Load() < 2 {
			time.Sleep(time.Millisecond)
		}
		close(fs.block)
	}()

	results := s.RunAll(context.Background(), 2)
	require.Len(t, results, 4)
	for i, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, id, results[i].AlertID)
		require.NoError(t, results[i].Err)
	}
	assert.False(t, results[3].Outcome.Triggered)
	assert.LessOrEqual(t, fs.maxSeen.Load(), int32(2))
	assert.Len(t, n.triggered, 3)
}

func TestSchedulerStartStop(t *testing.T) {
	s, err := NewScheduler([]Rule{rule("a", 1)}, NewEvaluator(&fakeScreener{}, nil, nil), Options{TickTimeout: time.Second})
	require.NoError(t, err)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Error(t, s.ctx.Err(), "stop cancels in-flight ticks")
}

type fakePublisher struct {
	events []*redisbus.Event
}

func (f *fakePublisher) Publish(_ context.Context, e *redisbus.Event) error {
	f.events = append(f.events, e)
	return nil
}

func TestBusNotifier(t *testing.T) {
	pub := &fakePublisher{}
	bn := NewBusNotifier(pub, "")

	require.NoError(t, bn.Notify(context.Background(), Notification{AlertID: "a", InvocationID: "inv-1", Matches: 2}))
	require.NoError(t, bn.NotifySkipped(context.Background(), Skip{AlertID: "a", Window: "eod", Skipped: 1}))

	require.Len(t, pub.events, 2)
	assert.Equal(t, redisbus.EventAlertTriggered, pub.events[0].EventType)
	assert.Equal(t, "screener-service", pub.events[0].Source)
	assert.Equal(t, "inv-1", pub.events[0].CorrelationID)

	var n Notification
	require.NoError(t, pub.events[0].Decode(&n))
	assert.Equal(t, 2, n.Matches)

	assert.Equal(t, redisbus.EventAlertSkipped, pub.events[1].EventType)
	var s Skip
	require.NoError(t, pub.events[1].Decode(&s))
	assert.Equal(t, "eod", s.Window)
}

// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemant/resq/internal/base"
	ierrors "github.com/hemant/resq/internal/errors"
	"github.com/hemant/resq/internal/rdb"
	"github.com/hemant/resq/internal/testutil"
)

const testNS = "resque"

func newTestWorker(t *testing.T, c redis.UniversalClient, factory JobFactory, cfg Config) *Worker {
	t.Helper()
	if cfg.EmptyQueueSleep == 0 {
		cfg.EmptyQueueSleep = 10 * time.Millisecond
	}
	if cfg.WatchdogHost == "" {
		cfg.WatchdogHost = "testhost"
	}
	if cfg.LogLevel == level_unspecified {
		cfg.LogLevel = FatalLevel
	}
	return NewWorkerFromRedisClient(c, factory, cfg)
}

// startWorker runs w in the background and ends it when the test finishes.
func startWorker(t *testing.T, w *Worker) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- w.Run() }()
	t.Cleanup(func() {
		w.End(true)
		w.Join(5 * time.Second)
	})
	return errc
}

func waitRun(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func mustEncode(t *testing.T, j *Job) []byte {
	t.Helper()
	b, err := EncodeJob(j)
	require.NoError(t, err)
	return b
}

func enqueueJobs(t *testing.T, c redis.UniversalClient, qname string, jobs ...*Job) {
	t.Helper()
	r := rdb.NewRDB(c, testNS)
	for _, j := range jobs {
		require.NoError(t, r.Enqueue(context.Background(), qname, mustEncode(t, j)))
	}
}

// recorder collects the first argument of every job it runs.
type recorder struct {
	mu   sync.Mutex
	args []interface{}
}

func (r *recorder) record(ctx context.Context, job *Job) error {
	arg, _ := job.Arg(0)
	r.mu.Lock()
	r.args = append(r.args, arg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) seen() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interface{}(nil), r.args...)
}

func TestWorkerStateString(t *testing.T) {
	assert.Equal(t, "new", StateNew.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "shutdown", StateShutdown.String())
	assert.Equal(t, "shutdown_immediate", StateShutdownImmediate.String())
	assert.Equal(t, "unknown state", WorkerState(9).String())
}

func TestWorkerName(t *testing.T) {
	_, c := testutil.NewRedis(t)
	w := newTestWorker(t, c, NewRegistry(), Config{Queues: []string{"high", "low"}, IDAllocator: NewIDAllocator()})
	assert.Regexp(t, `^testhost:\d+-0:high,low$`, w.Name())
	assert.Equal(t, "testhost", base.WorkerHost(w.Name()))
	assert.Equal(t, []string{"high", "low"}, w.Queues())
}

func TestWorkerPriorityOrder(t *testing.T) {
	_, c := testutil.NewRedis(t)
	r := rdb.NewRDB(c, testNS)
	for i := 0; i < 10; i++ {
		require.NoError(t, r.PriorityEnqueue(context.Background(), "default", mustEncode(t, NewJob("Record", i))))
	}

	rec := &recorder{}
	reg := NewRegistry()
	reg.RegisterFunc("Record", rec.record)
	w := newTestWorker(t, c, reg, Config{})
	errc := startWorker(t, w)

	require.Eventually(t, func() bool { return len(rec.seen()) == 10 }, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))

	var got []int
	for _, a := range rec.seen() {
		n, err := castInt(a)
		require.NoError(t, err)
		got = append(got, n)
	}
	assert.Equal(t, []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}, got)
	assert.Equal(t, int64(10), testutil.GetCounter(t, c, base.ProcessedKey(testNS)))
	assert.Empty(t, testutil.GetInflight(t, c, testNS, w.Name(), "default"))
	assert.Empty(t, testutil.GetWorkers(t, c, testNS))
	assert.Equal(t, StateShutdown, w.State())
}

func castInt(v interface{}) (int, error) {
	j := &Job{Args: []interface{}{v}}
	return j.ArgInt(0)
}

func TestWorkerRunTwice(t *testing.T) {
	_, c := testutil.NewRedis(t)
	w := newTestWorker(t, c, NewRegistry(), Config{})
	errc := startWorker(t, w)
	require.Eventually(t, func() bool { return w.State() == StateRunning }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, w.Run(), ErrWorkerStarted)
	w.End(false)
	require.NoError(t, waitRun(t, errc))
	assert.ErrorIs(t, w.Run(), ErrWorkerEnded)
}

func TestWorkerEndBeforeRun(t *testing.T) {
	_, c := testutil.NewRedis(t)
	w := newTestWorker(t, c, NewRegistry(), Config{})
	w.End(false)
	assert.Equal(t, StateShutdown, w.State())
	assert.NoError(t, w.Join(time.Second))
	assert.ErrorIs(t, w.Run(), ErrWorkerEnded)
}

func TestWorkerEndNeverDowngrades(t *testing.T) {
	_, c := testutil.NewRedis(t)
	w := newTestWorker(t, c, NewRegistry(), Config{})
	w.End(true)
	w.End(false)
	assert.Equal(t, StateShutdownImmediate, w.State())
}

func TestWorkerGracefulShutdown(t *testing.T) {
	_, c := testutil.NewRedis(t)
	enqueueJobs(t, c, "default", NewJob("Slow"))

	started := make(chan struct{})
	release := make(chan struct{})
	reg := NewRegistry()
	reg.RegisterFunc("Slow", func(ctx context.Context, job *Job) error {
		close(started)
		<-release
		return ctx.Err()
	})
	w := newTestWorker(t, c, reg, Config{})
	errc := startWorker(t, w)

	<-started
	assert.True(t, w.IsProcessing())
	w.End(false)
	close(release)
	require.NoError(t, waitRun(t, errc))

	assert.Empty(t, testutil.GetQueue(t, c, testNS, "default"))
	assert.Empty(t, testutil.GetInflight(t, c, testNS, w.Name(), "default"))
	assert.Equal(t, int64(1), testutil.GetCounter(t, c, base.ProcessedKey(testNS)))
}

func TestWorkerImmediateShutdownRequeues(t *testing.T) {
	_, c := testutil.NewRedis(t)
	payload := mustEncode(t, NewJob("Blocking"))
	require.NoError(t, rdb.NewRDB(c, testNS).Enqueue(context.Background(), "default", payload))

	started := make(chan struct{})
	reg := NewRegistry()
	reg.RegisterFunc("Blocking", func(ctx context.Context, job *Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	w := newTestWorker(t, c, reg, Config{})
	errc := startWorker(t, w)

	<-started
	w.End(true)
	require.NoError(t, waitRun(t, errc))

	assert.Equal(t, []string{string(payload)}, testutil.GetQueue(t, c, testNS, "default"))
	assert.Empty(t, testutil.GetInflight(t, c, testNS, w.Name(), "default"))
	assert.Equal(t, int64(0), testutil.GetCounter(t, c, base.ProcessedKey(testNS)))
	assert.Equal(t, StateShutdownImmediate, w.State())
}

func TestWorkerMalformedPayload(t *testing.T) {
	_, c := testutil.NewRedis(t)
	testutil.SeedQueue(t, c, testNS, "default", "not json", string(mustEncode(t, NewJob("Record", "ok"))))

	rec := &recorder{}
	reg := NewRegistry()
	reg.RegisterFunc("Record", rec.record)
	w := newTestWorker(t, c, reg, Config{})

	var mu sync.Mutex
	var errs []error
	w.AddListener(ListenerFunc(func(e *Event) Verdict {
		mu.Lock()
		errs = append(errs, e.Err)
		mu.Unlock()
		return VerdictProceed
	}), EventWorkerError)
	errc := startWorker(t, w)

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	var malformed *MalformedPayloadError
	require.ErrorAs(t, errs[0], &malformed)
	assert.Equal(t, "not json", malformed.Payload)
	assert.Empty(t, testutil.GetQueue(t, c, testNS, "default"))
	assert.Empty(t, testutil.GetInflight(t, c, testNS, w.Name(), "default"))
	assert.Empty(t, testutil.GetFailures(t, c, base.FailQueueKey(testNS)))
}

var errBoom = errors.New("boom")

func TestWorkerFailureRecorded(t *testing.T) {
	_, c := testutil.NewRedis(t)
	payload := mustEncode(t, NewJob("Fail", 1))
	require.NoError(t, rdb.NewRDB(c, testNS).Enqueue(context.Background(), "default", payload))

	reg := NewRegistry()
	reg.RegisterFunc("Fail", func(ctx context.Context, job *Job) error {
		return fmt.Errorf("fail job: %w", errBoom)
	})
	w := newTestWorker(t, c, reg, Config{})
	errc := startWorker(t, w)

	require.Eventually(t, func() bool {
		return testutil.GetCounter(t, c, base.FailedKey(testNS)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))

	failures := testutil.GetFailures(t, c, base.FailQueueKey(testNS))
	require.Len(t, failures, 1)
	f := failures[0]
	assert.Equal(t, w.Name(), f.Worker)
	assert.Equal(t, "default", f.Queue)
	assert.JSONEq(t, string(payload), string(f.Payload))
	assert.Equal(t, "*errors.errorString", f.Exception)
	assert.Equal(t, "fail job: boom", f.Error)
	assert.Equal(t, []string{"boom"}, f.Backtrace)
	assert.NotEmpty(t, f.FailedAt)
	assert.Equal(t, int64(0), testutil.GetCounter(t, c, base.ProcessedKey(testNS)))
	assert.Empty(t, testutil.GetInflight(t, c, testNS, w.Name(), "default"))
}

func TestWorkerUnknownClassFails(t *testing.T) {
	_, c := testutil.NewRedis(t)
	enqueueJobs(t, c, "default", NewJob("Nope"))
	w := newTestWorker(t, c, NewRegistry(), Config{})
	errc := startWorker(t, w)

	require.Eventually(t, func() bool {
		return len(testutil.GetFailures(t, c, base.FailQueueKey(testNS))) == 1
	}, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))
	f := testutil.GetFailures(t, c, base.FailQueueKey(testNS))[0]
	assert.Contains(t, f.Error, "Nope")
}

func TestWorkerCappedFailQueue(t *testing.T) {
	_, c := testutil.NewRedis(t)
	for i := 0; i < 5; i++ {
		enqueueJobs(t, c, "default", NewJob("Fail", i))
	}
	reg := NewRegistry()
	reg.RegisterFunc("Fail", func(ctx context.Context, job *Job) error {
		return fmt.Errorf("failure %v", job.Args[0])
	})
	w := newTestWorker(t, c, reg, Config{FailQueueStrategy: CappedFailQueue("resque:failed:capped", 2)})
	errc := startWorker(t, w)

	require.Eventually(t, func() bool {
		return testutil.GetCounter(t, c, base.FailedKey(testNS)) == 5
	}, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))

	failures := testutil.GetFailures(t, c, "resque:failed:capped")
	require.Len(t, failures, 2)
	assert.Equal(t, "failure 3", failures[0].Error)
	assert.Equal(t, "failure 4", failures[1].Error)
	assert.Empty(t, testutil.GetFailures(t, c, base.FailQueueKey(testNS)))
}

func TestWorkerPanicCaptured(t *testing.T) {
	_, c := testutil.NewRedis(t)
	enqueueJobs(t, c, "default", NewJob("Panic"))
	reg := NewRegistry()
	reg.RegisterFunc("Panic", func(ctx context.Context, job *Job) error {
		panic("kaboom")
	})
	w := newTestWorker(t, c, reg, Config{})
	errc := startWorker(t, w)

	require.Eventually(t, func() bool {
		return len(testutil.GetFailures(t, c, base.FailQueueKey(testNS))) == 1
	}, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))

	f := testutil.GetFailures(t, c, base.FailQueueKey(testNS))[0]
	assert.Equal(t, "panic", f.Exception)
	assert.Contains(t, f.Error, "kaboom")
	assert.NotEmpty(t, f.Backtrace)
}

func TestWorkerConstructorPanic(t *testing.T) {
	_, c := testutil.NewRedis(t)
	enqueueJobs(t, c, "default", NewJob("Boom"), NewJob("Record", "after"))
	rec := &recorder{}
	reg := NewRegistry()
	reg.Register("Boom", func(*Job) (interface{}, error) {
		panic("boom in constructor")
	})
	reg.RegisterFunc("Record", rec.record)
	w := newTestWorker(t, c, reg, Config{})
	errc := startWorker(t, w)

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))

	failures := testutil.GetFailures(t, c, base.FailQueueKey(testNS))
	require.Len(t, failures, 1)
	assert.Equal(t, "panic", failures[0].Exception)
	assert.Contains(t, failures[0].Error, "boom in constructor")
	assert.Equal(t, int64(1), testutil.GetCounter(t, c, base.FailedKey(testNS)))
	assert.Empty(t, testutil.GetInflight(t, c, testNS, w.Name(), "default"))
}

// panickySetter panics when handed its worker.
type panickySetter struct{}

func (panickySetter) SetWorker(*Worker)             { panic("cannot take worker") }
func (panickySetter) Run(ctx context.Context) error { return nil }

func TestWorkerSetWorkerPanic(t *testing.T) {
	_, c := testutil.NewRedis(t)
	enqueueJobs(t, c, "default", NewJob("Aware"))
	reg := NewRegistry()
	reg.Register("Aware", func(*Job) (interface{}, error) { return panickySetter{}, nil })
	w := newTestWorker(t, c, reg, Config{})
	errc := startWorker(t, w)

	require.Eventually(t, func() bool {
		return len(testutil.GetFailures(t, c, base.FailQueueKey(testNS))) == 1
	}, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))
	assert.Contains(t, testutil.GetFailures(t, c, base.FailQueueKey(testNS))[0].Error, "cannot take worker")
}

func TestWorkerDefaultNamesAreDistinct(t *testing.T) {
	_, c := testutil.NewRedis(t)
	var runs atomic.Int64
	reg := NewRegistry()
	reg.RegisterFunc("Slow", func(ctx context.Context, job *Job) error {
		runs.Add(1)
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	w1 := newTestWorker(t, c, reg, Config{})
	w2 := newTestWorker(t, c, reg, Config{})
	require.NotEqual(t, w1.Name(), w2.Name())

	enqueueJobs(t, c, "default", NewJob("Slow"))
	errc1 := startWorker(t, w1)
	errc2 := startWorker(t, w2)
	require.Eventually(t, func() bool {
		return testutil.GetCounter(t, c, base.ProcessedKey(testNS)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	w1.End(false)
	w2.End(false)
	require.NoError(t, waitRun(t, errc1))
	require.NoError(t, waitRun(t, errc2))

	assert.Equal(t, int64(1), runs.Load())
	assert.Equal(t, int64(1), testutil.GetCounter(t, c, base.ProcessedKey(testNS)))
}

// unavailableClaims fails every claim with a connection-class error while
// pings keep succeeding.
type unavailableClaims struct {
	base.Broker
	claims atomic.Int64
}

func (b *unavailableClaims) Claim(ctx context.Context, worker, qname string) (string, error) {
	b.claims.Add(1)
	return "", ierrors.E(ierrors.Op("rdb.Claim"), ierrors.Unavailable, "connection reset by peer")
}

func TestWorkerReconnectBacksOffWhenPingSucceeds(t *testing.T) {
	_, c := testutil.NewRedis(t)
	cfg := Config{
		WatchdogHost:      "testhost",
		LogLevel:          FatalLevel,
		EmptyQueueSleep:   10 * time.Millisecond,
		ReconnectInterval: 50 * time.Millisecond,
	}.withDefaults()
	broker := &unavailableClaims{Broker: rdb.NewRDB(c, testNS)}
	w := newWorker(workerParams{
		logger:  cfg.newLogger(),
		broker:  broker,
		factory: NewRegistry(),
		cfg:     cfg,
	})
	errc := startWorker(t, w)

	time.Sleep(300 * time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))
	assert.Equal(t, StateShutdown, w.State())
	assert.GreaterOrEqual(t, broker.claims.Load(), int64(2))
	assert.LessOrEqual(t, broker.claims.Load(), int64(10))
}

func TestWorkerDelayedJob(t *testing.T) {
	_, c := testutil.NewRedis(t)
	delay := 200 * time.Millisecond
	enqueuedAt := time.Now()
	require.NoError(t, rdb.NewRDB(c, testNS).DelayedEnqueue(context.Background(), "default",
		mustEncode(t, NewJob("Record", "later")), enqueuedAt.Add(delay)))

	var ranAt time.Time
	var mu sync.Mutex
	reg := NewRegistry()
	reg.RegisterFunc("Record", func(ctx context.Context, job *Job) error {
		mu.Lock()
		ranAt = time.Now()
		mu.Unlock()
		return nil
	})
	w := newTestWorker(t, c, reg, Config{})
	errc := startWorker(t, w)

	require.Eventually(t, func() bool {
		return testutil.GetCounter(t, c, base.ProcessedKey(testNS)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))

	mu.Lock()
	defer mu.Unlock()
	// Scores have millisecond resolution.
	assert.GreaterOrEqual(t, ranAt.Sub(enqueuedAt), delay-time.Millisecond)
	assert.Empty(t, testutil.GetScheduled(t, c, testNS, "default"))
}

func TestWorkerRecurringJob(t *testing.T) {
	_, c := testutil.NewRedis(t)
	require.NoError(t, rdb.NewRDB(c, testNS).RecurringEnqueue(context.Background(), "ticks",
		mustEncode(t, NewJob("Tick")), time.Now(), 50*time.Millisecond))

	rec := &recorder{}
	reg := NewRegistry()
	reg.RegisterFunc("Tick", rec.record)
	w := newTestWorker(t, c, reg, Config{Queues: []string{"ticks"}})
	errc := startWorker(t, w)

	require.Eventually(t, func() bool { return len(rec.seen()) >= 3 }, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))

	assert.Len(t, testutil.GetScheduled(t, c, testNS, "ticks"), 1)
}

func TestWorkerPause(t *testing.T) {
	_, c := testutil.NewRedis(t)
	rec := &recorder{}
	reg := NewRegistry()
	reg.RegisterFunc("Record", rec.record)
	w := newTestWorker(t, c, reg, Config{})
	w.TogglePause()
	require.True(t, w.IsPaused())
	enqueueJobs(t, c, "default", NewJob("Record", 1))
	errc := startWorker(t, w)

	require.Eventually(t, func() bool {
		data, err := c.Get(context.Background(), base.WorkerKey(testNS, w.Name())).Bytes()
		if err != nil {
			return false
		}
		status, err := base.DecodeWorkerStatus(data)
		return err == nil && status.Paused
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.seen())
	assert.Len(t, testutil.GetQueue(t, c, testNS, "default"), 1)

	w.TogglePause()
	assert.False(t, w.IsPaused())
	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))
	assert.Equal(t, int64(0), c.Exists(context.Background(), base.WorkerKey(testNS, w.Name())).Val())
}

func TestWorkerListenerVerdicts(t *testing.T) {
	tests := []struct {
		desc          string
		verdict       Verdict
		wantRan       bool
		wantProcessed int64
		wantFailed    int64
	}{
		{"proceed", VerdictProceed, true, 1, 0},
		{"skip", VerdictSkip, false, 0, 0},
		{"abort", VerdictAbort, false, 0, 1},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			_, c := testutil.NewRedis(t)
			enqueueJobs(t, c, "default", NewJob("Record", 1))
			rec := &recorder{}
			reg := NewRegistry()
			reg.RegisterFunc("Record", rec.record)
			w := newTestWorker(t, c, reg, Config{})

			var mu sync.Mutex
			done := false
			w.AddListener(ListenerFunc(func(e *Event) Verdict { return tc.verdict }), EventJobExecute)
			w.AddListener(ListenerFunc(func(e *Event) Verdict {
				// Listeners cannot veto events other than job execution.
				if e.Type == EventJobProcess {
					mu.Lock()
					done = true
					mu.Unlock()
				}
				return VerdictAbort
			}), EventJobProcess)
			errc := startWorker(t, w)

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return done && len(testutil.GetQueue(t, c, testNS, "default")) == 0 &&
					len(testutil.GetInflight(t, c, testNS, w.Name(), "default")) == 0
			}, 5*time.Second, 10*time.Millisecond)
			w.End(false)
			require.NoError(t, waitRun(t, errc))

			assert.Equal(t, tc.wantRan, len(rec.seen()) == 1)
			assert.Equal(t, tc.wantProcessed, testutil.GetCounter(t, c, base.ProcessedKey(testNS)))
			assert.Equal(t, tc.wantFailed, testutil.GetCounter(t, c, base.FailedKey(testNS)))
			if tc.verdict == VerdictAbort {
				f := testutil.GetFailures(t, c, base.FailQueueKey(testNS))
				require.Len(t, f, 1)
				assert.Equal(t, ErrJobAborted.Error(), f[0].Error)
			}
		})
	}
}

func TestWorkerEvents(t *testing.T) {
	_, c := testutil.NewRedis(t)
	enqueueJobs(t, c, "default", NewJob("Answer"))
	reg := NewRegistry()
	reg.Register("Answer", func(job *Job) (interface{}, error) {
		return CallerFunc(func(ctx context.Context) (interface{}, error) { return 42, nil }), nil
	})
	w := newTestWorker(t, c, reg, Config{})

	var mu sync.Mutex
	var types []EventType
	var result interface{}
	id := w.AddListener(ListenerFunc(func(e *Event) Verdict {
		mu.Lock()
		defer mu.Unlock()
		assert.Same(t, w, e.Worker)
		if e.Type != EventWorkerPoll {
			types = append(types, e.Type)
		}
		if e.Type == EventJobSuccess {
			result = e.Result
		}
		return VerdictProceed
	}))
	panicID := w.AddListener(ListenerFunc(func(e *Event) Verdict { panic("listener bug") }), EventJobSuccess)
	errc := startWorker(t, w)

	require.Eventually(t, func() bool {
		return testutil.GetCounter(t, c, base.ProcessedKey(testNS)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{
		EventWorkerStart, EventJobProcess, EventJobExecute, EventJobSuccess, EventWorkerStop,
	}, types)
	assert.Equal(t, 42, result)
	assert.True(t, w.RemoveListener(id))
	assert.True(t, w.RemoveListener(panicID))
	assert.False(t, w.RemoveListener(id))
}

func TestWorkerReconnectExhausted(t *testing.T) {
	_, c := testutil.NewRedis(t)
	w := newTestWorker(t, c, NewRegistry(), Config{
		ReconnectAttempts: 2,
		ReconnectInterval: 10 * time.Millisecond,
	})
	require.NoError(t, c.Close())

	err := w.Run()
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.Equal(t, StateShutdown, w.State())
}

func TestWorkerTerminateHandler(t *testing.T) {
	_, c := testutil.NewRedis(t)
	testutil.SeedQueue(t, c, testNS, "default", "not json")
	var handled []string
	w := newTestWorker(t, c, NewRegistry(), Config{
		ExceptionHandler: ExceptionHandlerFunc(func(w *Worker, err error, queue string) RecoveryStrategy {
			handled = append(handled, queue)
			return Terminate
		}),
	})
	err := w.Run()
	var malformed *MalformedPayloadError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, []string{"default"}, handled)
	assert.Empty(t, testutil.GetWorkers(t, c, testNS))
}

func TestWorkerResetToHighestPriority(t *testing.T) {
	_, c := testutil.NewRedis(t)
	enqueueJobs(t, c, "low", NewJob("Record", "low1"), NewJob("Record", "low2"))
	enqueueJobs(t, c, "high", NewJob("Record", "high1"))

	var w *Worker
	rec := &recorder{}
	reg := NewRegistry()
	reg.RegisterFunc("Record", func(ctx context.Context, job *Job) error {
		if arg, _ := job.ArgString(0); arg == "low1" {
			// A higher priority job arrives while a low priority one runs.
			enqueueJobs(t, c, "high", NewJob("Record", "high2"))
		}
		return rec.record(ctx, job)
	})
	w = newTestWorker(t, c, reg, Config{
		Queues:            []string{"high", "low"},
		NextQueueStrategy: ResetToHighestPriority,
	})
	errc := startWorker(t, w)

	require.Eventually(t, func() bool { return len(rec.seen()) == 4 }, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))
	assert.Equal(t, []interface{}{"high1", "low1", "high2", "low2"}, rec.seen())
}

func TestWorkerDrainRotation(t *testing.T) {
	_, c := testutil.NewRedis(t)
	enqueueJobs(t, c, "a", NewJob("Record", "a1"), NewJob("Record", "a2"))
	enqueueJobs(t, c, "b", NewJob("Record", "b1"))

	rec := &recorder{}
	reg := NewRegistry()
	reg.RegisterFunc("Record", func(ctx context.Context, job *Job) error {
		if arg, _ := job.ArgString(0); arg == "a1" {
			enqueueJobs(t, c, "a", NewJob("Record", "a3"))
		}
		return rec.record(ctx, job)
	})
	w := newTestWorker(t, c, reg, Config{Queues: []string{"a", "b"}})
	errc := startWorker(t, w)

	require.Eventually(t, func() bool { return len(rec.seen()) == 4 }, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))
	assert.Equal(t, []interface{}{"a1", "a2", "a3", "b1"}, rec.seen())
}

func TestWorkerQueueManagement(t *testing.T) {
	_, c := testutil.NewRedis(t)
	w := newTestWorker(t, c, NewRegistry(), Config{Queues: []string{"a", "b", "a"}})

	require.NoError(t, w.AddQueue("c"))
	assert.Equal(t, []string{"a", "b", "a", "c"}, w.Queues())
	w.RemoveQueue("a", false)
	assert.Equal(t, []string{"b", "a", "c"}, w.Queues())
	require.NoError(t, w.AddQueue("a"))
	w.RemoveQueue("a", true)
	assert.Equal(t, []string{"b", "c"}, w.Queues())
	require.NoError(t, w.SetQueues([]string{"x", "y"}))
	assert.Equal(t, []string{"x", "y"}, w.Queues())
	assert.Error(t, w.AddQueue(""))
	assert.Error(t, w.SetQueues([]string{"ok", ""}))
	assert.Equal(t, []string{"x", "y"}, w.Queues())
}

func TestWorkerPicksUpAddedQueue(t *testing.T) {
	_, c := testutil.NewRedis(t)
	rec := &recorder{}
	reg := NewRegistry()
	reg.RegisterFunc("Record", rec.record)
	w := newTestWorker(t, c, reg, Config{Queues: []string{"a"}})
	w.RemoveQueue("a", true)
	errc := startWorker(t, w)

	enqueueJobs(t, c, "late", NewJob("Record", "x"))
	require.NoError(t, w.AddQueue("late"))
	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))
}

type awareJob struct {
	worker *Worker
	got    chan *Worker
}

func (j *awareJob) SetWorker(w *Worker) { j.worker = w }

func (j *awareJob) Run(ctx context.Context) error {
	fromCtx, _ := WorkerFromContext(ctx)
	if fromCtx != j.worker {
		return errors.New("context carries a different worker")
	}
	j.got <- j.worker
	return nil
}

func TestWorkerAware(t *testing.T) {
	_, c := testutil.NewRedis(t)
	enqueueJobs(t, c, "default", NewJob("Aware"))
	got := make(chan *Worker, 1)
	reg := NewRegistry()
	reg.Register("Aware", func(job *Job) (interface{}, error) {
		return &awareJob{got: got}, nil
	})
	w := newTestWorker(t, c, reg, Config{})
	errc := startWorker(t, w)

	select {
	case aw := <-got:
		assert.Same(t, w, aw)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
	w.End(false)
	require.NoError(t, waitRun(t, errc))
}

func TestWorkerResumesInflightJob(t *testing.T) {
	_, c := testutil.NewRedis(t)
	rec := &recorder{}
	reg := NewRegistry()
	reg.RegisterFunc("Record", rec.record)
	w := newTestWorker(t, c, reg, Config{})
	testutil.SeedInflight(t, c, testNS, w.Name(), "default", string(mustEncode(t, NewJob("Record", "left over"))))
	enqueueJobs(t, c, "default", NewJob("Record", "fresh"))
	errc := startWorker(t, w)

	require.Eventually(t, func() bool { return len(rec.seen()) == 2 }, 5*time.Second, 10*time.Millisecond)
	w.End(false)
	require.NoError(t, waitRun(t, errc))
	assert.Equal(t, []interface{}{"left over", "fresh"}, rec.seen())
}

func TestExceptionName(t *testing.T) {
	assert.Equal(t, "*errors.errorString", exceptionName(fmt.Errorf("x: %w", errBoom)))
	assert.Equal(t, "panic", exceptionName(newPanicError("oops")))
	assert.Equal(t, "*resq.MalformedPayloadError", exceptionName(&MalformedPayloadError{Payload: "x"}))
	assert.Equal(t, []string{}, backtrace(errBoom))
}

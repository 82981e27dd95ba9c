package facade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskengine/internal/microjob"
	"taskengine/pkg/types"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	eng := New(opts)
	require.NoError(t, eng.Configure(opts))
	t.Cleanup(func() { eng.Shutdown() })
	return eng
}

func TestEngineStartsLazily(t *testing.T) {
	eng := New(Options{})
	assert.Equal(t, LazyInit, eng.Lifecycle())

	_, err := eng.Run(microjob.RunFunc(func(ctx context.Context) (any, error) { return nil, nil }))
	require.NoError(t, err)
	assert.Equal(t, Running, eng.Lifecycle())
	eng.Shutdown()
}

func TestEchoScenario(t *testing.T) {
	eng := newTestEngine(t, Options{WorkerCount: 2})
	id, err := eng.Run(microjob.RunFunc(func(ctx context.Context) (any, error) {
		return "echo", nil
	}))
	require.NoError(t, err)

	outcome, err := eng.AwaitOne(id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo", outcome.Value())
}

func TestRunAllReportsFirstFailure(t *testing.T) {
	eng := newTestEngine(t, Options{WorkerCount: 4})

	fns := []microjob.Runnable{
		microjob.RunFunc(func(ctx context.Context) (any, error) { return "ok", nil }),
		microjob.RunFunc(func(ctx context.Context) (any, error) { return nil, errors.New("bad") }),
		microjob.RunFunc(func(ctx context.Context) (any, error) { return "ok2", nil }),
	}

	result, err := eng.RunAll(fns)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FirstFailedAt)
	assert.NotEmpty(t, result.FailureReason)
}

func TestBatchProgressCallbackCountsUp(t *testing.T) {
	eng := newTestEngine(t, Options{WorkerCount: 4})

	tasks := make([]NamedTask, 5)
	for i := range tasks {
		i := i
		tasks[i] = NamedTask{
			Name: "task",
			Fn: microjob.RunFunc(func(ctx context.Context) (any, error) {
				return i, nil
			}),
		}
	}

	var observed []int
	entries, err := eng.Batch(tasks, func(ev types.ProgressEvent) {
		observed = append(observed, ev.Completed)
	})
	require.NoError(t, err)
	assert.Len(t, entries, 5)
	require.Len(t, observed, 5)
	for i, v := range observed {
		assert.Equal(t, i+1, v, "progress.Completed must be strictly increasing")
	}

	seen := make(map[types.TaskID]bool)
	for _, e := range entries {
		assert.NotZero(t, e.ID, "a fast-completing task must still report its real id, not the zero value")
		assert.False(t, seen[e.ID], "every batch entry must carry a distinct task id")
		seen[e.ID] = true
	}
}

func TestMemoryRefusalPropagatesResourceExhausted(t *testing.T) {
	eng := newTestEngine(t, Options{WorkerCount: 1, PoolMax: 1})

	blockCh := make(chan struct{})
	_, err := eng.Run(microjob.RunFunc(func(ctx context.Context) (any, error) {
		<-blockCh
		return nil, nil
	}))
	require.NoError(t, err)

	_, err = eng.Run(microjob.RunFunc(func(ctx context.Context) (any, error) { return nil, nil }))
	close(blockCh)

	require.Error(t, err, "a pool capped at one outstanding micro-job must refuse a second submission")
	var ee *types.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, types.ErrResourceExhausted, ee.Kind)
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes map[types.TaskID]types.Outcome
}

func (s *recordingSink) Deliver(id types.TaskID, outcome types.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[id] = outcome
}

func TestCompletionSinkReceivesEveryRunOutcome(t *testing.T) {
	sink := &recordingSink{outcomes: make(map[types.TaskID]types.Outcome)}
	eng := newTestEngine(t, Options{WorkerCount: 2, Sink: sink})

	id, err := eng.Run(microjob.RunFunc(func(ctx context.Context) (any, error) {
		return "delivered", nil
	}))
	require.NoError(t, err)

	_, err = eng.AwaitOne(id, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		_, ok := sink.outcomes[id]
		return ok
	}, time.Second, time.Millisecond, "sink.Deliver should be called once the task finishes")

	sink.mu.Lock()
	outcome := sink.outcomes[id]
	sink.mu.Unlock()
	assert.True(t, outcome.IsSuccess())
	assert.Equal(t, "delivered", outcome.Value())
}

func TestShutdownIsIdempotent(t *testing.T) {
	eng := newTestEngine(t, Options{WorkerCount: 1})
	require.NoError(t, eng.Shutdown())
	require.NoError(t, eng.Shutdown())
	assert.Equal(t, Terminated, eng.Lifecycle())
}

func TestOptimizeAppliesProposalToLivePool(t *testing.T) {
	eng := newTestEngine(t, Options{WorkerCount: 2})
	proposal := eng.Optimize()
	assert.Greater(t, proposal.WorkerCount, 0)
	assert.Equal(t, proposal.WorkerCount, eng.pool.WorkerCount(),
		"the live pool's worker count must match the applied proposal")
}

func TestOptimizeAppliesDefaultTimeoutFromProposal(t *testing.T) {
	eng := newTestEngine(t, Options{WorkerCount: 2, DefaultTimeout: time.Hour})
	proposal := eng.Optimize()
	require.Greater(t, proposal.DefaultTimeoutMs, 0)
	assert.Equal(t, time.Duration(proposal.DefaultTimeoutMs)*time.Millisecond, eng.opts.DefaultTimeout,
		"a retune's default_timeout_ms must replace the engine's configured timeout")
}

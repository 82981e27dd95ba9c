package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskengine/pkg/types"
)

func TestRecordLifecycleSuccess(t *testing.T) {
	r := New(1)
	assert.False(t, r.IsFinished())

	r.MarkRunning()
	r.SetResult("hello")

	assert.True(t, r.IsFinished())
	snap := r.Snapshot()
	require.NotNil(t, snap.Outcome)
	assert.True(t, snap.Outcome.IsSuccess())
	assert.Equal(t, "hello", snap.Outcome.Value())
	assert.Equal(t, types.TaskCompleted, snap.State)
}

func TestRecordLifecycleFailure(t *testing.T) {
	r := New(2)
	r.MarkRunning()
	r.SetError(types.NewError(types.ErrUserError, "boom", nil))

	snap := r.Snapshot()
	assert.False(t, snap.Outcome.IsSuccess())
	assert.Equal(t, types.ErrUserError, snap.Outcome.Err().Kind)
	assert.Equal(t, types.TaskFailed, snap.State)
}

func TestCancelOfFinishedTaskIsNoOp(t *testing.T) {
	r := New(3)
	r.MarkRunning()
	r.SetResult(1)

	ok := r.Cancel()
	assert.False(t, ok, "cancelling an already-finished task must be a no-op")
	assert.True(t, r.Snapshot().Outcome.IsSuccess(), "outcome must not change after a no-op cancel")
}

func TestCancelPendingTask(t *testing.T) {
	r := New(4)
	ok := r.Cancel()
	assert.True(t, ok)
	assert.Equal(t, types.TaskCancelled, r.Snapshot().State)
}

func TestAwaitBlocksUntilFinished(t *testing.T) {
	r := New(5)
	r.MarkRunning()

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.SetResult("done")
	}()

	outcome, finished := r.Await(time.Second)
	require.True(t, finished)
	assert.True(t, outcome.IsSuccess())
}

func TestAwaitTimesOut(t *testing.T) {
	r := New(6)
	r.MarkRunning()

	_, finished := r.Await(10 * time.Millisecond)
	assert.False(t, finished)
}

func TestFirstTerminalWriteWins(t *testing.T) {
	r := New(7)
	r.MarkRunning()
	r.SetResult("first")
	r.SetError(types.NewError(types.ErrInternal, "second", nil))

	snap := r.Snapshot()
	assert.True(t, snap.Outcome.IsSuccess(), "first terminal write wins; a record cannot be finished twice")
}

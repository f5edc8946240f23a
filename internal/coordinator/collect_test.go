package coordinator

import (
	"fmt"
	"testing"
	"time"

	"github.com/book-expert/tts-coordinator/internal/connection"
	"github.com/book-expert/tts-coordinator/internal/fakeworker"
	"github.com/book-expert/tts-coordinator/internal/protocol"
	"github.com/book-expert/tts-coordinator/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLateResultFromEarlierAttemptIsIgnored(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, "first")
	chunk, jobID := fx.dispatch(t, 0, "v", 2)

	late := protocol.CompletedResult(jobID, 900, 4096, protocol.OutputPath(jobID), time.Now())
	require.NoError(t, fx.coord.apply(resultOutcome(1, jobID, "w", late, nil)))

	att, ok := fx.coord.inflight[jobID]
	require.True(t, ok, "current attempt kept")
	assert.Equal(t, uint64(2), att.seq)
	assert.False(t, att.transferring, "no audio fetch started for the late result")
	assert.Equal(t, 1, fx.load(t, "v"))
	assert.Zero(t, fx.load(t, "w"))
	assert.Equal(t, session.StatusDispatched, chunk.Status)
	assert.Equal(t, "v", chunk.Worker)
}

func TestMalformedResultLeavesAttemptToTimeOut(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, "first")
	chunk, jobID := fx.dispatch(t, 0, "w", 1)

	_, decodeErr := protocol.DecodeResult([]byte("{not json"))
	require.ErrorIs(t, decodeErr, protocol.ErrProtocol)

	require.NoError(t, fx.coord.apply(resultOutcome(1, jobID, "w", protocol.Result{}, decodeErr)))

	assert.Contains(t, fx.coord.inflight, jobID)
	assert.Equal(t, session.StatusDispatched, chunk.Status)
	assert.Zero(t, chunk.RetryCount)

	fx.coord.inflight[jobID].deadline = time.Now().Add(-time.Second)
	require.NoError(t, fx.coord.expire())

	assert.Empty(t, fx.coord.inflight)
	assert.Equal(t, session.StatusPending, chunk.Status)
	assert.Equal(t, 1, chunk.RetryCount)
	assert.Zero(t, fx.load(t, "w"))
}

func TestResultForAnotherJobIsDiscarded(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, "first", "second")
	first, firstJob := fx.dispatch(t, 0, "w", 1)
	second, secondJob := fx.dispatch(t, 1, "v", 2)

	crossed := protocol.CompletedResult(secondJob, 900, 4096, protocol.OutputPath(secondJob), time.Now())
	require.NoError(t, fx.coord.apply(resultOutcome(1, firstJob, "w", crossed, nil)))

	require.Len(t, fx.coord.inflight, 2)
	assert.False(t, fx.coord.inflight[firstJob].transferring)
	assert.False(t, fx.coord.inflight[secondJob].transferring)
	assert.Equal(t, session.StatusDispatched, first.Status)
	assert.Equal(t, session.StatusDispatched, second.Status)
	assert.Equal(t, 1, fx.load(t, "w"))
	assert.Equal(t, 1, fx.load(t, "v"))
}

func TestLostConnectionRequeuesWithoutChargingRetry(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, "first")
	chunk, jobID := fx.dispatch(t, 0, "w", 1)

	lost := fmt.Errorf("%w: await result: %w", connection.ErrTransport, fakeworker.ErrSessionClosed)
	require.NoError(t, fx.coord.apply(resultOutcome(1, jobID, "w", protocol.Result{}, lost)))

	assert.Empty(t, fx.coord.inflight)
	assert.Equal(t, session.StatusPending, chunk.Status)
	assert.Zero(t, chunk.RetryCount)
	assert.Empty(t, chunk.Worker)
	assert.Nil(t, chunk.DispatchedAt)
	assert.Zero(t, fx.load(t, "w"))
}

func TestFailedResultDuringShutdownWithSpentBudgetFails(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, "first")
	chunk, jobID := fx.dispatch(t, 0, "w", 1)
	chunk.RetryCount = 3
	fx.coord.stopping = true

	failed := protocol.FailedResult(jobID, "CUDA out of memory", time.Now())
	require.NoError(t, fx.coord.apply(resultOutcome(1, jobID, "w", failed, nil)))

	assert.Equal(t, session.StatusFailed, chunk.Status)
	assert.Equal(t, 3, chunk.RetryCount)

	stored, err := fx.store.Load(fx.sess.ID)
	require.NoError(t, err)

	storedChunk, err := stored.Chunk(chunk.Coord())
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, storedChunk.Status)
}

func TestInvalidResultDuringShutdownWithSpentBudgetFails(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, "first")
	chunk, jobID := fx.dispatch(t, 0, "w", 1)
	chunk.RetryCount = 3
	fx.coord.stopping = true

	empty := protocol.CompletedResult(jobID, 900, 0, protocol.OutputPath(jobID), time.Now())
	require.NoError(t, fx.coord.apply(resultOutcome(1, jobID, "w", empty, nil)))

	assert.Equal(t, session.StatusFailed, chunk.Status)
	assert.Equal(t, 3, chunk.RetryCount)
}

func TestTimeoutDuringShutdownKeepsChunkPending(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, "first")
	chunk, jobID := fx.dispatch(t, 0, "w", 1)
	chunk.RetryCount = 3
	fx.coord.stopping = true
	fx.coord.inflight[jobID].deadline = time.Now().Add(-time.Second)

	require.NoError(t, fx.coord.expire())

	assert.Equal(t, session.StatusPending, chunk.Status)
	assert.Equal(t, 4, chunk.RetryCount)
	assert.Zero(t, fx.load(t, "w"))
}

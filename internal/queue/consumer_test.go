package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/edgedeploy/internal/deployerr"
	"github.com/edvin/edgedeploy/internal/model"
	"github.com/edvin/edgedeploy/internal/workflow"
)

func newTestConsumer(tr Transport, proc Processor, failures FailureMarker) *Consumer {
	return NewConsumer(tr, proc, failures, ConsumerConfig{
		Queue:       "deployments",
		BatchSize:   10,
		MaxRetries:  2,
		PollTimeout: 10 * time.Millisecond,
	}, zerolog.Nop())
}

func succeed(_ context.Context, msg *model.QueueMessage) *workflow.Report {
	return &workflow.Report{DeploymentID: msg.Metadata.DeploymentID, Success: true}
}

func failWith(err error) processorFunc {
	return func(_ context.Context, msg *model.QueueMessage) *workflow.Report {
		return &workflow.Report{DeploymentID: msg.Metadata.DeploymentID, Error: err}
	}
}

func TestProcessBatch_SuccessAcks(t *testing.T) {
	tr := newFakeTransport()
	c := newTestConsumer(tr, processorFunc(succeed), &fakeFailures{persist: true})
	d := tr.deliver(messageBody(t, "d-1"))

	results := c.ProcessBatch(context.Background(), []Delivery{d})

	require.Len(t, results, 1)
	assert.Equal(t, OutcomeAcked, results[0].Outcome)
	assert.Equal(t, "d-1", results[0].DeploymentID)
	assert.Equal(t, []string{d.ID}, tr.acked)
	assert.Empty(t, tr.dlq)
}

func TestProcessBatch_RetryThenDeadLetter(t *testing.T) {
	tr := newFakeTransport()
	failures := &fakeFailures{persist: true}
	var seen []int
	proc := processorFunc(func(_ context.Context, msg *model.QueueMessage) *workflow.Report {
		seen = append(seen, *msg.Metadata.RetryCount)
		return &workflow.Report{Error: deployerr.NewStepExecutionError("build", errors.New("npm failed"))}
	})
	c := newTestConsumer(tr, proc, failures)
	d := tr.deliver(messageBody(t, "d-1"))

	// First and second deliveries are left for redelivery.
	res := c.ProcessBatch(context.Background(), []Delivery{d})
	assert.Equal(t, OutcomeRetry, res[0].Outcome)
	assert.True(t, tr.isPending(d.ID))

	res = c.ProcessBatch(context.Background(), []Delivery{tr.redeliver(t, d.ID)})
	assert.Equal(t, OutcomeRetry, res[0].Outcome)
	assert.Empty(t, tr.acked)

	// Third delivery has retryCount == MaxRetries and is dead-lettered.
	res = c.ProcessBatch(context.Background(), []Delivery{tr.redeliver(t, d.ID)})
	assert.Equal(t, OutcomeDeadLettered, res[0].Outcome)
	assert.Equal(t, model.DLQMaxRetriesExceeded, res[0].Reason)
	assert.Equal(t, []int{0, 1, 2}, seen)
	assert.False(t, tr.isPending(d.ID))
	assert.Equal(t, []string{"p1"}, failures.projects)

	envs := tr.deadLetters(t)
	require.Len(t, envs, 1)
	env := envs[0]
	assert.Equal(t, model.DLQMaxRetriesExceeded, env.DLQReason)
	assert.Equal(t, "deployments", env.OriginalQueue)
	assert.Equal(t, 2, env.TotalRetries)
	assert.Contains(t, env.FinalError, "npm failed")
	require.Len(t, env.RetryHistory, 3)
	assert.Equal(t, 1, env.RetryHistory[0].Attempt)
	assert.Equal(t, 3, env.RetryHistory[2].Attempt)
	require.NotNil(t, env.QueueMessage)
	assert.Equal(t, "d-1", env.Metadata.DeploymentID)
}

func TestProcessBatch_LastErrorIsVisibleOnRedelivery(t *testing.T) {
	tr := newFakeTransport()
	var lastErr *string
	calls := 0
	proc := processorFunc(func(_ context.Context, msg *model.QueueMessage) *workflow.Report {
		calls++
		lastErr = msg.Metadata.LastError
		if calls == 1 {
			return &workflow.Report{Error: errors.New("sandbox create timed out")}
		}
		return &workflow.Report{Success: true}
	})
	c := newTestConsumer(tr, proc, &fakeFailures{persist: true})
	d := tr.deliver(messageBody(t, "d-1"))

	c.ProcessBatch(context.Background(), []Delivery{d})
	res := c.ProcessBatch(context.Background(), []Delivery{tr.redeliver(t, d.ID)})

	assert.Equal(t, OutcomeAcked, res[0].Outcome)
	require.NotNil(t, lastErr)
	assert.Equal(t, "sandbox create timed out", *lastErr)
}

func TestProcessBatch_InvalidMessage(t *testing.T) {
	tr := newFakeTransport()
	called := false
	proc := processorFunc(func(context.Context, *model.QueueMessage) *workflow.Report {
		called = true
		return nil
	})
	failures := &fakeFailures{persist: true}
	c := newTestConsumer(tr, proc, failures)
	d := tr.deliver([]byte(`{"metadata":`))

	res := c.ProcessBatch(context.Background(), []Delivery{d})

	assert.False(t, called)
	assert.Equal(t, OutcomeDeadLettered, res[0].Outcome)
	assert.Equal(t, model.DLQInvalidMessage, res[0].Reason)
	assert.Empty(t, failures.projects)
	assert.Equal(t, []string{d.ID}, tr.acked)

	envs := tr.deadLetters(t)
	require.Len(t, envs, 1)
	assert.Nil(t, envs[0].QueueMessage)
	assert.Equal(t, `{"metadata":`, envs[0].RawBody)
	assert.Empty(t, envs[0].RetryHistory)
}

func TestProcessBatch_InvalidMessageMarksNamedProjectFailed(t *testing.T) {
	tr := newFakeTransport()
	called := false
	proc := processorFunc(func(context.Context, *model.QueueMessage) *workflow.Report {
		called = true
		return nil
	})
	failures := &fakeFailures{persist: true}
	c := newTestConsumer(tr, proc, failures)
	body := `{"metadata":{"createdAt":"2026-01-02T03:04:05Z"},"params":{"projectId":"p7","orgId":"o1","userId":"u1"}}`
	d := tr.deliver([]byte(body))

	res := c.ProcessBatch(context.Background(), []Delivery{d})

	assert.False(t, called)
	assert.Equal(t, OutcomeDeadLettered, res[0].Outcome)
	assert.Equal(t, model.DLQInvalidMessage, res[0].Reason)
	assert.Equal(t, []string{"p7"}, failures.projects)
	assert.Equal(t, []string{d.ID}, tr.acked)

	envs := tr.deadLetters(t)
	require.Len(t, envs, 1)
	assert.Equal(t, body, envs[0].RawBody)
	assert.Contains(t, envs[0].FinalError, "metadata.deploymentId is required")
}

func TestProcessBatch_MissingOrgReachesWorkflow(t *testing.T) {
	tr := newFakeTransport()
	var got *model.QueueMessage
	proc := processorFunc(func(_ context.Context, msg *model.QueueMessage) *workflow.Report {
		got = msg
		return &workflow.Report{Error: deployerr.NewValidationError(deployerr.ErrMissingParam, "missing required parameters: orgId")}
	})
	c := newTestConsumer(tr, proc, &fakeFailures{persist: true})
	d := tr.deliver([]byte(`{"metadata":{"deploymentId":"d-1"},"params":{"projectId":"p1","userId":"u1"}}`))

	res := c.ProcessBatch(context.Background(), []Delivery{d})

	require.NotNil(t, got)
	assert.Equal(t, "p1", got.Params.ProjectID)
	assert.Equal(t, "d-1", res[0].DeploymentID)
	assert.Empty(t, tr.deadLetters(t))
}

func TestProcessBatch_PanicIsDeadLetteredImmediately(t *testing.T) {
	tr := newFakeTransport()
	failures := &fakeFailures{persist: true}
	proc := processorFunc(func(context.Context, *model.QueueMessage) *workflow.Report {
		panic("nil map write")
	})
	c := newTestConsumer(tr, proc, failures)
	d := tr.deliver(messageBody(t, "d-1"))

	res := c.ProcessBatch(context.Background(), []Delivery{d})

	assert.Equal(t, OutcomeDeadLettered, res[0].Outcome)
	assert.Equal(t, model.DLQSystemError, res[0].Reason)
	assert.Equal(t, []string{"p1"}, failures.projects)
	envs := tr.deadLetters(t)
	require.Len(t, envs, 1)
	assert.Contains(t, envs[0].FinalError, "nil map write")
	assert.Equal(t, 0, envs[0].TotalRetries)
}

func TestProcessBatch_TimeoutOnLastAttempt(t *testing.T) {
	tr := newFakeTransport()
	proc := processorFunc(func(context.Context, *model.QueueMessage) *workflow.Report {
		return &workflow.Report{Error: context.DeadlineExceeded, TimedOut: true}
	})
	c := newTestConsumer(tr, proc, &fakeFailures{persist: true})
	d := tr.deliver(messageBody(t, "d-1"))
	d.Deliveries = 3

	res := c.ProcessBatch(context.Background(), []Delivery{d})

	assert.Equal(t, OutcomeDeadLettered, res[0].Outcome)
	assert.Equal(t, model.DLQProcessingTimeout, res[0].Reason)
}

func TestProcessBatch_ProcessingTimeoutBoundsExecution(t *testing.T) {
	tr := newFakeTransport()
	var hadDeadline atomic.Bool
	proc := processorFunc(func(ctx context.Context, _ *model.QueueMessage) *workflow.Report {
		_, ok := ctx.Deadline()
		hadDeadline.Store(ok)
		return &workflow.Report{Success: true}
	})
	c := NewConsumer(tr, proc, &fakeFailures{}, ConsumerConfig{Queue: "deployments", MaxRetries: 2, ProcessingTimeout: time.Minute}, zerolog.Nop())

	c.ProcessBatch(context.Background(), []Delivery{tr.deliver(messageBody(t, "d-1"))})

	assert.True(t, hadDeadline.Load())
}

func TestProcessBatch_MarkFailedErrorsAreSwallowed(t *testing.T) {
	tr := newFakeTransport()
	failures := &fakeFailures{persist: false}
	c := newTestConsumer(tr, failWith(errors.New("deploy failed")), failures)
	d := tr.deliver(messageBody(t, "d-1"))
	d.Deliveries = 3

	res := c.ProcessBatch(context.Background(), []Delivery{d})

	assert.Equal(t, OutcomeDeadLettered, res[0].Outcome)
	assert.Equal(t, []string{"p1"}, failures.projects)
	assert.Equal(t, []string{d.ID}, tr.acked)
}

func TestProcessBatch_DeadLetterPublishFailureKeepsMessage(t *testing.T) {
	tr := newFakeTransport()
	tr.dlqErr = errors.New("redis down")
	c := newTestConsumer(tr, failWith(errors.New("deploy failed")), &fakeFailures{persist: true})
	d := tr.deliver(messageBody(t, "d-1"))
	d.Deliveries = 3

	res := c.ProcessBatch(context.Background(), []Delivery{d})

	assert.Equal(t, OutcomeRetry, res[0].Outcome)
	assert.True(t, tr.isPending(d.ID))
	assert.Empty(t, tr.acked)
}

func TestProcessBatch_ExhaustedMessageIsNotRerun(t *testing.T) {
	tr := newFakeTransport()
	called := false
	proc := processorFunc(func(context.Context, *model.QueueMessage) *workflow.Report {
		called = true
		return &workflow.Report{Success: true}
	})
	c := newTestConsumer(tr, proc, &fakeFailures{persist: true})
	d := tr.deliver(messageBody(t, "d-1"))
	d.Deliveries = 4

	res := c.ProcessBatch(context.Background(), []Delivery{d})

	assert.False(t, called)
	assert.Equal(t, OutcomeDeadLettered, res[0].Outcome)
	assert.Equal(t, model.DLQMaxRetriesExceeded, res[0].Reason)
}

func TestProcessBatch_Sequential(t *testing.T) {
	tr := newFakeTransport()
	var inFlight, maxInFlight atomic.Int32
	var order []string
	proc := processorFunc(func(_ context.Context, msg *model.QueueMessage) *workflow.Report {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		order = append(order, msg.Metadata.DeploymentID)
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return &workflow.Report{Success: true}
	})
	c := newTestConsumer(tr, proc, &fakeFailures{persist: true})

	batch := []Delivery{
		tr.deliver(messageBody(t, "d-1")),
		tr.deliver(messageBody(t, "d-2")),
		tr.deliver(messageBody(t, "d-3")),
	}
	results := c.ProcessBatch(context.Background(), batch)

	require.Len(t, results, 3)
	assert.Equal(t, []string{"d-1", "d-2", "d-3"}, order)
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestProcessBatch_StopsBetweenMessagesOnShutdown(t *testing.T) {
	tr := newFakeTransport()
	ctx, cancel := context.WithCancel(context.Background())
	proc := processorFunc(func(ctx context.Context, _ *model.QueueMessage) *workflow.Report {
		cancel()
		// The in-flight message keeps a live context.
		if ctx.Err() != nil {
			return &workflow.Report{Error: ctx.Err()}
		}
		return &workflow.Report{Success: true}
	})
	c := newTestConsumer(tr, proc, &fakeFailures{persist: true})
	first := tr.deliver(messageBody(t, "d-1"))
	second := tr.deliver(messageBody(t, "d-2"))

	results := c.ProcessBatch(ctx, []Delivery{first, second})

	require.Len(t, results, 1)
	assert.Equal(t, OutcomeAcked, results[0].Outcome)
	assert.True(t, tr.isPending(second.ID))
}

func TestProcessBatch_HeartbeatTouchesUnfinishedMessages(t *testing.T) {
	tr := newFakeTransport()
	first := tr.deliver(messageBody(t, "d-1"))
	second := tr.deliver(messageBody(t, "d-2"))

	touchedOnly := func(ids ...string) func() bool {
		return func() bool {
			touches := tr.touches()
			return len(touches) > 0 && assert.ObjectsAreEqual(ids, touches[len(touches)-1])
		}
	}
	proc := processorFunc(func(_ context.Context, msg *model.QueueMessage) *workflow.Report {
		// The whole unfinished batch is touched, then only what is left.
		switch msg.Metadata.DeploymentID {
		case "d-1":
			assert.Eventually(t, touchedOnly(first.ID, second.ID), time.Second, 5*time.Millisecond)
		case "d-2":
			assert.Eventually(t, touchedOnly(second.ID), time.Second, 5*time.Millisecond)
		}
		return &workflow.Report{Success: true}
	})
	c := NewConsumer(tr, proc, &fakeFailures{persist: true}, ConsumerConfig{
		Queue:             "deployments",
		MaxRetries:        2,
		HeartbeatInterval: 10 * time.Millisecond,
	}, zerolog.Nop())

	results := c.ProcessBatch(context.Background(), []Delivery{first, second})
	require.Len(t, results, 2)
	assert.Equal(t, OutcomeAcked, results[1].Outcome)

	// The heartbeat stops with the batch.
	n := len(tr.touches())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, tr.touches(), n)
}

func TestProcessBatch_NoHeartbeatByDefault(t *testing.T) {
	tr := newFakeTransport()
	proc := processorFunc(func(_ context.Context, msg *model.QueueMessage) *workflow.Report {
		time.Sleep(20 * time.Millisecond)
		return &workflow.Report{Success: true}
	})
	c := newTestConsumer(tr, proc, &fakeFailures{persist: true})

	c.ProcessBatch(context.Background(), []Delivery{tr.deliver(messageBody(t, "d-1"))})

	assert.Empty(t, tr.touches())
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	tr := newFakeTransport()
	tr.inbox = [][]byte{messageBody(t, "d-1"), messageBody(t, "d-2")}

	ctx, cancel := context.WithCancel(context.Background())
	var processed atomic.Int32
	proc := processorFunc(func(_ context.Context, msg *model.QueueMessage) *workflow.Report {
		if processed.Add(1) == 2 {
			cancel()
		}
		return &workflow.Report{Success: true}
	})
	c := newTestConsumer(tr, proc, &fakeFailures{persist: true})

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, int32(2), processed.Load())
	assert.Len(t, tr.acked, 2)
}

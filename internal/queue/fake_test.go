package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edvin/edgedeploy/internal/model"
	"github.com/edvin/edgedeploy/internal/statestore"
	"github.com/edvin/edgedeploy/internal/workflow"
)

// fakeTransport keeps everything in memory. Receive drains inbox; unacked
// messages are handed out again by redeliver, which stands in for the
// visibility timeout.
type fakeTransport struct {
	mu         sync.Mutex
	seq        int
	published  [][]byte
	inbox      [][]byte
	pending    map[string]*Delivery
	acked      []string
	dlq        [][]byte
	history    map[string][]model.RetryRecord
	touched    [][]string
	publishErr error
	dlqErr     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		pending: map[string]*Delivery{},
		history: map[string][]model.RetryRecord{},
	}
}

func (f *fakeTransport) Publish(_ context.Context, body []byte, _ SendOptions) (PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return PublishResult{}, f.publishErr
	}
	f.seq++
	id := fmt.Sprintf("%d-0", f.seq)
	f.published = append(f.published, body)
	return PublishResult{MessageID: id}, nil
}

// deliver makes body available as a first delivery and returns it.
func (f *fakeTransport) deliver(body []byte) Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	d := &Delivery{ID: fmt.Sprintf("%d-0", f.seq), Body: body, Deliveries: 1}
	f.pending[d.ID] = d
	return *d
}

// redeliver returns the pending message again with a bumped count.
func (f *fakeTransport) redeliver(t *testing.T, id string) Delivery {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.pending[id]
	require.True(t, ok, "message %s is not pending", id)
	d.Deliveries++
	return *d
}

func (f *fakeTransport) Receive(ctx context.Context, max int, _ time.Duration) ([]Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Delivery
	for len(f.inbox) > 0 && len(out) < max {
		f.seq++
		d := &Delivery{ID: fmt.Sprintf("%d-0", f.seq), Body: f.inbox[0], Deliveries: 1}
		f.inbox = f.inbox[1:]
		f.pending[d.ID] = d
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeTransport) Ack(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, id)
	delete(f.history, id)
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeTransport) Touch(_ context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, append([]string(nil), ids...))
	return nil
}

func (f *fakeTransport) touches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.touched...)
}

func (f *fakeTransport) RecordFailure(_ context.Context, id string, rec model.RetryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[id] = append(f.history[id], rec)
	return nil
}

func (f *fakeTransport) RetryHistory(_ context.Context, id string) ([]model.RetryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.RetryRecord(nil), f.history[id]...), nil
}

func (f *fakeTransport) DeadLetter(_ context.Context, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dlqErr != nil {
		return f.dlqErr
	}
	f.dlq = append(f.dlq, body)
	return nil
}

func (f *fakeTransport) Ping(context.Context) error { return nil }

func (f *fakeTransport) isPending(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pending[id]
	return ok
}

func (f *fakeTransport) deadLetters(t *testing.T) []model.DeadLetterEnvelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.DeadLetterEnvelope, 0, len(f.dlq))
	for _, body := range f.dlq {
		var env model.DeadLetterEnvelope
		require.NoError(t, json.Unmarshal(body, &env))
		out = append(out, env)
	}
	return out
}

// processorFunc adapts a function to Processor.
type processorFunc func(ctx context.Context, msg *model.QueueMessage) *workflow.Report

func (f processorFunc) Execute(ctx context.Context, msg *model.QueueMessage) *workflow.Report {
	return f(ctx, msg)
}

type fakeFailures struct {
	mu       sync.Mutex
	projects []string
	persist  bool
}

func (f *fakeFailures) MarkFailed(_ context.Context, projectID string, _ error) statestore.FailureWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = append(f.projects, projectID)
	if !f.persist {
		return statestore.FailureWrite{Err: errors.New("db down")}
	}
	return statestore.FailureWrite{Persisted: true}
}

func messageBody(t *testing.T, deploymentID string) []byte {
	t.Helper()
	body, err := json.Marshal(&model.QueueMessage{
		Metadata: model.MessageMetadata{
			DeploymentID:   deploymentID,
			CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			UserID:         "u1",
			OrganizationID: "o1",
			Version:        model.MessageVersion,
		},
		Params: model.DeploymentRequest{ProjectID: "p1", OrganizationID: "o1", UserID: "u1"},
	})
	require.NoError(t, err)
	return body
}

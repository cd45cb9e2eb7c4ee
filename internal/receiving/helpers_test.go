package receiving

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"postal/internal/envelope"
	"postal/internal/pipeline"
	"postal/pkg/retry"
)

const testAddress = "local://orders"

type recordingListener struct {
	mu        sync.Mutex
	completed []uuid.UUID
	deferred  []uuid.UUID
}

func (l *recordingListener) Address() string { return "tcp://localhost:2201" }

func (l *recordingListener) Complete(_ context.Context, envs ...*envelope.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, env := range envs {
		l.completed = append(l.completed, env.ID)
	}
	return nil
}

func (l *recordingListener) Defer(_ context.Context, envs ...*envelope.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, env := range envs {
		l.deferred = append(l.deferred, env.ID)
	}
	return nil
}

func (l *recordingListener) counts() (completed, deferred int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.completed), len(l.deferred)
}

// scriptedHandler records each invocation as it arrives and settles it with
// the next step. Once the script runs out it completes.
type scriptedHandler struct {
	mu      sync.Mutex
	steps   []func(ctx context.Context, env *envelope.Envelope, cb pipeline.Callback) error
	calls   int
	invoked chan *envelope.Envelope
}

func newScriptedHandler(steps ...func(ctx context.Context, env *envelope.Envelope, cb pipeline.Callback) error) *scriptedHandler {
	return &scriptedHandler{steps: steps, invoked: make(chan *envelope.Envelope, 64)}
}

func (h *scriptedHandler) Invoke(ctx context.Context, env *envelope.Envelope, cb pipeline.Callback) error {
	h.mu.Lock()
	call := h.calls
	h.calls++
	h.mu.Unlock()

	h.invoked <- env.Clone()
	if call < len(h.steps) {
		return h.steps[call](ctx, env, cb)
	}
	return cb.Complete(ctx, env)
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *scriptedHandler) wait(t *testing.T, n int) []*envelope.Envelope {
	t.Helper()
	seen := make([]*envelope.Envelope, 0, n)
	for i := 0; i < n; i++ {
		select {
		case env := <-h.invoked:
			seen = append(seen, env)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for invocation %d of %d", i+1, n)
		}
	}
	return seen
}

func deferOnce(ctx context.Context, env *envelope.Envelope, cb pipeline.Callback) error {
	return cb.Defer(ctx, env)
}

func newMessage() *envelope.Envelope {
	env := envelope.New("orders.placed", nil)
	env.Data = []byte(`{"order_id":"o-1"}`)
	env.Destination = testAddress
	return env
}

func fastRetry() retry.PipelineConfig {
	return retry.PipelineConfig{
		Workers: 1,
		Policy: retry.Policy{
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			Multiplier:      2,
		},
	}
}

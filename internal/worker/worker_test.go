package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/meanas/internal/repository"
)

func TestConfig_Validate(t *testing.T) {
	valid := DefaultConfig()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid default config", mutate: func(c *Config) {}},
		{name: "concurrency too low", mutate: func(c *Config) { c.Concurrency = 0 }, wantErr: true},
		{name: "concurrency too high", mutate: func(c *Config) { c.Concurrency = 101 }, wantErr: true},
		{name: "poll interval too short", mutate: func(c *Config) { c.PollInterval = 500 * time.Millisecond }, wantErr: true},
		{name: "stale threshold below job timeout", mutate: func(c *Config) {
			c.JobTimeout = 20 * time.Minute
		}, wantErr: true},
		{name: "max delay below base", mutate: func(c *Config) {
			c.RetryBaseDelay = time.Minute
			c.RetryMaxDelay = time.Second
		}, wantErr: true},
		{name: "zero base delay", mutate: func(c *Config) { c.RetryBaseDelay = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Backoff(t *testing.T) {
	c := DefaultConfig()
	c.RetryBaseDelay = time.Second
	c.RetryMaxDelay = 10 * time.Second

	assert.Equal(t, 1*time.Second, c.Backoff(1))
	assert.Equal(t, 2*time.Second, c.Backoff(2))
	assert.Equal(t, 4*time.Second, c.Backoff(3))
	assert.Equal(t, 8*time.Second, c.Backoff(4))
	assert.Equal(t, 10*time.Second, c.Backoff(5))
	assert.Equal(t, 10*time.Second, c.Backoff(30))
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "permanent error",
			err:  NewPermanentError(context.Canceled),
			want: true,
		},
		{
			name: "wrapped permanent error",
			err:  errors.Join(errors.New("outer"), NewPermanentError(context.Canceled)),
			want: true,
		},
		{
			name: "regular error",
			err:  context.Canceled,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
}

type funcHandler struct {
	jobType string
	handle  func(ctx context.Context, payload []byte) error
}

func (h funcHandler) Type() string { return h.jobType }

func (h funcHandler) Handle(ctx context.Context, payload []byte) error {
	return h.handle(ctx, payload)
}

func newTestWorker(t *testing.T, store repository.Store, now time.Time) *Worker {
	t.Helper()

	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Second
	cfg.RetryMaxDelay = time.Minute

	w, err := New(store, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	w.now = func() time.Time { return now }
	return w
}

func TestProcessNext(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("no jobs", func(t *testing.T) {
		w := newTestWorker(t, repository.NewMemory(), now)
		assert.ErrorIs(t, w.ProcessNext(ctx, logger), repository.ErrNoJobs)
	})

	t.Run("completes job and passes payload", func(t *testing.T) {
		store := repository.NewMemory()
		w := newTestWorker(t, store, now)
		w.now = time.Now

		reqID := uuid.New()
		var got ActivateSubscriptionPayload
		w.Register(funcHandler{jobType: JobTypeActivateSubscription, handle: func(_ context.Context, payload []byte) error {
			return json.Unmarshal(payload, &got)
		}})

		job, err := EnqueueActivateSubscription(ctx, store, reqID, WithDelay(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int32(PriorityHigh), job.Priority)

		require.NoError(t, w.ProcessNext(ctx, logger))
		assert.Equal(t, reqID, got.ActivationRequestID)

		stored, ok := store.Job(job.ID)
		require.True(t, ok)
		assert.Equal(t, repository.JobStatusCompleted, stored.Status)
	})

	t.Run("transient failure is rescheduled with backoff", func(t *testing.T) {
		store := repository.NewMemory()
		w := newTestWorker(t, store, now)
		w.Register(funcHandler{jobType: "flaky", handle: func(context.Context, []byte) error {
			return errors.New("store unavailable")
		}})

		job, err := store.EnqueueJob(ctx, repository.EnqueueJobParams{
			JobType: "flaky", Payload: []byte(`{}`), MaxAttempts: 3, ScheduledAt: now,
		})
		require.NoError(t, err)

		require.NoError(t, w.ProcessNext(ctx, logger))

		stored, _ := store.Job(job.ID)
		assert.Equal(t, repository.JobStatusPending, stored.Status)
		assert.Equal(t, now.Add(time.Second), stored.ScheduledAt)
		assert.Equal(t, "store unavailable", stored.ErrorMessage)

		// Not due yet.
		assert.ErrorIs(t, w.ProcessNext(ctx, logger), repository.ErrNoJobs)
	})

	t.Run("exhausted attempts fail permanently", func(t *testing.T) {
		store := repository.NewMemory()
		w := newTestWorker(t, store, now)
		calls := 0
		w.Register(funcHandler{jobType: "flaky", handle: func(context.Context, []byte) error {
			calls++
			return errors.New("boom")
		}})

		job, err := store.EnqueueJob(ctx, repository.EnqueueJobParams{
			JobType: "flaky", Payload: []byte(`{}`), MaxAttempts: 2, ScheduledAt: now,
		})
		require.NoError(t, err)

		require.NoError(t, w.ProcessNext(ctx, logger))
		w.now = func() time.Time { return now.Add(time.Hour) }
		require.NoError(t, w.ProcessNext(ctx, logger))
		assert.ErrorIs(t, w.ProcessNext(ctx, logger), repository.ErrNoJobs)

		stored, _ := store.Job(job.ID)
		assert.Equal(t, repository.JobStatusFailed, stored.Status)
		assert.Equal(t, 2, calls)
	})

	t.Run("permanent error is not retried", func(t *testing.T) {
		store := repository.NewMemory()
		w := newTestWorker(t, store, now)
		w.Register(funcHandler{jobType: "bad", handle: func(context.Context, []byte) error {
			return NewPermanentError(errors.New("plan vanished"))
		}})

		job, err := store.EnqueueJob(ctx, repository.EnqueueJobParams{
			JobType: "bad", Payload: []byte(`{}`), MaxAttempts: 5, ScheduledAt: now,
		})
		require.NoError(t, err)
		require.NoError(t, w.ProcessNext(ctx, logger))

		stored, _ := store.Job(job.ID)
		assert.Equal(t, repository.JobStatusFailed, stored.Status)
	})

	t.Run("unknown job type fails permanently", func(t *testing.T) {
		store := repository.NewMemory()
		w := newTestWorker(t, store, now)

		job, err := store.EnqueueJob(ctx, repository.EnqueueJobParams{
			JobType: "mystery", Payload: []byte(`{}`), MaxAttempts: 5, ScheduledAt: now,
		})
		require.NoError(t, err)
		require.NoError(t, w.ProcessNext(ctx, logger))

		stored, _ := store.Job(job.ID)
		assert.Equal(t, repository.JobStatusFailed, stored.Status)
	})
}

func TestRecoverStaleJobs(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := repository.NewMemory()

	job, err := store.EnqueueJob(ctx, repository.EnqueueJobParams{
		JobType: "slow", Payload: []byte(`{}`), MaxAttempts: 3, ScheduledAt: now.Add(-time.Hour),
	})
	require.NoError(t, err)
	_, err = store.DequeueJob(ctx, now.Add(-time.Hour))
	require.NoError(t, err)

	w := newTestWorker(t, store, now)
	n, err := w.RecoverStaleJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, _ := store.Job(job.ID)
	assert.Equal(t, repository.JobStatusPending, stored.Status)
}

func TestStartStop(t *testing.T) {
	store := repository.NewMemory()
	w := newTestWorker(t, store, time.Now())
	w.now = time.Now

	done := make(chan struct{})
	w.Register(funcHandler{jobType: "ping", handle: func(context.Context, []byte) error {
		close(done)
		return nil
	}})

	_, err := EnqueueJob(context.Background(), store, "ping", map[string]string{})
	require.NoError(t, err)

	w.config.PollInterval = 10 * time.Millisecond
	w.Start(context.Background())
	defer w.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
}

func TestDecodePayload(t *testing.T) {
	id := uuid.New()
	payload, err := json.Marshal(ActivateSubscriptionPayload{ActivationRequestID: id})
	require.NoError(t, err)

	got, err := DecodePayload[ActivateSubscriptionPayload](payload)
	require.NoError(t, err)
	assert.Equal(t, id, got.ActivationRequestID)

	_, err = DecodePayload[ActivateSubscriptionPayload]([]byte(`{"activation_request_id":42}`))
	assert.True(t, IsPermanent(err))

	assert.True(t, IsPermanent(Permanentf("plan %s missing", "gold")))
}

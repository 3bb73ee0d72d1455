package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChristChad-mv/careflow-sub000/internal/db"
	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/migrate"
	"github.com/ChristChad-mv/careflow-sub000/internal/repo"
)

var clock = time.Date(2026, 1, 24, 8, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.New(conn)
	r.Now = func() time.Time { return clock }
	return r
}

func task(recipient string, notBefore time.Time) domain.RetryTask {
	return domain.RetryTask{
		TenantID:      "clinic-1",
		RecipientID:   recipient,
		SlotKey:       "2026-01-24_08",
		AttemptNumber: 2,
		NotBefore:     notBefore,
		Reason:        domain.OutcomeNoAnswer,
	}
}

func TestRunnerDeletesOnlyHandledTasks(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	q := SQLQueue{Repo: r}
	require.NoError(t, q.Enqueue(ctx, task("p-1", clock)))
	require.NoError(t, q.Enqueue(ctx, task("p-2", clock)))
	require.NoError(t, q.Enqueue(ctx, task("p-3", clock.Add(time.Hour))))

	var seen []string
	runner := Runner{
		Repo:   r,
		Logger: zap.NewNop(),
		Now:    func() time.Time { return clock },
		Lease:  time.Minute,
		Handle: func(ctx context.Context, task domain.RetryTask) error {
			seen = append(seen, task.RecipientID)
			if task.RecipientID == "p-2" {
				return errors.New("bridge down")
			}
			return nil
		},
	}
	done, err := runner.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.ElementsMatch(t, []string{"p-1", "p-2"}, seen)

	left, err := r.ListRetryTasks(ctx, "clinic-1")
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "p-2", left[0].RecipientID)
	assert.Equal(t, "p-3", left[1].RecipientID)

	// p-2 is leased, so an immediate second poll does nothing.
	seen = nil
	done, err = runner.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, done)
	assert.Empty(t, seen)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	ch := make(chan kafka.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	return &fakeReader{msgs: ch}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func encode(t *testing.T, task domain.RetryTask) kafka.Message {
	t.Helper()
	b, err := json.Marshal(task)
	require.NoError(t, err)
	return kafka.Message{Key: taskKey(task), Value: b}
}

func TestKafkaEnqueueKeysByRecipient(t *testing.T) {
	w := &fakeWriter{}
	q := &KafkaQueue{Writer: w, Now: func() time.Time { return clock }}
	require.NoError(t, q.Enqueue(context.Background(), task("p-1", clock.Add(15*time.Minute))))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "clinic-1/p-1", string(msg.Key))
	var got domain.RetryTask
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, 2, got.AttemptNumber)
	assert.True(t, got.NotBefore.Equal(clock.Add(15*time.Minute)))

	w.err = errors.New("broker gone")
	assert.ErrorContains(t, q.Enqueue(context.Background(), task("p-1", clock)), "produce retry task")
}

func TestKafkaConsumeWaitsForNotBefore(t *testing.T) {
	reader := newFakeReader(encode(t, task("p-1", clock.Add(10*time.Minute))))
	var slept []time.Duration
	q := &KafkaQueue{
		Reader: reader,
		Writer: &fakeWriter{},
		Now:    func() time.Time { return clock },
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	var handled []domain.RetryTask
	err := q.Consume(ctx, func(ctx context.Context, task domain.RetryTask) error {
		handled = append(handled, task)
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, handled, 1)
	assert.Equal(t, []time.Duration{10 * time.Minute}, slept)
	assert.Equal(t, 1, reader.commits())
}

func TestKafkaConsumeRepublishesFailedTask(t *testing.T) {
	reader := newFakeReader(encode(t, task("p-1", clock)), kafka.Message{Value: []byte("not json")})
	writer := &fakeWriter{}
	q := &KafkaQueue{
		Reader:         reader,
		Writer:         writer,
		Now:            func() time.Time { return clock },
		RedeliverDelay: time.Minute,
		Sleep:          func(context.Context, time.Duration) error { return nil },
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		for reader.commits() < 2 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	err := q.Consume(ctx, func(context.Context, domain.RetryTask) error { return errors.New("bridge down") })
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 2, reader.commits(), "failed task and poison message both committed")
	writer.mu.Lock()
	defer writer.mu.Unlock()
	require.Len(t, writer.msgs, 1)
	var again domain.RetryTask
	require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &again))
	assert.True(t, again.NotBefore.Equal(clock.Add(time.Minute)))
}

func TestKafkaConsumeLeavesOffsetWhenRepublishFails(t *testing.T) {
	reader := newFakeReader(encode(t, task("p-1", clock)))
	q := &KafkaQueue{
		Reader: reader,
		Writer: &fakeWriter{err: errors.New("broker gone")},
		Now:    func() time.Time { return clock },
	}
	err := q.Consume(context.Background(), func(context.Context, domain.RetryTask) error { return errors.New("fail") })
	assert.ErrorContains(t, err, "re-publish retry task")
	assert.Zero(t, reader.commits())
}

func TestRunnerDropsPermanentFailures(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	q := SQLQueue{Repo: r}
	bad := task("p-1", clock)
	bad.SlotKey = "garbage"
	require.NoError(t, q.Enqueue(ctx, bad))

	now := clock
	calls := 0
	runner := Runner{
		Repo:  r,
		Now:   func() time.Time { return now },
		Lease: time.Minute,
		Handle: func(context.Context, domain.RetryTask) error {
			calls++
			return Permanent(errors.New("invalid slot key"))
		},
	}
	for i := 0; i < 3; i++ {
		done, err := runner.Poll(ctx)
		require.NoError(t, err)
		assert.Zero(t, done)
		now = now.Add(3 * time.Minute)
	}
	assert.Equal(t, 1, calls)
	left, err := r.ListRetryTasks(ctx, "clinic-1")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPermanentKeepsCause(t *testing.T) {
	cause := errors.New("invalid slot key")
	err := Permanent(cause)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, cause, ErrPermanent)
}

func TestKafkaConsumeCommitsPermanentFailure(t *testing.T) {
	reader := newFakeReader(encode(t, task("p-1", clock)))
	writer := &fakeWriter{}
	q := &KafkaQueue{
		Reader: reader,
		Writer: writer,
		Now:    func() time.Time { return clock },
		Sleep:  func(context.Context, time.Duration) error { return nil },
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		for reader.commits() < 1 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	err := q.Consume(ctx, func(context.Context, domain.RetryTask) error {
		return Permanent(errors.New("retries start at 2"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, reader.commits())
	writer.mu.Lock()
	defer writer.mu.Unlock()
	assert.Empty(t, writer.msgs, "permanent failures are not re-published")
}

package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/syncqueue/internal/model"
	"github.com/jwalitptl/syncqueue/internal/repository/sqlstore"
	"github.com/jwalitptl/syncqueue/internal/service/queue"
	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
	"github.com/jwalitptl/syncqueue/pkg/metrics"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openStore(t *testing.T, path string) *sqlstore.Store {
	t.Helper()
	db, err := sqlstore.NewDB(sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: path})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlstore.Migrate(context.Background(), db))
	return sqlstore.New(db)
}

func newService(t *testing.T, opts ...queue.Option) (*queue.Service, *sqlstore.Store) {
	t.Helper()
	store := openStore(t, filepath.Join(t.TempDir(), "queue.db"))
	return queue.NewService(store, store, opts...), store
}

func payload(logType string) model.Payload {
	return model.Payload{
		LogType:    logType,
		LocationID: "loc-1",
		EmployeeID: "emp-1",
		Data:       json.RawMessage(`{"ok":true}`),
	}
}

func token(context.Context) string { return "token" }

func noToken(context.Context) string { return "" }

// recorder is a scripted backend: it answers each log type with the
// configured error and records the order of calls.
type recorder struct {
	mu      sync.Mutex
	calls   []string
	answers map[string]error
}

func (r *recorder) send(_ context.Context, e *model.QueueEntry, _ string) (*model.LogEntryReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, e.Payload.LogType)
	if err := r.answers[e.Payload.LogType]; err != nil {
		return nil, err
	}
	return &model.LogEntryReceipt{ID: e.IdempotencyKey, ServerReceivedAt: time.Now().UTC()}, nil
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestEnqueue_UniqueKeysAndPending(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		key, err := svc.Enqueue(ctx, payload("temp"))
		require.NoError(t, err)
		require.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
	}

	st, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatus{Pending: 50, Total: 50}, st)

	for key := range seen {
		entry, err := svc.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, entry.Status)
		assert.Zero(t, entry.Attempts)
		break
	}
}

func TestEnqueue_StorageFailurePropagates(t *testing.T) {
	svc, store := newService(t)
	require.NoError(t, store.GetDB().Close())

	_, err := svc.Enqueue(context.Background(), payload("temp"))
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrStorage, appErr.Code)
	assert.Equal(t, apperrors.KindStorage, appErr.Kind())
}

func TestDrain_Offline(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t, queue.WithConnectivity(func() bool { return false }))
	_, err := svc.Enqueue(ctx, payload("a"))
	require.NoError(t, err)

	rec := &recorder{}
	res, err := svc.Drain(ctx, token, rec.send)
	require.NoError(t, err)
	assert.Equal(t, model.DrainResult{Stopped: true}, res)
	assert.Empty(t, rec.Calls())

	holder, err := store.Holder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder, "offline drain must not touch the lock")
}

func TestDrain_AllAccepted(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	for _, lt := range []string{"a", "b", "c"} {
		_, err := svc.Enqueue(ctx, payload(lt))
		require.NoError(t, err)
	}

	rec := &recorder{}
	res, err := svc.Drain(ctx, token, rec.send)
	require.NoError(t, err)
	assert.Equal(t, model.DrainResult{Synced: 3}, res)
	assert.Equal(t, []string{"a", "b", "c"}, rec.Calls())

	st, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Synced)

	holder, err := store.Holder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder, "lock released after drain")

	res, err = svc.Drain(ctx, token, rec.send)
	require.NoError(t, err)
	assert.Equal(t, model.DrainResult{}, res)
	assert.Len(t, rec.Calls(), 3, "synced entries are never re-sent")
}

func TestDrain_ConflictCountsAsSynced(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	key, err := svc.Enqueue(ctx, payload("dup"))
	require.NoError(t, err)

	rec := &recorder{answers: map[string]error{"dup": apperrors.Conflict("already received")}}
	res, err := svc.Drain(ctx, token, rec.send)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.False(t, res.Stopped)

	entry, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, entry.Status)
	assert.NotNil(t, entry.SyncedAt)
}

func TestDrain_TransientFailurePreservesOrder(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.Enqueue(ctx, payload("A"))
	require.NoError(t, err)
	keyB, err := svc.Enqueue(ctx, payload("B"))
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, payload("C"))
	require.NoError(t, err)

	rec := &recorder{answers: map[string]error{"B": apperrors.Network(errors.New("connection reset"))}}
	res, err := svc.Drain(ctx, token, rec.send)
	require.NoError(t, err)
	assert.Equal(t, model.DrainResult{Synced: 1, Stopped: true}, res)
	assert.Equal(t, []string{"A", "B"}, rec.Calls(), "C is never attempted before B resolves")

	entry, err := svc.Get(ctx, keyB)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, entry.Status)
	assert.Equal(t, 1, entry.Attempts)

	// backend recovers
	rec.answers = nil
	res, err = svc.Drain(ctx, token, rec.send)
	require.NoError(t, err)
	assert.Equal(t, model.DrainResult{Synced: 2}, res)
	assert.Equal(t, []string{"A", "B", "B", "C"}, rec.Calls())
}

func TestDrain_CancelledMidSendStillRecordsOutcome(t *testing.T) {
	t.Run("transient", func(t *testing.T) {
		svc, _ := newService(t)
		key, err := svc.Enqueue(context.Background(), payload("A"))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		send := func(_ context.Context, _ *model.QueueEntry, _ string) (*model.LogEntryReceipt, error) {
			cancel()
			return nil, apperrors.Network(context.Canceled)
		}

		res, err := svc.Drain(ctx, token, send)
		require.NoError(t, err)
		assert.Equal(t, model.DrainResult{Stopped: true}, res)

		entry, err := svc.Get(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, entry.Status)
		assert.Equal(t, 1, entry.Attempts)
	})

	t.Run("accepted", func(t *testing.T) {
		svc, _ := newService(t)
		key, err := svc.Enqueue(context.Background(), payload("A"))
		require.NoError(t, err)
		_, err = svc.Enqueue(context.Background(), payload("B"))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		send := func(_ context.Context, e *model.QueueEntry, _ string) (*model.LogEntryReceipt, error) {
			cancel()
			return &model.LogEntryReceipt{ID: e.IdempotencyKey, ServerReceivedAt: time.Now().UTC()}, nil
		}

		res, err := svc.Drain(ctx, token, send)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Synced)
		assert.True(t, res.Stopped)

		entry, err := svc.Get(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSynced, entry.Status)
	})
}

func TestDrain_ServerErrorAndPlainErrorsAreTransient(t *testing.T) {
	for name, sendErr := range map[string]error{
		"server":  apperrors.New(apperrors.ErrServer, "boom"),
		"timeout": apperrors.Network(context.DeadlineExceeded),
		"plain":   errors.New("unexpected"),
		"circuit": apperrors.CircuitOpen("api", time.Minute),
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, queue.OutcomeTransient, queue.Classify(sendErr))
		})
	}
	assert.Equal(t, queue.OutcomeSynced, queue.Classify(nil))
	assert.Equal(t, queue.OutcomeDuplicate, queue.Classify(apperrors.Conflict("")))
	assert.Equal(t, queue.OutcomeAuthRequired, queue.Classify(apperrors.SessionExpired("")))
	assert.Equal(t, queue.OutcomeRejected, queue.Classify(apperrors.Validation("logType", "bad")))
}

func TestDrain_ValidationFailsEntryAndContinues(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	keyBad, err := svc.Enqueue(ctx, payload("bad"))
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, payload("good"))
	require.NoError(t, err)

	rec := &recorder{answers: map[string]error{"bad": apperrors.Validation("locationId", "unknown location")}}
	res, err := svc.Drain(ctx, token, rec.send)
	require.NoError(t, err)
	assert.Equal(t, model.DrainResult{Synced: 1, Failed: 1}, res)

	entry, err := svc.Get(ctx, keyBad)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, entry.Status)
	require.NotNil(t, entry.Error)
	assert.Equal(t, "VALIDATION_ERROR", entry.Error.Code)
	assert.Equal(t, "locationId", entry.Error.Field)
	assert.Equal(t, "unknown location", entry.Error.Message)
}

func TestDrain_SessionExpiredStops(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	keyA, err := svc.Enqueue(ctx, payload("A"))
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, payload("B"))
	require.NoError(t, err)

	rec := &recorder{answers: map[string]error{"A": apperrors.SessionExpired("")}}
	res, err := svc.Drain(ctx, token, rec.send)
	require.NoError(t, err)
	assert.Equal(t, model.DrainResult{Stopped: true, AuthRequired: true}, res)
	assert.Equal(t, []string{"A"}, rec.Calls())

	entry, err := svc.Get(ctx, keyA)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, entry.Status)
	assert.Zero(t, entry.Attempts)
}

func TestDrain_NoTokenStopsBeforeSending(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	_, err := svc.Enqueue(ctx, payload("A"))
	require.NoError(t, err)

	rec := &recorder{}
	res, err := svc.Drain(ctx, noToken, rec.send)
	require.NoError(t, err)
	assert.Equal(t, model.DrainResult{Stopped: true, AuthRequired: true}, res)
	assert.Empty(t, rec.Calls())

	holder, err := store.Holder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestDrain_ReleasesLockOnPanic(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	_, err := svc.Enqueue(ctx, payload("A"))
	require.NoError(t, err)

	assert.Panics(t, func() {
		_, _ = svc.Drain(ctx, token, func(context.Context, *model.QueueEntry, string) (*model.LogEntryReceipt, error) {
			panic("transport exploded")
		})
	})

	holder, err := store.Holder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestDrain_MutualExclusionAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	storeA, storeB := openStore(t, path), openStore(t, path)
	tabA := queue.NewService(storeA, storeA, queue.WithOwner("tab-a"))
	tabB := queue.NewService(storeB, storeB, queue.WithOwner("tab-b"))

	for _, lt := range []string{"A", "B"} {
		_, err := tabA.Enqueue(ctx, payload(lt))
		require.NoError(t, err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	sent := map[string]int{}
	blockingSend := func(_ context.Context, e *model.QueueEntry, _ string) (*model.LogEntryReceipt, error) {
		mu.Lock()
		sent[e.IdempotencyKey]++
		first := len(sent) == 1 && sent[e.IdempotencyKey] == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
		return &model.LogEntryReceipt{ServerReceivedAt: time.Now()}, nil
	}

	done := make(chan model.DrainResult, 1)
	go func() {
		res, err := tabA.Drain(ctx, token, blockingSend)
		assert.NoError(t, err)
		done <- res
	}()

	<-entered
	resB, err := tabB.Drain(ctx, token, blockingSend)
	require.NoError(t, err)
	assert.Equal(t, model.DrainResult{Stopped: true}, resB)

	close(release)
	resA := <-done
	assert.Equal(t, model.DrainResult{Synced: 2}, resA)

	mu.Lock()
	defer mu.Unlock()
	for key, n := range sent {
		assert.Equal(t, 1, n, "entry %s sent more than once", key)
	}
}

func TestDrain_StaleLockIsTakenOver(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	store := openStore(t, filepath.Join(t.TempDir(), "queue.db"))
	crashed := sqlstore.New(store.GetDB(), sqlstore.WithClock(clk.Now))
	ok, err := crashed.Acquire(ctx, "crashed-tab", queue.DefaultStaleAfter)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(time.Minute)
	live := sqlstore.New(store.GetDB(), sqlstore.WithClock(clk.Now))
	svc := queue.NewService(live, live)
	_, err = svc.Enqueue(ctx, payload("A"))
	require.NoError(t, err)

	res, err := svc.Drain(ctx, token, (&recorder{}).send)
	require.NoError(t, err)
	assert.Equal(t, model.DrainResult{Synced: 1}, res)
}

func TestRetryAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	keyA, err := svc.Enqueue(ctx, payload("A"))
	require.NoError(t, err)
	keyB, err := svc.Enqueue(ctx, payload("B"))
	require.NoError(t, err)

	reject := &recorder{answers: map[string]error{
		"A": apperrors.Validation("data", "bad"),
		"B": apperrors.Validation("data", "bad"),
	}}
	_, err = svc.Drain(ctx, token, reject.send)
	require.NoError(t, err)

	failed, err := svc.ListFailed(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	require.NoError(t, svc.Retry(ctx, keyA))
	require.NoError(t, svc.Acknowledge(ctx, keyB))

	_, err = svc.Get(ctx, keyB)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrNotFound, appErr.Code)

	err = svc.Retry(ctx, keyA)
	appErr, ok = apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrNotFound, appErr.Code, "only failed entries can be retried")

	res, err := svc.Drain(ctx, token, (&recorder{}).send)
	require.NoError(t, err)
	assert.Equal(t, model.DrainResult{Synced: 1}, res)

	entry, err := svc.Get(ctx, keyA)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, entry.Status)
	assert.Nil(t, entry.Error)
}

func TestCleanupSynced_Retention(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	svc, _ := newService(t, queue.WithClock(clk.Now))

	old, err := svc.Enqueue(ctx, payload("old"))
	require.NoError(t, err)
	_, err = svc.Drain(ctx, token, (&recorder{}).send)
	require.NoError(t, err)

	clk.Advance(7*24*time.Hour - time.Hour)
	recent, err := svc.Enqueue(ctx, payload("recent"))
	require.NoError(t, err)
	pending, err := svc.Enqueue(ctx, payload("pending"))
	require.NoError(t, err)
	_, err = svc.Drain(ctx, token, (&recorder{answers: map[string]error{"pending": errors.New("down")}}).send)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	n, err := svc.CleanupSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = svc.Get(ctx, old)
	assert.Error(t, err)
	_, err = svc.Get(ctx, recent)
	assert.NoError(t, err, "synced one hour ago stays")
	_, err = svc.Get(ctx, pending)
	assert.NoError(t, err)
}

func TestCheckEviction(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	for i := 0; i < 2; i++ {
		_, err := svc.Enqueue(ctx, payload("A"))
		require.NoError(t, err)
	}
	report, err := svc.CheckEviction(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, model.EvictionReport{CurrentCount: 2}, report)

	_, err = store.GetDB().ExecContext(ctx, `DELETE FROM queue_entries`)
	require.NoError(t, err)

	report, err = svc.CheckEviction(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, model.EvictionReport{EvictionDetected: true, CurrentCount: 0}, report)
}

func TestCheckEviction_DrainIsNotEviction(t *testing.T) {
	ctx := context.Background()
	m := metrics.New("test")
	svc, _ := newService(t, queue.WithMetrics(m))

	for i := 0; i < 2; i++ {
		_, err := svc.Enqueue(ctx, payload("A"))
		require.NoError(t, err)
	}
	report, err := svc.CheckEviction(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, report.CurrentCount)

	_, err = svc.Drain(ctx, token, (&recorder{}).send)
	require.NoError(t, err)

	report, err = svc.CheckEviction(ctx, 2)
	require.NoError(t, err)
	assert.False(t, report.EvictionDetected)
	assert.Zero(t, report.CurrentCount)
	assert.Zero(t, testutil.ToFloat64(m.EvictionsDetected))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DeliveryOutcomes.WithLabelValues("synced")))
}

package trigger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satei-lead-relay/internal/config"
	"satei-lead-relay/internal/kv"
	"satei-lead-relay/internal/metrics"
	"satei-lead-relay/internal/model"
	"satei-lead-relay/internal/service"
)

func envelope(data string) []byte {
	return []byte(fmt.Sprintf(`{"message":{"data":%q,"messageId":"1"},"subscription":"s"}`,
		base64.StdEncoding.EncodeToString([]byte(data))))
}

func TestParseEnvelope(t *testing.T) {
	n, err := ParseEnvelope(envelope(`{"emailAddress":"sales@example.com","historyId":"12345"}`))
	require.NoError(t, err)
	assert.Equal(t, Notification{EmailAddress: "sales@example.com", HistoryID: "12345"}, n)

	n, err = ParseEnvelope(envelope(`{"emailAddress":"sales@example.com","historyId":9876543210}`))
	require.NoError(t, err)
	assert.Equal(t, "9876543210", n.HistoryID)

	raw := base64.RawURLEncoding.EncodeToString([]byte(`{"emailAddress":"a@b","historyId":"1"}`))
	n, err = ParseEnvelope([]byte(`{"message":{"data":"` + raw + `"}}`))
	require.NoError(t, err)
	assert.Equal(t, "a@b", n.EmailAddress)
}

func TestParseEnvelope_Malformed(t *testing.T) {
	tests := map[string][]byte{
		"not json":        []byte(`not json`),
		"no message":      []byte(`{"subscription":"s"}`),
		"no data":         []byte(`{"message":{}}`),
		"bad base64":      []byte(`{"message":{"data":"%%%"}}`),
		"data not json":   envelope(`hello`),
		"no email":        envelope(`{"historyId":"1"}`),
		"no history":      envelope(`{"emailAddress":"a@b"}`),
		"null history":    envelope(`{"emailAddress":"a@b","historyId":null}`),
		"empty history":   envelope(`{"emailAddress":"a@b","historyId":""}`),
		"object history":  envelope(`{"emailAddress":"a@b","historyId":{}}`),
		"empty body":      nil,
		"message not obj": []byte(`{"message":"x"}`),
	}
	for name, body := range tests {
		_, err := ParseEnvelope(body)
		assert.ErrorIs(t, err, ErrMalformedEnvelope, name)
	}
}

type fakeIngestor struct {
	calls   int32
	err     error
	panicV  interface{}
	report  service.Report
	block   chan struct{}
	started chan struct{}
}

func (f *fakeIngestor) Ingest(ctx context.Context, since time.Duration, limit int) (service.Report, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.panicV != nil {
		panic(f.panicV)
	}
	return f.report, f.err
}

type memRuns struct {
	mu   sync.Mutex
	runs []model.IngestRun
}

func (m *memRuns) Record(_ context.Context, run *model.IngestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *run)
	return nil
}

// failingStore wraps a Store and fails selected operations.
type failingStore struct {
	kv.Store
	failSetNX func(key string) bool
}

func (f *failingStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if f.failSetNX != nil && f.failSetNX(key) {
		return false, errors.New("connection refused")
	}
	return f.Store.SetNX(ctx, key, value, ttl)
}

const prefix = "test:"

var pushCfg = config.PushConfig{DedupTTL: 10 * time.Minute, LockTTL: 5 * time.Minute, KeyPrefix: prefix}
var ingestCfg = config.IngestConfig{PushWindow: 24 * time.Hour, PushLimit: 10}

func newHandler(store kv.Store, ing Ingestor) (*PushHandler, *memRuns) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	runs := &memRuns{}
	runner := NewRunner(ing, runs, store, LockKey(prefix), pushCfg.LockTTL, m)
	return NewPushHandler(store, runner, pushCfg, ingestCfg, m), runs
}

var note = Notification{EmailAddress: "sales@example.com", HistoryID: "100"}

func lockFree(t *testing.T, store kv.Store) bool {
	t.Helper()
	ok, err := store.SetNX(context.Background(), LockKey(prefix), "probe", time.Minute)
	require.NoError(t, err)
	if ok {
		_ = store.Delete(context.Background(), LockKey(prefix))
	}
	return ok
}

func TestPushHandler_AcceptsAndDeduplicates(t *testing.T) {
	store := kv.NewMemoryStore()
	ing := &fakeIngestor{report: service.Report{Fetched: 1, StoredNew: 1, Extracted: 1}}
	h, runs := newHandler(store, ing)

	outcome, err := h.Handle(context.Background(), note)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	outcome, err = h.Handle(context.Background(), note)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Equal(t, int32(1), atomic.LoadInt32(&ing.calls))
	assert.True(t, lockFree(t, store), "lock must be released")

	require.Len(t, runs.runs, 1)
	assert.Equal(t, SourcePush, runs.runs[0].Source)
	assert.Equal(t, model.RunStatusSuccess, runs.runs[0].Status)
	assert.Equal(t, 1, runs.runs[0].Extracted)

	outcome, err = h.Handle(context.Background(), Notification{EmailAddress: note.EmailAddress, HistoryID: "101"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome, "a new history id is a new notification")
	assert.Equal(t, int32(2), atomic.LoadInt32(&ing.calls))
}

func TestPushHandler_BusyLockSkipsAndKeepsToken(t *testing.T) {
	store := kv.NewMemoryStore()
	ing := &fakeIngestor{}
	h, _ := newHandler(store, ing)

	ok, err := store.SetNX(context.Background(), LockKey(prefix), "other-run", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	outcome, err := h.Handle(context.Background(), note)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, outcome)
	assert.Zero(t, atomic.LoadInt32(&ing.calls))

	outcome, err = h.Handle(context.Background(), note)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	deleted, err := store.DeleteIfValue(context.Background(), LockKey(prefix), "other-run")
	require.NoError(t, err)
	assert.True(t, deleted, "a skipped run must not release someone else's lock")
}

func TestPushHandler_FailureDeletesTokenAndReleasesLock(t *testing.T) {
	store := kv.NewMemoryStore()
	ing := &fakeIngestor{err: errors.New("provider down")}
	h, runs := newHandler(store, ing)

	outcome, err := h.Handle(context.Background(), note)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.True(t, lockFree(t, store))

	require.Len(t, runs.runs, 1)
	assert.Equal(t, model.RunStatusFailure, runs.runs[0].Status)
	assert.Contains(t, runs.runs[0].ErrorMsg, "provider down")

	ing.err = nil
	outcome, err = h.Handle(context.Background(), note)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome, "redelivery of a failed notification retries")
	assert.Equal(t, int32(2), atomic.LoadInt32(&ing.calls))
}

func TestPushHandler_PanicIsRecovered(t *testing.T) {
	store := kv.NewMemoryStore()
	h, runs := newHandler(store, &fakeIngestor{panicV: "boom"})

	outcome, err := h.Handle(context.Background(), note)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.True(t, lockFree(t, store))

	fresh, err := store.SetNX(context.Background(), DedupKey(prefix, note), "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh, "dedup token must be removed after a panic")

	require.Len(t, runs.runs, 1)
	assert.Contains(t, runs.runs[0].ErrorMsg, "boom")
}

func TestPushHandler_StoreErrors(t *testing.T) {
	ing := &fakeIngestor{}

	dedupDown := &failingStore{Store: kv.NewMemoryStore(), failSetNX: func(string) bool { return true }}
	h, _ := newHandler(dedupDown, ing)
	_, err := h.Handle(context.Background(), note)
	assert.Error(t, err)

	lockDown := &failingStore{Store: kv.NewMemoryStore(), failSetNX: func(key string) bool { return key == LockKey(prefix) }}
	h, _ = newHandler(lockDown, ing)
	_, err = h.Handle(context.Background(), note)
	assert.ErrorIs(t, err, ErrLockStore)

	fresh, err := lockDown.SetNX(context.Background(), DedupKey(prefix, note), "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh, "dedup token must be removed when the lock cannot be taken")
	assert.Zero(t, atomic.LoadInt32(&ing.calls))
}

func TestPushHandler_ConcurrentTriggersRunOnce(t *testing.T) {
	store := kv.NewMemoryStore()
	ing := &fakeIngestor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	h, _ := newHandler(store, ing)

	first := make(chan Outcome, 1)
	go func() {
		outcome, _ := h.Handle(context.Background(), note)
		first <- outcome
	}()
	<-ing.started

	outcome, err := h.Handle(context.Background(), Notification{EmailAddress: note.EmailAddress, HistoryID: "101"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, outcome)

	close(ing.block)
	assert.Equal(t, OutcomeAccepted, <-first)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ing.calls))
	assert.True(t, lockFree(t, store))
}

func TestRunner_RunExclusiveRecordsSource(t *testing.T) {
	store := kv.NewMemoryStore()
	runs := &memRuns{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	r := NewRunner(&fakeIngestor{report: service.Report{Fetched: 3}}, runs, store, LockKey(prefix), time.Minute, m)

	res, err := r.RunExclusive(context.Background(), SourcePoll, time.Hour, 100)
	require.NoError(t, err)
	assert.True(t, res.Ran)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 3, res.Report.Fetched)

	require.Len(t, runs.runs, 1)
	assert.Equal(t, res.RunID, runs.runs[0].RunID)
	assert.Equal(t, SourcePoll, runs.runs[0].Source)
	assert.False(t, runs.runs[0].FinishedAt.Before(runs.runs[0].StartedAt))
}

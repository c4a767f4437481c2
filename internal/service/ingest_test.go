package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satei-lead-relay/internal/config"
	"satei-lead-relay/internal/db/dbtest"
	"satei-lead-relay/internal/metrics"
	"satei-lead-relay/internal/parser"
	"satei-lead-relay/internal/provider"
	"satei-lead-relay/internal/repository"
)

const leadBody = `■お申込み内容■
お申込番号　  ：%s
お申込日時　　：2026年02月05日 21:25
希望売却時期　：直近層
メーカー名　　：ダイハツ
車種名　　　　：タント
お名前　　　　：田中直美
電話番号　　　：090-1234-5678
住所　　　　　：茨城県北茨城市磯原町磯原
`

// fakeProvider serves a fixed newest-first mailbox.
type fakeProvider struct {
	mu       sync.Mutex
	order    []string
	messages map[string]*provider.Message
	getErr   map[string]error
	listErr  error
	queries  []provider.Query
	gets     int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{messages: map[string]*provider.Message{}, getErr: map[string]error{}}
}

// add prepends a message so the mailbox stays newest-first.
func (f *fakeProvider) add(id, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append([]string{id}, f.order...)
	f.messages[id] = &provider.Message{
		ID:         id,
		ThreadID:   "t-" + id,
		From:       "info@a-satei.com",
		Subject:    "申込み依頼がございました",
		ReceivedAt: time.Date(2026, 2, 5, 12, 25, 0, 0, time.UTC),
		BodyText:   body,
		Raw:        []byte(fmt.Sprintf(`{"id":%q}`, id)),
	}
}

func (f *fakeProvider) ListMessageIDs(_ context.Context, q provider.Query) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.listErr != nil {
		return nil, f.listErr
	}
	ids := append([]string(nil), f.order...)
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}
	return ids, nil
}

func (f *fakeProvider) GetMessage(_ context.Context, id string) (*provider.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *msg
	return &cp, nil
}

func (f *fakeProvider) Close() error { return nil }

var testFilter = config.IngestConfig{From: "info@a-satei.com", Subject: "申込み依頼がございました"}

func newTestIngester(t *testing.T, p provider.Provider) (*Ingester, *repository.Repository) {
	t.Helper()
	repo := repository.New(dbtest.Open(t))
	ing := NewIngester(p, repo.Messages, repo.Leads, testFilter, metrics.NewMetrics(prometheus.NewRegistry()))
	ing.now = func() time.Time { return time.Date(2026, 2, 6, 0, 0, 0, 0, time.UTC) }
	return ing, repo
}

func countRows(t *testing.T, repo *repository.Repository) (messages int64, leads int) {
	t.Helper()
	ctx := context.Background()
	messages, err := repo.Messages.Count(ctx)
	require.NoError(t, err)
	all, err := repo.Leads.NewSince(ctx, 0)
	require.NoError(t, err)
	return messages, len(all)
}

func TestIngest_StoresMessagesAndLeads(t *testing.T) {
	fp := newFakeProvider()
	fp.add("m1", fmt.Sprintf(leadBody, "1001"))
	fp.add("m2", fmt.Sprintf(leadBody, "1002"))
	ing, repo := newTestIngester(t, fp)

	report, err := ing.Ingest(context.Background(), 24*time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, Report{Fetched: 2, StoredNew: 2, Extracted: 2}, report)

	require.Len(t, fp.queries, 1)
	q := fp.queries[0]
	assert.Equal(t, "info@a-satei.com", q.From)
	assert.Equal(t, "申込み依頼がございました", q.Subject)
	assert.Equal(t, time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC), q.Since)
	assert.Equal(t, 10, q.Limit)

	lead, err := repo.Leads.GetByApplicationNumber(context.Background(), "1001")
	require.NoError(t, err)
	assert.Equal(t, "ダイハツ", lead.Maker)
	assert.Equal(t, "090-1234-5678", lead.PhoneNumber)
	assert.True(t, lead.ApplicationDatetime.Equal(time.Date(2026, 2, 5, 21, 25, 0, 0, parser.JST)))

	msg, err := repo.Messages.GetByProviderID(context.Background(), "m1")
	require.NoError(t, err)
	require.NotNil(t, lead.SourceMessageID)
	assert.Equal(t, msg.ID, *lead.SourceMessageID)
	assert.Equal(t, "info@a-satei.com", msg.FromAddress)
	assert.JSONEq(t, `{"id":"m1"}`, string(msg.RawPayload))
}

func TestIngest_IsIdempotent(t *testing.T) {
	fp := newFakeProvider()
	fp.add("m1", fmt.Sprintf(leadBody, "1001"))
	fp.add("m2", fmt.Sprintf(leadBody, "1002"))
	ing, repo := newTestIngester(t, fp)

	_, err := ing.Ingest(context.Background(), 24*time.Hour, 10)
	require.NoError(t, err)
	m1, l1 := countRows(t, repo)

	report, err := ing.Ingest(context.Background(), 24*time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, Report{Fetched: 2, SkippedDuplicate: 2}, report)

	m2, l2 := countRows(t, repo)
	assert.Equal(t, m1, m2)
	assert.Equal(t, l1, l2)
	assert.Equal(t, int64(2), m2)
	assert.Equal(t, 2, l2)
}

func TestIngest_SameApplicationNumberInTwoMessages(t *testing.T) {
	fp := newFakeProvider()
	fp.add("m1", fmt.Sprintf(leadBody, "1001"))
	fp.add("m2", fmt.Sprintf(leadBody, "1001"))
	ing, repo := newTestIngester(t, fp)

	report, err := ing.Ingest(context.Background(), 24*time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, Report{Fetched: 2, StoredNew: 2, Extracted: 1, ExtractionSkipped: 1}, report)

	messages, leads := countRows(t, repo)
	assert.Equal(t, int64(2), messages)
	assert.Equal(t, 1, leads)
}

func TestIngest_NoApplicationNumberStoresMessageOnly(t *testing.T) {
	fp := newFakeProvider()
	fp.add("m1", "お問い合わせありがとうございます")
	ing, repo := newTestIngester(t, fp)

	report, err := ing.Ingest(context.Background(), time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, Report{Fetched: 1, StoredNew: 1, ExtractionSkipped: 1}, report)

	// A stored message is never re-extracted, even after the body would parse.
	fp.messages["m1"].BodyText = fmt.Sprintf(leadBody, "1001")
	report, err = ing.Ingest(context.Background(), time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, Report{Fetched: 1, SkippedDuplicate: 1}, report)

	messages, leads := countRows(t, repo)
	assert.Equal(t, int64(1), messages)
	assert.Zero(t, leads)
}

func TestIngest_PerMessageFailureDoesNotAbortBatch(t *testing.T) {
	fp := newFakeProvider()
	fp.add("m1", fmt.Sprintf(leadBody, "1001"))
	fp.add("m2", fmt.Sprintf(leadBody, "1002"))
	fp.add("m3", fmt.Sprintf(leadBody, "1003"))
	fp.getErr["m2"] = errors.New("rate limited")
	ing, _ := newTestIngester(t, fp)

	report, err := ing.Ingest(context.Background(), time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, Report{Fetched: 3, StoredNew: 2, Extracted: 2, Failed: 1}, report)
}

func TestIngest_ReauthIsFlagged(t *testing.T) {
	fp := newFakeProvider()
	fp.add("m1", fmt.Sprintf(leadBody, "1001"))
	fp.getErr["m1"] = fmt.Errorf("get: %w", provider.ErrReauthenticate)
	ing, _ := newTestIngester(t, fp)

	report, err := ing.Ingest(context.Background(), time.Hour, 10)
	require.NoError(t, err)
	assert.True(t, report.ReauthRequired)
	assert.Equal(t, 1, report.Failed)

	fp.listErr = fmt.Errorf("list: %w", provider.ErrReauthenticate)
	report, err = ing.Ingest(context.Background(), time.Hour, 10)
	assert.ErrorIs(t, err, provider.ErrReauthenticate)
	assert.True(t, report.ReauthRequired)
}

func TestIngest_RespectsLimitNewestFirst(t *testing.T) {
	fp := newFakeProvider()
	for i := 1; i <= 5; i++ {
		fp.add(fmt.Sprintf("m%d", i), fmt.Sprintf(leadBody, fmt.Sprint(1000+i)))
	}
	ing, repo := newTestIngester(t, fp)

	report, err := ing.Ingest(context.Background(), time.Hour, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Extracted)

	_, err = repo.Leads.GetByApplicationNumber(context.Background(), "1005")
	assert.NoError(t, err)
	_, err = repo.Leads.GetByApplicationNumber(context.Background(), "1001")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestIngest_CancelledContextStops(t *testing.T) {
	fp := newFakeProvider()
	fp.add("m1", fmt.Sprintf(leadBody, "1001"))
	ing, _ := newTestIngester(t, fp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ing.Ingest(ctx, time.Hour, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fp.gets)
}

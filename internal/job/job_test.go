package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchlist-analyzer/internal/alerting"
	"watchlist-analyzer/internal/analysis"
	"watchlist-analyzer/internal/storage"
	"watchlist-analyzer/internal/upstream"
)

var runDay = time.Date(2024, 1, 3, 11, 0, 0, 0, time.UTC)

type fakeUpstream struct {
	tickers      []string
	watchlistErr error

	summaryErr map[string]error
	bookErr    map[string]error
	emptyBuy   map[string]bool
	books      map[string]string
	panicOn    string
	delay      time.Duration
	started    chan struct{}
	release    chan struct{}

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeUpstream(tickers ...string) *fakeUpstream {
	return &fakeUpstream{
		tickers:    tickers,
		summaryErr: map[string]error{},
		bookErr:    map[string]error{},
		emptyBuy:   map[string]bool{},
		books:      map[string]string{},
	}
}

func (f *fakeUpstream) FetchWatchlist(ctx context.Context, groupID int64) (*upstream.WatchlistResponse, error) {
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	if f.watchlistErr != nil {
		return nil, f.watchlistErr
	}
	items := make([]map[string]string, 0, len(f.tickers))
	for _, t := range f.tickers {
		items = append(items, map[string]string{"symbol": t})
	}
	body, _ := json.Marshal(map[string]any{"data": map[string]any{"watchlist_id": 1, "result": items}})
	var out upstream.WatchlistResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *fakeUpstream) wait(ctx context.Context) error {
	if f.delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.delay):
		return nil
	}
}

func (f *fakeUpstream) FetchBrokerSummary(ctx context.Context, ticker string, from, to time.Time) (*upstream.BrokerSummaryResponse, error) {
	if ticker == f.panicOn {
		panic("boom")
	}
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if err := f.summaryErr[ticker]; err != nil {
		return nil, err
	}
	body := `{"data":{"broker_summary":{"brokers_buy":[
        {"netbs_broker_code":"XL","blot":"50000","bval":"1000","netbs_buy_avg_price":"990"},
        {"netbs_broker_code":"YP","blot":"100,000","bval":"100000000","netbs_buy_avg_price":"1000"}
    ]}}}`
	if f.emptyBuy[ticker] {
		body = `{"data":{"broker_summary":{"brokers_buy":[]}}}`
	}
	var out upstream.BrokerSummaryResponse
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

const goldenBook = `{"close":1000,"high":1100,
    "offer":[{"price":"1,050"},{"price":"1000"}],
    "bid":[{"price":"990"},{"price":"950"}],
    "total_bid_offer":{"bid":{"lot":"50,000"},"offer":{"lot":"50,000"}}}`

const flatBook = `{"close":1000,"high":1000,
    "offer":[{"price":"1000"}],
    "bid":[{"price":"1000"}],
    "total_bid_offer":{"bid":{"lot":"100"},"offer":{"lot":"100"}}}`

func (f *fakeUpstream) FetchOrderBook(ctx context.Context, ticker string) (*upstream.OrderBookResponse, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if err := f.bookErr[ticker]; err != nil {
		return nil, err
	}
	body := goldenBook
	if custom, ok := f.books[ticker]; ok {
		body = custom
	}
	var out upstream.OrderBookResponse
	if err := json.Unmarshal([]byte(body), &out.Data); err != nil {
		return nil, err
	}
	return &out, nil
}

type fakeSectors struct {
	sectors map[string]string
	err     error
}

func (f fakeSectors) GetSector(ctx context.Context, ticker string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.sectors[ticker], nil
}

type captureNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (c *captureNotifier) Notify(ctx context.Context, n alerting.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
	return nil
}

type failingBackfill struct {
	*storage.SQLiteStore
}

func (failingBackfill) BackfillRealizedPrice(ctx context.Context, ticker string, asOf time.Time, price int64) (bool, error) {
	return false, &storage.PersistenceError{Op: "backfill realized price", Err: errors.New("disk full")}
}

type deniedLock struct{}

func (deniedLock) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	return nil, false, nil
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newJob(deps Deps, opts Options) *Job {
	if opts.Now == nil {
		opts.Now = func() time.Time { return runDay }
	}
	return New(deps, opts, zerolog.Nop())
}

func storedTickers(t *testing.T, store storage.AnalysisStore, status string) []string {
	t.Helper()
	rows, err := store.ListAnalyses(context.Background(), storage.AnalysisFilter{Status: status})
	require.NoError(t, err)
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Ticker)
	}
	return out
}

func TestRunIsolatesPerTickerFailures(t *testing.T) {
	api := newFakeUpstream("AAAA", "BBBB", "CCCC")
	api.bookErr["BBBB"] = &upstream.StatusError{Endpoint: "order book", Status: 502, Message: "bad gateway"}
	store := newStore(t)

	summary, err := newJob(Deps{Upstream: api, Store: store}, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Skipped)
	require.Len(t, summary.Results, 3)
	assert.Equal(t, OutcomeError, summary.Results[1].Outcome)
	assert.Contains(t, summary.Results[1].Error, "order book")

	assert.ElementsMatch(t, []string{"AAAA", "CCCC"}, storedTickers(t, store, ""))
}

func TestRunPersistsComputedTargets(t *testing.T) {
	api := newFakeUpstream("BBCA")
	store := newStore(t)
	sectors := fakeSectors{sectors: map[string]string{"BBCA": "Finance"}}

	summary, err := newJob(Deps{Upstream: api, Sectors: sectors, Store: store}, Options{}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), summary.TradingDate)

	rec, err := store.LatestAnalysis(context.Background(), "BBCA")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, storage.StatusSuccess, rec.Status)
	require.NotNil(t, rec.Sector)
	assert.Equal(t, "Finance", *rec.Sector)
	assert.Equal(t, "YP", rec.TopBrokerCode)
	assert.Equal(t, int64(100000), rec.TopBrokerLots)
	assert.Equal(t, int64(1000), rec.TopBrokerAvgPrice)
	assert.Equal(t, int64(1000), rec.ClosePrice)
	assert.Equal(t, int64(1050), rec.AraPrice)
	assert.Equal(t, int64(950), rec.ArbPrice)
	assert.Equal(t, int64(50000), rec.TotalBidLots)
	assert.Equal(t, int64(5), rec.TickSize)
	assert.Equal(t, int64(20), rec.BoardLots)
	assert.Equal(t, int64(50), rec.AvgBidOfferLots)
	assert.Equal(t, int64(50), rec.AccumulationMargin)
	assert.Equal(t, int64(2000), rec.PressureRatio)
	assert.Equal(t, int64(6050), rec.TargetConservative)
	assert.Equal(t, int64(11050), rec.TargetMax)
}

func TestRunRerunOverwritesSameDay(t *testing.T) {
	api := newFakeUpstream("BBCA")
	store := newStore(t)
	job := newJob(Deps{Upstream: api, Store: store}, Options{})

	_, err := job.Run(context.Background())
	require.NoError(t, err)
	_, err = job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"BBCA"}, storedTickers(t, store, ""))
}

func TestRunWatchlistFailureIsFatal(t *testing.T) {
	api := newFakeUpstream()
	api.watchlistErr = &upstream.StatusError{Endpoint: "watchlist groups", Status: 401, Message: "unauthorized"}
	store := newStore(t)
	notifier := &captureNotifier{}

	summary, err := newJob(Deps{Upstream: api, Store: store, Runs: store, Notifier: notifier}, Options{}).Run(context.Background())
	require.Error(t, err)
	var statusErr *upstream.StatusError
	assert.ErrorAs(t, err, &statusErr)
	assert.Empty(t, summary.Results)

	runs, listErr := store.ListRecentJobRuns(context.Background(), "", 5)
	require.NoError(t, listErr)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.RunFailed, runs[0].Status)
	require.NotNil(t, runs[0].ErrorMessage)
	assert.Contains(t, *runs[0].ErrorMessage, "fetch watchlist")

	require.Len(t, notifier.notes, 1)
	assert.NotEmpty(t, notifier.notes[0].Fatal)
}

func TestRunEmptyWatchlist(t *testing.T) {
	store := newStore(t)
	summary, err := newJob(Deps{Upstream: newFakeUpstream(), Store: store}, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)
	assert.Zero(t, summary.Failed)
	assert.Empty(t, storedTickers(t, store, ""))
}

func TestRunNoBrokerDataIsTickerError(t *testing.T) {
	api := newFakeUpstream("AAAA")
	api.emptyBuy["AAAA"] = true
	store := newStore(t)

	summary, err := newJob(Deps{Upstream: api, Store: store}, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, summary.Results[0].Error, "no broker data")
	assert.Empty(t, storedTickers(t, store, ""))
}

func TestRunSectorFailureLeavesSectorUnknown(t *testing.T) {
	api := newFakeUpstream("AAAA")
	store := newStore(t)

	summary, err := newJob(Deps{Upstream: api, Sectors: fakeSectors{err: errors.New("timeout")}, Store: store}, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	rec, err := store.LatestAnalysis(context.Background(), "AAAA")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Nil(t, rec.Sector)
}

func TestRunDegenerateBookReject(t *testing.T) {
	api := newFakeUpstream("HALT")
	api.books["HALT"] = flatBook
	store := newStore(t)

	summary, err := newJob(Deps{Upstream: api, Store: store}, Options{Policy: analysis.RejectDegenerate}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, summary.Results[0].Error, analysis.ErrDegenerateBook.Error())

	latest, err := store.LatestAnalysis(context.Background(), "HALT")
	require.NoError(t, err)
	assert.Nil(t, latest)

	rows, err := store.ListAnalyses(context.Background(), storage.AnalysisFilter{Tickers: []string{"HALT"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	rec := rows[0]
	assert.Equal(t, storage.StatusError, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "degenerate")
	assert.Equal(t, int64(1000), rec.ClosePrice)
	assert.Zero(t, rec.TargetConservative)
	assert.Zero(t, rec.TargetMax)
}

func TestRunDegenerateBookClamp(t *testing.T) {
	api := newFakeUpstream("HALT")
	api.books["HALT"] = flatBook
	store := newStore(t)

	summary, err := newJob(Deps{Upstream: api, Store: store}, Options{Policy: analysis.ClampDegenerate}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	rec, err := store.LatestAnalysis(context.Background(), "HALT")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, storage.StatusSuccess, rec.Status)
	assert.Zero(t, rec.PressureRatio)
	assert.Equal(t, int64(1050), rec.TargetConservative)
	assert.Equal(t, int64(1050), rec.TargetMax)
}

func TestRunBackfillsPreviousDay(t *testing.T) {
	api := newFakeUpstream("BBCA")
	store := newStore(t)

	yesterday := newJob(Deps{Upstream: api, Store: store}, Options{Now: func() time.Time { return runDay.AddDate(0, 0, -1) }})
	_, err := yesterday.Run(context.Background())
	require.NoError(t, err)

	summary, err := newJob(Deps{Upstream: api, Store: store}, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Results[0].Backfilled)

	rows, err := store.ListAnalyses(context.Background(), storage.AnalysisFilter{Tickers: []string{"BBCA"}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].RealizedPrice)
	require.NotNil(t, rows[1].RealizedPrice)
	assert.Equal(t, int64(1000), *rows[1].RealizedPrice)
}

func TestRunSwallowsBackfillFailure(t *testing.T) {
	api := newFakeUpstream("BBCA")
	store := failingBackfill{SQLiteStore: newStore(t)}

	summary, err := newJob(Deps{Upstream: api, Store: store}, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.False(t, summary.Results[0].Backfilled)
}

func TestRunDeadlineSkipsRemainingTickers(t *testing.T) {
	api := newFakeUpstream("AAAA", "BBBB", "CCCC")
	api.delay = time.Second
	store := newStore(t)

	summary, err := newJob(Deps{Upstream: api, Store: store}, Options{Deadline: 50 * time.Millisecond}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Skipped)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Processed)
	assert.Empty(t, storedTickers(t, store, ""))
}

func TestRunBoundedConcurrency(t *testing.T) {
	tickers := make([]string, 8)
	for i := range tickers {
		tickers[i] = fmt.Sprintf("T%03d", i)
	}
	api := newFakeUpstream(tickers...)
	api.delay = 20 * time.Millisecond
	store := newStore(t)

	summary, err := newJob(Deps{Upstream: api, Store: store}, Options{Concurrency: 3}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, summary.Succeeded)
	assert.LessOrEqual(t, api.maxInflight.Load(), int32(3))
	for i, r := range summary.Results {
		assert.Equal(t, tickers[i], r.Ticker)
	}
}

func TestRunRecoversWorkerPanic(t *testing.T) {
	api := newFakeUpstream("AAAA", "BOOM", "CCCC")
	api.panicOn = "BOOM"
	store := newStore(t)

	summary, err := newJob(Deps{Upstream: api, Store: store}, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, summary.Results[1].Error, "panic")
}

func TestRunSkippedWhenLockHeld(t *testing.T) {
	store := newStore(t)
	job := newJob(Deps{Upstream: newFakeUpstream("AAAA"), Store: store, Locker: deniedLock{}}, Options{LockKey: 7})

	_, err := job.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, storedTickers(t, store, ""))
}

func TestRunRecordsJobRunAndNotifies(t *testing.T) {
	api := newFakeUpstream("AAAA", "BBBB")
	api.summaryErr["BBBB"] = errors.New("connection reset")
	store := newStore(t)
	notifier := &captureNotifier{}

	summary, err := newJob(Deps{Upstream: api, Store: store, Runs: store, Notifier: notifier}, Options{Name: "nightly"}).Run(context.Background())
	require.NoError(t, err)

	runs, err := store.ListRecentJobRuns(context.Background(), "nightly", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, summary.RunID, runs[0].ID)
	assert.Equal(t, storage.RunCompleted, runs[0].Status)
	assert.Equal(t, 2, runs[0].TotalItems)
	assert.Equal(t, 1, runs[0].SuccessCount)
	assert.Equal(t, 1, runs[0].ErrorCount)
	require.Len(t, runs[0].Entries, 2)
	assert.Equal(t, "error", runs[0].Entries[1].Level)

	require.Len(t, notifier.notes, 1)
	note := notifier.notes[0]
	assert.Equal(t, 1, note.Failed)
	require.Len(t, note.Failures, 1)
	assert.Equal(t, "BBBB", note.Failures[0].Ticker)
}

func TestRunRejectsConcurrentInProcessRun(t *testing.T) {
	api := newFakeUpstream("AAAA")
	api.started = make(chan struct{})
	api.release = make(chan struct{})
	job := newJob(Deps{Upstream: api, Store: newStore(t)}, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := job.Run(context.Background())
		done <- err
	}()
	<-api.started

	_, err := job.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(api.release)
	require.NoError(t, <-done)
}

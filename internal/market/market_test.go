package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"intraday_trader/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLotVolume(t *testing.T) {
	assert.Equal(t, int64(2900), LotVolume(d("30000"), d("10.08")))
	assert.Equal(t, int64(3000), LotVolume(d("30000"), d("10")))
	assert.Equal(t, int64(0), LotVolume(d("30000"), d("400")))
	assert.Equal(t, int64(0), LotVolume(d("30000"), decimal.Zero))
}

func TestValidateOrder(t *testing.T) {
	ok := models.OrderRequest{Code: "A", Side: models.SideSell, Price: d("1.00"), Volume: 100}
	assert.NoError(t, ValidateOrder(ok))

	bad := ok
	bad.Volume = 0
	assert.Error(t, ValidateOrder(bad))
	bad = ok
	bad.Price = d("0.001")
	assert.Error(t, ValidateOrder(bad))
	bad = ok
	bad.Side = "short"
	assert.Error(t, ValidateOrder(bad))
}

func TestWeekdayCalendar(t *testing.T) {
	cal := WeekdayCalendar{}
	ok, err := cal.IsTradingDay(context.Background(), time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)) // Monday
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = cal.IsTradingDay(context.Background(), time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)) // Saturday
	assert.False(t, ok)
}

type fakeQuotes struct {
	quotes map[string]models.Quote
	err    error
}

func (f *fakeQuotes) Quotes(context.Context, []string) (map[string]models.Quote, error) {
	return f.quotes, f.err
}

func TestQuoteBookOverlaysNewerStreamTrades(t *testing.T) {
	t0 := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	up := &fakeQuotes{quotes: map[string]models.Quote{
		"A": {Code: "A", LastPrice: d("10"), High: d("10.2"), Low: d("9.9"), Volume: 1000, Time: t0},
		"B": {Code: "B", LastPrice: d("5"), Time: t0},
	}}
	book := newBook(up, t0.Add(2*time.Second))
	book.Apply("A", d("10.5"), 100, t0.Add(time.Second))

	got, err := book.Quotes(context.Background(), []string{"A", "B", "C"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got["A"].LastPrice.Equal(d("10.5")))
	assert.True(t, got["A"].High.Equal(d("10.5")))
	assert.True(t, got["B"].LastPrice.Equal(d("5")))
}

func TestQuoteBookIgnoresStaleTrades(t *testing.T) {
	t0 := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	book := newBook(nil, t0)
	book.Apply("A", d("10"), 100, t0)
	book.Apply("A", d("9"), 100, t0.Add(-time.Second))

	q, ok := book.Get("A")
	require.True(t, ok)
	assert.True(t, q.LastPrice.Equal(d("10")))
	assert.Equal(t, int64(100), q.Volume)
}

func TestQuoteBookFallsBackToCache(t *testing.T) {
	t0 := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	up := &fakeQuotes{err: errors.New("down")}
	book := newBook(up, t0)

	_, err := book.Quotes(context.Background(), []string{"A"})
	assert.ErrorIs(t, err, ErrNoQuote)

	book.Apply("A", d("10"), 100, t0.Add(-10*time.Second))
	got, err := book.Quotes(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.True(t, got["A"].LastPrice.Equal(d("10")))
}

func TestQuoteBookDropsAgedCache(t *testing.T) {
	t0 := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	up := &fakeQuotes{quotes: map[string]models.Quote{
		"A": {Code: "A", LastPrice: d("10"), Time: t0},
	}}
	book := newBook(up, t0)
	_, err := book.Quotes(context.Background(), []string{"A"})
	require.NoError(t, err)

	up.quotes, up.err = nil, errors.New("down")
	now := t0.Add(31 * time.Second)
	book.now = func() time.Time { return now }
	_, err = book.Quotes(context.Background(), []string{"A"})
	assert.ErrorIs(t, err, ErrNoQuote, "cache older than max age")

	// A streamed trade refreshes the cache.
	book.Apply("A", d("10.2"), 100, now.Add(-time.Second))
	got, err := book.Quotes(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.True(t, got["A"].LastPrice.Equal(d("10.2")))
}

func TestQuoteBookNeverServesPreviousSession(t *testing.T) {
	yesterday := time.Date(2024, 3, 4, 14, 59, 0, 0, time.UTC)
	up := &fakeQuotes{quotes: map[string]models.Quote{
		"A": {Code: "A", LastPrice: d("10"), Time: yesterday},
	}}
	book := NewQuoteBook(up, 0, time.UTC, nil)
	book.now = func() time.Time { return yesterday.Add(20 * time.Hour) }

	got, err := book.Quotes(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Empty(t, got, "upstream echoed yesterday's last trade")

	up.quotes, up.err = nil, errors.New("down")
	_, err = book.Quotes(context.Background(), []string{"A"})
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestQuoteBookResetsDailyFieldsOnNewSession(t *testing.T) {
	day1 := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	book := newBook(nil, day1)
	book.Apply("A", d("10"), 500, day1)
	book.Apply("A", d("11"), 500, day1.Add(time.Minute))

	day2 := day1.Add(20 * time.Hour)
	book.Apply("A", d("10.5"), 100, day2)
	q, ok := book.Get("A")
	require.True(t, ok)
	assert.Equal(t, int64(100), q.Volume)
	assert.True(t, q.High.Equal(d("10.5")))
	assert.True(t, q.Open.Equal(d("10.5")))
}

func newBook(up QuoteSource, now time.Time) *QuoteBook {
	book := NewQuoteBook(up, 30*time.Second, time.UTC, nil)
	book.now = func() time.Time { return now }
	return book
}

type recorder struct {
	mu     sync.Mutex
	trades []models.Trade
	errs   []models.OrderError
	got    chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 16)} }

func (r *recorder) OnTrade(t models.Trade) {
	r.mu.Lock()
	r.trades = append(r.trades, t)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) OnOrderError(e models.OrderError) {
	r.mu.Lock()
	r.errs = append(r.errs, e)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no fill event")
	}
}

func TestPaperBrokerBuyThenSellNextDay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	day := time.Date(2024, 3, 4, 14, 50, 0, 0, time.UTC)
	now := day
	broker := NewPaperBroker(d("100000"), time.UTC, nil)
	broker.SetClock(func() time.Time { return now })

	rec := newRecorder()
	go broker.StreamFills(ctx, rec)

	_, err := broker.SubmitOrder(ctx, models.OrderRequest{Code: "A", Side: models.SideBuy, Price: d("10"), Volume: 1000, ClientOrderID: "c1"})
	require.NoError(t, err)
	rec.wait(t)

	positions, err := broker.CheckPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(1000), positions[0].Volume)
	assert.Equal(t, int64(0), positions[0].AvailableVolume, "T+1: not sellable today")

	asset, err := broker.CheckAsset(ctx)
	require.NoError(t, err)
	assert.True(t, asset.Cash.Equal(d("90000")))

	// Selling today is rejected asynchronously.
	_, err = broker.SubmitOrder(ctx, models.OrderRequest{Code: "A", Side: models.SideSell, Price: d("10.5"), Volume: 1000, ClientOrderID: "c2"})
	require.NoError(t, err)
	rec.wait(t)

	now = day.Add(24 * time.Hour)
	_, err = broker.SubmitOrder(ctx, models.OrderRequest{Code: "A", Side: models.SideSell, Price: d("10.5"), Volume: 1000, ClientOrderID: "c3"})
	require.NoError(t, err)
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.trades, 2)
	require.Len(t, rec.errs, 1)
	assert.Equal(t, "c2", rec.errs[0].ClientOrderID)
	assert.Equal(t, models.SideSell, rec.trades[1].Side)

	positions, _ = broker.CheckPositions(ctx)
	assert.Empty(t, positions)
	asset, _ = broker.CheckAsset(ctx)
	assert.True(t, asset.Cash.Equal(d("100500")))
}

func TestPaperBrokerRejectsOverspend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := NewPaperBroker(d("1000"), time.UTC, nil)
	rec := newRecorder()
	go broker.StreamFills(ctx, rec)

	_, err := broker.SubmitOrder(ctx, models.OrderRequest{Code: "A", Side: models.SideBuy, Price: d("10"), Volume: 200})
	require.NoError(t, err)
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.errs, 1)
	assert.Empty(t, rec.trades)
}

func TestPaperBrokerSeedAndQuotes(t *testing.T) {
	broker := NewPaperBroker(d("0"), time.UTC, nil)
	broker.Seed(models.Position{Code: "A", Volume: 300, OpenPrice: d("7.5")})

	positions, err := broker.CheckPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(300), positions[0].AvailableVolume)

	q, err := broker.Quotes(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	assert.Len(t, q, 1)
	assert.True(t, q["A"].LastPrice.Equal(d("7.5")))
}

package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"intraday_trader/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// QuoteBook caches the latest quote per code. Snapshots pulled from the
// upstream source are overlaid with trades pushed by the streamer, whichever
// is newer, and the cache is served alone when the upstream pull fails.
//
// Quotes stamped on an earlier session date are never served. Cached quotes
// the current pull did not refresh are served only while younger than
// maxAge.
type QuoteBook struct {
	upstream QuoteSource
	maxAge   time.Duration
	loc      *time.Location
	now      func() time.Time
	mu       sync.RWMutex
	quotes   map[string]models.Quote
	log      *zap.Logger
}

// NewQuoteBook wraps upstream, which may be nil for a push-only book. A zero
// maxAge disables the age check; loc decides session dates.
func NewQuoteBook(upstream QuoteSource, maxAge time.Duration, loc *time.Location, log *zap.Logger) *QuoteBook {
	if log == nil {
		log = zap.NewNop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &QuoteBook{
		upstream: upstream,
		maxAge:   maxAge,
		loc:      loc,
		now:      time.Now,
		quotes:   map[string]models.Quote{},
		log:      log,
	}
}

// Apply records a streamed trade. Out-of-order trades are ignored.
func (b *QuoteBook) Apply(code string, price decimal.Decimal, size int64, ts time.Time) {
	if !price.IsPositive() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.quotes[code]
	if ok && ts.Before(q.Time) {
		return
	}
	if ok && !b.sameSession(q.Time, ts) {
		// First trade of a new session restarts the daily aggregates.
		q = models.Quote{}
	}
	q.Code = code
	q.LastPrice = price
	q.Volume += size
	if q.High.IsZero() || price.GreaterThan(q.High) {
		q.High = price
	}
	if q.Low.IsZero() || price.LessThan(q.Low) {
		q.Low = price
	}
	if q.Open.IsZero() {
		q.Open = price
	}
	q.Time = ts
	b.quotes[code] = q
}

// Get returns the cached quote for code.
func (b *QuoteBook) Get(code string) (models.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[code]
	return q, ok
}

// Quotes implements QuoteSource.
func (b *QuoteBook) Quotes(ctx context.Context, codes []string) (map[string]models.Quote, error) {
	var (
		upErr  error
		pulled map[string]models.Quote
	)
	if b.upstream != nil && len(codes) > 0 {
		fresh, err := b.upstream.Quotes(ctx, codes)
		if err != nil {
			upErr = err
		} else {
			pulled = fresh
			b.merge(fresh)
		}
	}

	now := b.now()
	stale := 0
	b.mu.RLock()
	out := make(map[string]models.Quote, len(codes))
	for _, code := range codes {
		q, ok := b.quotes[code]
		if !ok || !q.LastPrice.IsPositive() {
			continue
		}
		_, refreshed := pulled[code]
		if !b.servable(q, now, refreshed) {
			stale++
			continue
		}
		out[code] = q
	}
	b.mu.RUnlock()

	if stale > 0 {
		b.log.Debug("dropped stale quotes", zap.Int("stale", stale))
	}
	if upErr != nil {
		if len(out) == 0 {
			return nil, fmt.Errorf("pull quotes: %w: %w", ErrNoQuote, upErr)
		}
		b.log.Warn("quote pull failed, serving cached quotes", zap.Int("cached", len(out)), zap.Error(upErr))
	}
	return out, nil
}

// servable reports whether q may be handed to a scan at now. A quote the
// upstream just returned is current even when the code has not traded for a
// while; only cache-only quotes are held to maxAge.
func (b *QuoteBook) servable(q models.Quote, now time.Time, refreshed bool) bool {
	if q.Time.IsZero() || !b.sameSession(q.Time, now) {
		return false
	}
	if refreshed || b.maxAge <= 0 {
		return true
	}
	return now.Sub(q.Time) <= b.maxAge
}

func (b *QuoteBook) sameSession(a, c time.Time) bool {
	ay, am, ad := a.In(b.loc).Date()
	cy, cm, cd := c.In(b.loc).Date()
	return ay == cy && am == cm && ad == cd
}

func (b *QuoteBook) merge(fresh map[string]models.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for code, q := range fresh {
		if cur, ok := b.quotes[code]; ok && cur.Time.After(q.Time) {
			q.LastPrice = cur.LastPrice
			q.Time = cur.Time
			if cur.High.GreaterThan(q.High) {
				q.High = cur.High
			}
			if !cur.Low.IsZero() && (q.Low.IsZero() || cur.Low.LessThan(q.Low)) {
				q.Low = cur.Low
			}
		}
		q.Code = code
		b.quotes[code] = q
	}
}

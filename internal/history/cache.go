// Package history keeps the daily bars each held code needs for the
// trend, moving-average and regression rules, plus the intraday volume curve
// of each position's opening day. Both are downloaded once per trading day
// and cached on disk so a restart does not refetch them.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"intraday_trader/internal/market"
	"intraday_trader/internal/models"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers = 4
	fetchTries     = 3
)

// Cache holds the bars prepared for one date.
type Cache struct {
	source  market.BarSource
	minutes market.MinuteBarSource
	dir     string
	loc     *time.Location
	workers int
	log     *zap.Logger

	mu     sync.RWMutex
	date   string
	bars   map[string][]models.Bar
	curves map[string]volumeCurve
}

// NewCache returns an empty cache that fetches from source and persists
// under dir. Volume curves are available when source also serves minute
// bars.
func NewCache(source market.BarSource, dir string, loc *time.Location, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	minutes, _ := source.(market.MinuteBarSource)
	return &Cache{
		source:  source,
		minutes: minutes,
		dir:     dir,
		loc:     loc,
		workers: defaultWorkers,
		log:     log,
		bars:    map[string][]models.Bar{},
		curves:  map[string]volumeCurve{},
	}
}

// Date is the day the cache was last prepared for, "" before the first run.
func (c *Cache) Date() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.date
}

// Bars returns the bars for code, oldest first, excluding today.
func (c *Cache) Bars(code string) []models.Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bars[code]
}

// Prepare makes the last dayCount bars before today available for codes.
// Codes already in today's cache file are not refetched. Per-code failures
// are logged and combined into the returned error; the codes that did load
// are usable either way.
func (c *Cache) Prepare(ctx context.Context, today time.Time, codes []string, dayCount int) error {
	local := today.In(c.loc)
	date := local.Format("2006-01-02")
	path := filepath.Join(c.dir, "bars_"+date+".json")

	loaded := map[string][]models.Bar{}
	if b, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(b, &loaded); err != nil {
			c.log.Warn("bar cache unreadable, refetching", zap.String("file", path), zap.Error(err))
			loaded = map[string][]models.Bar{}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		c.log.Warn("bar cache unreadable, refetching", zap.String("file", path), zap.Error(err))
	}

	var missing []string
	for _, code := range codes {
		if _, ok := loaded[code]; !ok {
			missing = append(missing, code)
		}
	}

	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	// Calendar days comfortably covering dayCount trading days.
	start := midnight.AddDate(0, 0, -(dayCount*3/2 + 10))
	end := midnight.Add(-time.Nanosecond)

	var (
		mu      sync.Mutex
		errs    error
		fetched int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, code := range missing {
		code := code
		g.Go(func() error {
			bars, err := c.fetch(gctx, code, start, end)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.Warn("bars unavailable, rules needing them are skipped", zap.String("code", code), zap.Error(err))
				errs = multierr.Append(errs, err)
				return nil
			}
			loaded[code] = trim(bars, midnight, dayCount)
			fetched++
			return nil
		})
	}
	_ = g.Wait()

	if fetched > 0 {
		if err := writeFile(path, loaded); err != nil {
			c.log.Warn("bar cache not saved", zap.String("file", path), zap.Error(err))
		}
	}

	c.mu.Lock()
	c.date = date
	c.bars = loaded
	c.mu.Unlock()

	c.log.Info("history prepared",
		zap.String("date", date),
		zap.Int("codes", len(codes)),
		zap.Int("fetched", fetched),
		zap.Int("cached", len(codes)-len(missing)),
	)
	return errs
}

func (c *Cache) fetch(ctx context.Context, code string, start, end time.Time) ([]models.Bar, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() ([]models.Bar, error) {
		return c.source.DailyBars(ctx, code, start, end)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(fetchTries),
	)
}

// trim drops bars from today onward and keeps the newest dayCount.
func trim(bars []models.Bar, midnight time.Time, dayCount int) []models.Bar {
	out := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Time.Before(midnight) {
			out = append(out, b)
		}
	}
	if dayCount > 0 && len(out) > dayCount {
		out = out[len(out)-dayCount:]
	}
	return out
}

func writeFile(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal bars: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

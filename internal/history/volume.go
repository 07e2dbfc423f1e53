package history

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"intraday_trader/internal/config"
	"intraday_trader/internal/models"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// VolumePoint is the cumulative volume of a day once the minute starting at
// Clock ("HH:MM") has closed.
type VolumePoint struct {
	Clock  string `json:"clock"`
	Volume int64  `json:"volume"`
}

type volumeCurve struct {
	Day    string        `json:"day"`
	Points []VolumePoint `json:"points"`
}

// VolumeAt returns how much code traded on its opening day before hhmm.
// ok is false when no intraday curve was loaded for code.
func (c *Cache) VolumeAt(code, hhmm string) (int64, bool) {
	c.mu.RLock()
	curve, ok := c.curves[code]
	c.mu.RUnlock()
	if !ok || len(curve.Points) == 0 {
		return 0, false
	}
	var v int64
	for _, p := range curve.Points {
		if p.Clock >= hhmm {
			break
		}
		v = p.Volume
	}
	return v, true
}

// PrepareVolumeCurves loads the intraday volume curve of each code's opening
// day, given as openDays. Curves already in today's cache file for the same
// day are reused. Without a minute bar source nothing is loaded and the
// volume half of the regression rule stays off.
func (c *Cache) PrepareVolumeCurves(ctx context.Context, today time.Time, openDays map[string]time.Time) error {
	if c.minutes == nil {
		c.log.Debug("no minute bar source, volume curves skipped")
		return nil
	}
	date := today.In(c.loc).Format("2006-01-02")
	path := filepath.Join(c.dir, "volume_"+date+".json")

	loaded := map[string]volumeCurve{}
	if b, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(b, &loaded); err != nil {
			c.log.Warn("volume cache unreadable, refetching", zap.String("file", path), zap.Error(err))
			loaded = map[string]volumeCurve{}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		c.log.Warn("volume cache unreadable, refetching", zap.String("file", path), zap.Error(err))
	}

	curves := make(map[string]volumeCurve, len(openDays))
	missing := map[string]time.Time{}
	for code, day := range openDays {
		local := day.In(c.loc)
		if cv, ok := loaded[code]; ok && cv.Day == local.Format("2006-01-02") {
			curves[code] = cv
			continue
		}
		missing[code] = local
	}

	var (
		mu      sync.Mutex
		errs    error
		fetched int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for code, day := range missing {
		code, day := code, day
		g.Go(func() error {
			start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.loc)
			bars, err := c.fetchMinutes(gctx, code, start, start.AddDate(0, 0, 1).Add(-time.Nanosecond))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.Warn("minute bars unavailable, volume check skipped", zap.String("code", code), zap.Error(err))
				errs = multierr.Append(errs, err)
				return nil
			}
			curves[code] = volumeCurve{Day: day.Format("2006-01-02"), Points: cumulate(bars, c.loc)}
			fetched++
			return nil
		})
	}
	_ = g.Wait()

	if fetched > 0 {
		if err := writeFile(path, curves); err != nil {
			c.log.Warn("volume cache not saved", zap.String("file", path), zap.Error(err))
		}
	}

	c.mu.Lock()
	c.curves = curves
	c.mu.Unlock()

	c.log.Info("volume curves prepared",
		zap.String("date", date),
		zap.Int("codes", len(openDays)),
		zap.Int("fetched", fetched),
	)
	return errs
}

func (c *Cache) fetchMinutes(ctx context.Context, code string, start, end time.Time) ([]models.Bar, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() ([]models.Bar, error) {
		return c.minutes.MinuteBars(ctx, code, start, end)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(fetchTries),
	)
}

// cumulate turns minute bars into a running volume total keyed by the
// minute's start clock.
func cumulate(bars []models.Bar, loc *time.Location) []VolumePoint {
	sorted := append([]models.Bar(nil), bars...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	points := make([]VolumePoint, 0, len(sorted))
	var total int64
	for _, b := range sorted {
		total += b.Volume
		points = append(points, VolumePoint{Clock: config.Clock(b.Time, loc), Volume: total})
	}
	return points
}

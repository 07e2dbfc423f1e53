// Package runner drives the trading day: the morning jobs, the sell and buy
// scans inside their windows, and the broker callbacks for fills and order
// errors. Everything it mutates goes through the tracker or the dispatcher.
package runner

import (
	"context"
	"sync"
	"time"

	"intraday_trader/internal/buyer"
	"intraday_trader/internal/config"
	"intraday_trader/internal/deals"
	"intraday_trader/internal/dispatch"
	"intraday_trader/internal/history"
	"intraday_trader/internal/market"
	"intraday_trader/internal/seller"
	"intraday_trader/internal/tracker"

	"go.uber.org/zap"
)

// jobRetry is how long a failed daily job waits before the next attempt.
const jobRetry = 30 * time.Second

// Recommender supplies the candidate codes for the buy scan.
type Recommender interface {
	PullCodes(ctx context.Context, selectionID string) ([]string, error)
}

// Notifier delivers human-readable messages. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string) {}

// Deps are the collaborators a Runner is assembled from. Calendar, Recommend
// and Notify may be nil.
type Deps struct {
	Broker    market.Broker
	Quotes    market.QuoteSource
	Calendar  market.Calendar
	Tracker   *tracker.Tracker
	Seller    *seller.Engine
	Buyer     *buyer.Buyer
	Pool      *buyer.Pool
	History   *history.Cache
	Dispatch  *dispatch.Dispatcher
	Deals     *deals.Log
	Recommend Recommender
	Notify    Notifier
}

type Runner struct {
	cfg       *config.Config
	broker    market.Broker
	quotes    market.QuoteSource
	calendar  market.Calendar
	tracker   *tracker.Tracker
	seller    *seller.Engine
	buyer     *buyer.Buyer
	pool      *buyer.Pool
	history   *history.Cache
	dispatch  *dispatch.Dispatcher
	deals     *deals.Log
	recommend Recommender
	notify    Notifier
	log       *zap.Logger
	now       func() time.Time

	gate secondGate

	mu  sync.Mutex
	day dayState
}

// dailyJob tracks one once-per-day job.
type dailyJob struct {
	done    bool
	retryAt time.Time
}

func (j *dailyJob) due(now time.Time) bool {
	return !j.done && !now.Before(j.retryAt)
}

func (j *dailyJob) failed(now time.Time) {
	j.retryAt = now.Add(jobRetry)
}

// dayState is reset whenever the local date changes.
type dayState struct {
	date    string
	trading bool
	morning dailyJob
	history dailyJob
	summary dailyJob
}

// secondGate lets at most one tick through per wall-clock second.
type secondGate struct {
	mu   sync.Mutex
	last int64
}

func (g *secondGate) allow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	sec := now.Unix()
	if sec == g.last {
		return false
	}
	g.last = sec
	return true
}

func New(cfg *config.Config, d Deps, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{
		cfg:       cfg,
		broker:    d.Broker,
		quotes:    d.Quotes,
		calendar:  d.Calendar,
		tracker:   d.Tracker,
		seller:    d.Seller,
		buyer:     d.Buyer,
		pool:      d.Pool,
		history:   d.History,
		dispatch:  d.Dispatch,
		deals:     d.Deals,
		recommend: d.Recommend,
		notify:    d.Notify,
		log:       log,
		now:       time.Now,
	}
	if r.calendar == nil {
		r.calendar = market.WeekdayCalendar{}
	}
	if r.notify == nil {
		r.notify = nopNotifier{}
	}
	return r
}

// Run ticks once a second until ctx is cancelled. The first tick happens
// immediately, so a restart in the middle of the session catches up on the
// morning jobs before the next scan.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("runner started",
		zap.String("strategy", r.cfg.StrategyName),
		zap.String("timezone", r.cfg.Loc.String()),
		zap.Any("sell_windows", r.cfg.Sell.TimeRanges),
		zap.Any("buy_windows", r.cfg.Buy.TimeRanges),
	)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	r.Tick(ctx, r.now())
	for {
		select {
		case <-ctx.Done():
			r.log.Info("runner stopped")
			return nil
		case t := <-ticker.C:
			r.Tick(ctx, t)
		}
	}
}

// Tick runs whatever is due at now. Calls within the same second after the
// first are ignored.
func (r *Runner) Tick(ctx context.Context, now time.Time) {
	if !r.gate.allow(now) {
		return
	}
	local := now.In(r.cfg.Loc)
	date := local.Format("2006-01-02")
	clock := config.Clock(now, r.cfg.Loc)

	if !r.tradingDay(ctx, local, date) {
		return
	}

	r.mu.Lock()
	morningDue := clock >= r.cfg.MorningTime && clock < r.cfg.CloseTime && r.day.morning.due(now)
	historyDue := clock >= r.cfg.HistoryTime && clock < r.cfg.CloseTime && r.day.history.due(now)
	summaryDue := clock >= r.cfg.CloseTime && r.day.summary.due(now)
	r.mu.Unlock()

	if morningDue {
		err := r.morning(ctx, date)
		r.finishJob(date, func(d *dayState) *dailyJob { return &d.morning }, now, err)
	}
	if historyDue {
		err := r.prepareHistory(ctx, local)
		r.finishJob(date, func(d *dayState) *dailyJob { return &d.history }, now, err)
	}
	if summaryDue {
		err := r.closingSummary(ctx, date)
		r.finishJob(date, func(d *dayState) *dailyJob { return &d.summary }, now, err)
	}

	sec := local.Second()
	if config.InRanges(r.cfg.Sell.TimeRanges, clock) && sec%r.cfg.Sell.Interval == 0 {
		r.scanSell(ctx)
	}
	if r.cfg.Buy.SelectionID != "" && config.InRanges(r.cfg.Buy.TimeRanges, clock) && sec%r.cfg.Buy.Interval == 0 {
		r.scanBuy(ctx, date)
	}
}

// finishJob records the outcome of a daily job unless the date has already
// rolled over.
func (r *Runner) finishJob(date string, pick func(*dayState) *dailyJob, now time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.day.date != date {
		return
	}
	j := pick(&r.day)
	if err != nil {
		j.failed(now)
		return
	}
	j.done = true
}

// tradingDay asks the calendar once per date. A calendar failure falls back
// to weekdays so a flaky endpoint cannot stop a normal session.
func (r *Runner) tradingDay(ctx context.Context, local time.Time, date string) bool {
	r.mu.Lock()
	if r.day.date == date {
		trading := r.day.trading
		r.mu.Unlock()
		return trading
	}
	r.mu.Unlock()

	trading, err := r.calendar.IsTradingDay(ctx, local)
	if err != nil {
		r.log.Warn("calendar unavailable, assuming weekday schedule", zap.String("date", date), zap.Error(err))
		trading, _ = market.WeekdayCalendar{}.IsTradingDay(ctx, local)
	}

	r.mu.Lock()
	r.day = dayState{date: date, trading: trading}
	r.mu.Unlock()
	if trading {
		r.log.Info("trading day", zap.String("date", date))
	} else {
		r.log.Info("not a trading day, idle", zap.String("date", date))
	}
	return trading
}

// Package tracker owns the per-position lifecycle state: how many trading
// days each code has been held and the highest price seen since entry. It is
// the only writer of the state store; the scan loop and broker fill callbacks
// both go through it.
package tracker

import (
	"sync"

	"intraday_trader/internal/models"
	"intraday_trader/internal/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const beginDayKey = "begin_day"

// Tracker mutates the state store on behalf of the driver.
type Tracker struct {
	store *storage.Store
	log   *zap.Logger

	// Buy fills are numbered so a reconcile against an older position
	// listing can tell which codes it could not have seen yet.
	mu     sync.Mutex
	seq    uint64
	bought map[string]uint64
}

// New returns a tracker over store.
func New(store *storage.Store, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{store: store, log: log, bought: map[string]uint64{}}
}

// Mark returns the current buy fill sequence. Take it before fetching
// positions and hand it to RefreshSince.
func (t *Tracker) Mark() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Snapshot returns the current maps without mutating them.
func (t *Tracker) Snapshot() storage.Snapshot {
	return t.store.Snapshot()
}

// BeginDay reconciles the maps with positions and then adds one held day to
// every held code. It runs at most once per date, across restarts. ran is
// false when the date had already been processed.
func (t *Tracker) BeginDay(date string, positions []models.Position) (ran bool, snap storage.Snapshot, err error) {
	ran, snap, err = t.store.RunOnce(beginDayKey, date, func(s *storage.Snapshot) error {
		reconcile(s, positions, nil)
		for code := range s.HeldDays {
			s.HeldDays[code]++
		}
		return nil
	})
	if err != nil {
		t.log.Error("begin day: state not persisted", zap.String("date", date), zap.Error(err))
		return ran, snap, err
	}
	if ran {
		t.log.Info("held days incremented", zap.String("date", date), zap.Any("held_days", snap.HeldDays))
	}
	return ran, snap, nil
}

// Refresh reconciles the maps with positions and raises every max price to
// the latest quote. Codes without a usable quote keep their stored max. The
// returned snapshot is valid even when saving failed.
func (t *Tracker) Refresh(positions []models.Position, quotes map[string]models.Quote) (storage.Snapshot, error) {
	return t.RefreshSince(t.Mark(), positions, quotes)
}

// RefreshSince is Refresh for a position listing fetched when the sequence
// was at mark. Codes bought after mark are kept even though the listing
// does not show them yet.
func (t *Tracker) RefreshSince(mark uint64, positions []models.Position, quotes map[string]models.Quote) (storage.Snapshot, error) {
	keep := t.boughtAfter(mark, positions)
	snap, err := t.store.Update(func(s *storage.Snapshot) error {
		reconcile(s, positions, keep)
		for _, p := range positions {
			if p.Volume <= 0 {
				continue
			}
			q, ok := quotes[p.Code]
			if !ok || !q.LastPrice.IsPositive() {
				continue
			}
			current, ok := s.MaxPrices[p.Code]
			if !ok {
				current = p.OpenPrice
			}
			s.MaxPrices[p.Code] = decimal.Max(current, q.LastPrice)
		}
		return nil
	})
	if err != nil {
		t.log.Error("refresh: state not persisted, using in-memory snapshot", zap.Error(err))
	}
	return snap, err
}

// OnBuyFill starts tracking a newly opened position.
func (t *Tracker) OnBuyFill(code string, price decimal.Decimal) error {
	t.mu.Lock()
	t.seq++
	t.bought[code] = t.seq
	t.mu.Unlock()

	_, err := t.store.Update(func(s *storage.Snapshot) error {
		s.HeldDays[code] = 0
		s.MaxPrices[code] = price
		return nil
	})
	if err != nil {
		t.log.Error("buy fill: state not persisted", zap.String("code", code), zap.Error(err))
	}
	return err
}

// OnSellFill stops tracking a closed position.
func (t *Tracker) OnSellFill(code string) error {
	t.mu.Lock()
	delete(t.bought, code)
	t.mu.Unlock()

	_, err := t.store.Update(func(s *storage.Snapshot) error {
		delete(s.HeldDays, code)
		delete(s.MaxPrices, code)
		return nil
	})
	if err != nil {
		t.log.Error("sell fill: state not persisted", zap.String("code", code), zap.Error(err))
	}
	return err
}

// boughtAfter returns the codes filled after mark. Codes the listing already
// shows are confirmed and forgotten.
func (t *Tracker) boughtAfter(mark uint64, positions []models.Position) map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range positions {
		if p.Volume > 0 {
			delete(t.bought, p.Code)
		}
	}
	keep := map[string]struct{}{}
	for code, seq := range t.bought {
		if seq > mark {
			keep[code] = struct{}{}
		}
	}
	return keep
}

// reconcile makes the key sets match the held positions: new codes start at
// zero held days, codes no longer held are dropped from both maps unless
// listed in keep.
func reconcile(s *storage.Snapshot, positions []models.Position, keep map[string]struct{}) {
	held := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		if p.Volume <= 0 {
			continue
		}
		held[p.Code] = struct{}{}
		if _, ok := s.HeldDays[p.Code]; !ok {
			s.HeldDays[p.Code] = 0
		}
	}
	for code := range keep {
		held[code] = struct{}{}
	}
	for code := range s.HeldDays {
		if _, ok := held[code]; !ok {
			delete(s.HeldDays, code)
		}
	}
	for code := range s.MaxPrices {
		if _, ok := held[code]; !ok {
			delete(s.MaxPrices, code)
		}
	}
}

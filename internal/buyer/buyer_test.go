package buyer

import (
	"os"
	"path/filepath"
	"testing"

	"intraday_trader/internal/config"
	"intraday_trader/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func params() config.BuyParameters {
	return config.BuyParameters{
		OrderPremium: 0.08,
		SlotCount:    3,
		SlotCapacity: 30000,
		OnceBuyLimit: 20,
		MinPrice:     2.00,
	}
}

func quotes(prices map[string]string) map[string]models.Quote {
	out := map[string]models.Quote{}
	for code, p := range prices {
		out[code] = models.Quote{Code: code, LastPrice: d(p)}
	}
	return out
}

func codesOf(intents []models.BuyIntent) []string {
	var out []string
	for _, i := range intents {
		out = append(out, i.Code)
	}
	return out
}

func TestPlanSizesAndPrices(t *testing.T) {
	b := New(params(), NewPool(), NewHistory(), nil)

	intents := b.Plan("2024-03-04", []string{"A"}, quotes(map[string]string{"A": "10"}), nil, d("100000"))
	require.Len(t, intents, 1)
	assert.Equal(t, "A", intents[0].Code)
	assert.Equal(t, int64(3000), intents[0].Volume)
	assert.True(t, intents[0].Price.Equal(d("10.08")))
}

func TestPlanRanksByPriceAndLimitsBySlots(t *testing.T) {
	b := New(params(), NewPool(), NewHistory(), nil)
	positions := []models.Position{{Code: "H", Volume: 100, OpenPrice: d("5")}}

	// 3 slots, 1 held: two buys, cheapest first.
	intents := b.Plan("2024-03-04",
		[]string{"A", "B", "C", "D"},
		quotes(map[string]string{"A": "30", "B": "10", "C": "20", "D": "5"}),
		positions, d("1000000"))
	assert.Equal(t, []string{"D", "B"}, codesOf(intents))
}

func TestPlanLimitedByCash(t *testing.T) {
	b := New(params(), NewPool(), NewHistory(), nil)
	intents := b.Plan("2024-03-04", []string{"A", "B"}, quotes(map[string]string{"A": "10", "B": "11"}), nil, d("59999"))
	assert.Equal(t, []string{"A"}, codesOf(intents))
}

func TestPlanLimitedByOnceBuyLimit(t *testing.T) {
	p := params()
	p.OnceBuyLimit = 1
	b := New(p, NewPool(), NewHistory(), nil)
	intents := b.Plan("2024-03-04", []string{"A", "B"}, quotes(map[string]string{"A": "10", "B": "11"}), nil, d("1000000"))
	assert.Len(t, intents, 1)
}

func TestPlanNeverPicksHeldOrSelectedToday(t *testing.T) {
	b := New(params(), NewPool(), NewHistory(), nil)
	positions := []models.Position{{Code: "A", Volume: 100, OpenPrice: d("9")}}
	q := quotes(map[string]string{"A": "10", "B": "11"})

	intents := b.Plan("2024-03-04", []string{"A", "B"}, q, positions, d("1000000"))
	assert.Equal(t, []string{"B"}, codesOf(intents))

	// B is now selected for today even though it never filled.
	intents = b.Plan("2024-03-04", []string{"A", "B"}, q, positions, d("1000000"))
	assert.Empty(t, intents)

	// Next day the history rotates.
	intents = b.Plan("2024-03-05", []string{"A", "B"}, q, positions, d("1000000"))
	assert.Equal(t, []string{"B"}, codesOf(intents))
}

func TestPlanFilters(t *testing.T) {
	pool := NewPool()
	require.NoError(t, pool.Refresh([]string{"A", "B", "C"}, []string{"C"}, ""))
	b := New(params(), pool, NewHistory(), nil)

	intents := b.Plan("2024-03-04",
		[]string{"A", "B", "C", "X", "Q"},
		quotes(map[string]string{"A": "2.00", "B": "400", "C": "10", "X": "10"}),
		nil, d("1000000"))
	// A at min price, B under one lot, C blacklisted, X off whitelist, Q no quote.
	assert.Empty(t, intents)
}

func TestPoolRefreshFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "white.txt")
	require.NoError(t, os.WriteFile(path, []byte("# core\n000001.SZ\n\n600000.SH\n"), 0644))

	pool := NewPool()
	assert.True(t, pool.Allowed("ANY"), "empty whitelist admits everything")

	require.NoError(t, pool.Refresh([]string{"AAPL"}, []string{"600000.SH"}, path))
	assert.True(t, pool.Allowed("000001.SZ"))
	assert.True(t, pool.Allowed("AAPL"))
	assert.False(t, pool.Allowed("600000.SH"))
	assert.False(t, pool.Allowed("ANY"))
	assert.Equal(t, []string{"000001.SZ", "AAPL"}, pool.Codes())

	white, black := pool.Sizes()
	assert.Equal(t, 3, white)
	assert.Equal(t, 1, black)

	assert.Error(t, pool.Refresh(nil, nil, filepath.Join(t.TempDir(), "missing.txt")))
}

func TestHistoryRecord(t *testing.T) {
	h := NewHistory()
	assert.Equal(t, []string{"A", "B"}, h.Record("d1", []string{"A", "B", "A"}))
	assert.Equal(t, []string{"C"}, h.Record("d1", []string{"A", "C"}))
	assert.True(t, h.Selected("d1", "C"))
	assert.False(t, h.Selected("d2", "C"))
}

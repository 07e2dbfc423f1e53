//go:build integration

package alpaca

import (
	"context"
	"os"
	"testing"
	"time"

	"intraday_trader/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupProvider(t *testing.T) *Provider {
	key := os.Getenv("TEST_APCA_API_KEY_ID")
	secret := os.Getenv("TEST_APCA_API_SECRET_KEY")
	url := os.Getenv("TEST_APCA_API_BASE_URL")

	if key == "" || secret == "" {
		t.Skip("Skipping integration test: TEST_APCA credentials not set")
	}
	if url == "" {
		url = "https://paper-api.alpaca.markets"
	}
	return NewProvider(key, secret, url, "iex", nil)
}

func TestIntegration_AccountAndPositions(t *testing.T) {
	p := setupProvider(t)
	ctx := context.Background()

	asset, err := p.CheckAsset(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, asset.AccountID)

	positions, err := p.CheckPositions(ctx)
	require.NoError(t, err)
	for _, pos := range positions {
		assert.True(t, pos.OpenPrice.IsPositive(), "position %s without entry price", pos.Code)
	}
}

func TestIntegration_QuotesAndBars(t *testing.T) {
	p := setupProvider(t)
	ctx := context.Background()

	quotes, err := p.Quotes(ctx, []string{"AAPL", "SPY"})
	require.NoError(t, err)
	require.Contains(t, quotes, "AAPL")
	assert.True(t, quotes["AAPL"].LastPrice.IsPositive())

	end := time.Now().AddDate(0, 0, -1)
	bars, err := p.DailyBars(ctx, "AAPL", end.AddDate(0, 0, -30), end)
	require.NoError(t, err)
	assert.NotEmpty(t, bars)
}

func TestIntegration_LimitOrderAck(t *testing.T) {
	p := setupProvider(t)
	ctx := context.Background()

	// Far below the market so it rests instead of filling.
	ack, err := p.SubmitOrder(ctx, models.OrderRequest{
		Code:          "AAPL",
		Side:          models.SideBuy,
		Price:         decimal.NewFromInt(1),
		Volume:        1,
		ClientOrderID: "it-" + time.Now().Format("150405.000"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.OrderID)

	_ = p.tradeClient.CancelOrder(ack.OrderID)
}

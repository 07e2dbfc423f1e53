package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errStreamClosed = errors.New("closed by server")

// Streamer pushes live trades from Alpaca's websocket into a QuoteBook.
type Streamer struct {
	key, secret string
	feed        marketdata.Feed
	book        *QuoteBook
	log         *zap.Logger
}

// NewStreamer returns a streamer for the given feed ("iex" or "sip").
func NewStreamer(key, secret, feed string, book *QuoteBook, log *zap.Logger) *Streamer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Streamer{key: key, secret: secret, feed: ParseFeed(feed), book: book, log: log}
}

// ParseFeed maps a config value to an Alpaca feed, defaulting to IEX.
func ParseFeed(feed string) marketdata.Feed {
	switch feed {
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}

// Run subscribes to trades for codes and keeps the subscription alive until
// ctx is cancelled. The SDK retries short drops itself; when it gives up the
// whole connection is rebuilt with exponential backoff.
func (s *Streamer) Run(ctx context.Context, codes []string) error {
	if len(codes) == 0 {
		<-ctx.Done()
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = time.Minute

	notify := func(err error, wait time.Duration) {
		s.log.Warn("quote stream dropped, reconnecting", zap.Error(err), zap.Duration("wait", wait))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.session(ctx, codes)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one connection until it terminates or ctx ends.
func (s *Streamer) session(ctx context.Context, codes []string) error {
	client := stream.NewStocksClient(
		s.feed,
		stream.WithCredentials(s.key, s.secret),
		stream.WithReconnectSettings(10, 500*time.Millisecond),
	)

	s.log.Info("connecting quote stream", zap.Int("codes", len(codes)))
	// Connect must come before subscribing.
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect quote stream: %w", err)
	}
	if err := client.SubscribeToTrades(s.onTrade, codes...); err != nil {
		return fmt.Errorf("subscribe trades: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-client.Terminated():
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errStreamClosed
		}
		return fmt.Errorf("quote stream terminated: %w", err)
	}
}

func (s *Streamer) onTrade(t stream.Trade) {
	s.book.Apply(t.Symbol, decimal.NewFromFloat(t.Price), int64(t.Size), t.Timestamp)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"intraday_trader/internal/buyer"
	"intraday_trader/internal/config"
	"intraday_trader/internal/deals"
	"intraday_trader/internal/dispatch"
	"intraday_trader/internal/history"
	"intraday_trader/internal/logger"
	"intraday_trader/internal/market"
	"intraday_trader/internal/market/alpaca"
	"intraday_trader/internal/metrics"
	"intraday_trader/internal/recommend"
	"intraday_trader/internal/runner"
	"intraday_trader/internal/seller"
	"intraday_trader/internal/storage"
	"intraday_trader/internal/telegram"
	"intraday_trader/internal/tracker"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const VersionFile = "version.latest"

// shutdownGrace bounds the goodbye notification once the loops have stopped.
const shutdownGrace = 5 * time.Second

// gateway is what the runner needs from whichever broker is configured.
type gateway interface {
	market.Broker
	market.QuoteSource
	market.BarSource
	market.FillStream
}

func main() {
	configPath := flag.String("config", "trader.yaml", "Path to the strategy parameter file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg.Version = readVersion()

	log := logger.Setup(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogLevel)
	defer func() { _ = logger.Sync(log) }()
	cfg.LogSummary(log)

	if err := run(cfg, log); err != nil {
		log.Error("trader stopped with error", zap.Error(err))
		_ = logger.Sync(log)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sig:
			log.Warn("shutting down: system signal received", zap.String("signal", s.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	// 1. Broker and market data
	var (
		gw       gateway
		calendar market.Calendar = market.WeekdayCalendar{}
		upstream market.QuoteSource
		bars     market.BarSource
	)
	var provider *alpaca.Provider
	if cfg.APIKey != "" && cfg.APISecret != "" {
		provider = alpaca.NewProvider(cfg.APIKey, cfg.APISecret, cfg.BaseURL, cfg.Feed, log.Named("alpaca"))
		calendar = provider
		upstream = provider
		bars = provider
	}
	switch cfg.Broker {
	case config.BrokerAlpaca:
		gw = provider
	case config.BrokerPaper:
		paper := market.NewPaperBroker(decimal.NewFromFloat(cfg.PaperCash), cfg.Loc, log.Named("paper"))
		gw = paper
		if upstream == nil {
			upstream = paper
			bars = paper
		}
	default:
		return fmt.Errorf("unknown broker %q", cfg.Broker)
	}
	book := market.NewQuoteBook(upstream, cfg.QuoteMaxAge, cfg.Loc, log.Named("quotes"))

	// 2. State and decision components
	store, err := storage.NewStore(cfg.CacheDir, log.Named("storage"))
	if err != nil {
		return err
	}
	dealLog, err := deals.Open(cfg.CacheDir, cfg.StrategyName)
	if err != nil {
		return err
	}
	pool := buyer.NewPool()
	if err := pool.Refresh(cfg.Pool.WhiteCodes, cfg.Pool.BlackCodes, cfg.Pool.WhiteCodesFile); err != nil {
		log.Warn("initial stock pool not loaded", zap.Error(err))
	}

	notifier := telegram.NewClient(cfg.TelegramToken, cfg.TelegramChatID, cfg.StrategyName, log.Named("telegram"))
	r := runner.New(cfg, runner.Deps{
		Broker:    gw,
		Quotes:    book,
		Calendar:  calendar,
		Tracker:   tracker.New(store, log.Named("tracker")),
		Seller:    seller.New(cfg.Sell, cfg.Loc, log.Named("seller")),
		Buyer:     buyer.New(cfg.Buy, pool, buyer.NewHistory(), log.Named("buyer")),
		Pool:      pool,
		History:   history.NewCache(bars, cfg.CacheDir, cfg.Loc, log.Named("history")),
		Dispatch:  dispatch.New(gw, cfg.Sell.SuppressWindow, cfg.StrategyName, log.Named("dispatch")),
		Deals:     dealLog,
		Recommend: recommend.NewClient(cfg.RecommendHost, cfg.RecommendToken, log.Named("recommend")),
		Notify:    notifier,
	}, log.Named("runner"))

	log.Info("trader initialized",
		zap.String("version", cfg.Version),
		zap.String("broker", cfg.Broker),
		zap.String("cache_dir", cfg.CacheDir),
	)
	r.SendStartupNotification(ctx)

	// 3. Long-running loops
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })
	g.Go(func() error { return gw.StreamFills(gctx, r) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr, log.Named("metrics")) })
	if provider != nil {
		streamer := market.NewStreamer(cfg.APIKey, cfg.APISecret, cfg.Feed, book, log.Named("stream"))
		codes := streamCodes(gctx, gw, pool, log)
		g.Go(func() error { return streamer.Run(gctx, codes) })
	}

	runErr := g.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
	defer stop()
	r.SendShutdownNotification(shutdownCtx)
	return multierr.Combine(runErr, dealLog.Close())
}

// streamCodes is the set subscribed to at start: held codes plus the
// whitelist. Anything bought later is served by snapshot pulls.
func streamCodes(ctx context.Context, b market.Broker, pool *buyer.Pool, log *zap.Logger) []string {
	seen := map[string]struct{}{}
	var codes []string
	add := func(code string) {
		if _, ok := seen[code]; ok || code == "" {
			return
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}

	positions, err := b.CheckPositions(ctx)
	if err != nil {
		log.Warn("stream: positions unavailable, subscribing to the pool only", zap.Error(err))
	}
	for _, p := range positions {
		add(p.Code)
	}
	for _, code := range pool.Codes() {
		add(code)
	}
	return codes
}

func readVersion() string {
	version, err := os.ReadFile(VersionFile)
	if err != nil {
		return "v0.0.0-dev"
	}
	return strings.TrimSpace(string(version))
}

// Package metrics exposes the trader's Prometheus series:
//   - trader_decisions_total{side,reason}  decisions taken by the engines
//   - trader_orders_total{side,result}     submissions (accepted|failed|suppressed)
//   - trader_fills_total{side}             fills reported by the broker
//   - trader_positions_open                held positions after the last scan
//   - trader_state_write_errors_total      failed state-file saves
//
// They are registered in init() and served by Serve at /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_decisions_total",
			Help: "Buy and sell decisions, by reason.",
		},
		[]string{"side", "reason"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Order submissions by outcome.",
		},
		[]string{"side", "result"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_fills_total",
			Help: "Fills reported by the broker.",
		},
		[]string{"side"},
	)

	PositionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_positions_open",
			Help: "Held positions seen by the last scan.",
		},
	)

	StateWriteErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_state_write_errors_total",
			Help: "State file saves that failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(Decisions, Orders, Fills, PositionsOpen, StateWriteErrors)
}

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr
// disables the endpoint.
func Serve(ctx context.Context, addr string, log *zap.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

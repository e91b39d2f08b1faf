// Package metrics exposes the ladder engine's Prometheus series:
//
//	ladder_plans_total{side,result}          plans built (ok|error)
//	ladder_orders_total{side,kind,result}    submissions (accepted|rejected)
//	ladder_cancels_total{result}             monitor cancels (ok|gone|failed)
//	ladder_state{state}                      ladders currently in each state
//	ladder_polls_total{result}               monitor polls (ok|error)
//	ladder_rejected_levels_total{side}       top-up levels dropped by validation
//
// They are registered in init() and served by Handler at /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	plans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_plans_total",
			Help: "Ladder plans built",
		},
		[]string{"side", "result"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_orders_total",
			Help: "Order submissions by kind and result",
		},
		[]string{"side", "kind", "result"},
	)

	cancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_cancels_total",
			Help: "Pending order cancels issued by the ladder monitor",
		},
		[]string{"result"},
	)

	// one labeled series per lifecycle state
	ladderStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ladder_state",
			Help: "Tracked ladders per lifecycle state",
		},
		[]string{"state"},
	)

	polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_polls_total",
			Help: "Ladder monitor polls",
		},
		[]string{"result"},
	)

	rejectedLevels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_rejected_levels_total",
			Help: "Top-up levels dropped for sitting inside the minimum stop distance",
		},
		[]string{"side"},
	)
)

func init() {
	prometheus.MustRegister(plans, orders, cancels)
	prometheus.MustRegister(ladderStates, polls, rejectedLevels)
}

func ObservePlan(side string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	plans.WithLabelValues(side, result).Inc()
}

func ObserveOrder(side, kind string, err error) {
	result := "accepted"
	if err != nil {
		result = "rejected"
	}
	orders.WithLabelValues(side, kind, result).Inc()
}

// ObserveCancel records one cancel; gone means the order had already left the book.
func ObserveCancel(err error, gone bool) {
	switch {
	case gone:
		cancels.WithLabelValues("gone").Inc()
	case err != nil:
		cancels.WithLabelValues("failed").Inc()
	default:
		cancels.WithLabelValues("ok").Inc()
	}
}

func ObservePoll(err error) {
	if err != nil {
		polls.WithLabelValues("error").Inc()
		return
	}
	polls.WithLabelValues("ok").Inc()
}

func AddRejectedLevels(side string, n int) {
	if n <= 0 {
		return
	}
	rejectedLevels.WithLabelValues(side).Add(float64(n))
}

// SetLadderStates replaces the per-state gauges with counts.
func SetLadderStates(counts map[string]int, states ...string) {
	for _, s := range states {
		ladderStates.WithLabelValues(s).Set(float64(counts[s]))
	}
}

func Handler() http.Handler { return promhttp.Handler() }

// Serve exposes /metrics on addr until ctx is done. An empty addr disables it.
func Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Info().Str("event", "metrics_listen").Str("addr", addr).Msg("serving /metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("event", "metrics_server_failed").Msg("metrics server stopped")
		}
	}()
}

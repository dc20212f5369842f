// Package metrics exposes collateral and basket health as Prometheus series.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"collateral-monitor/internal/collateral"
)

const namespace = "collmon"

// Metrics owns a private registry so tests and multiple services do not collide.
type Metrics struct {
	registry *prometheus.Registry

	status       *prometheus.GaugeVec
	priceLow     *prometheus.GaugeVec
	priceHigh    *prometheus.GaugeVec
	refPerTok    *prometheus.GaugeVec
	refreshes    *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	basketStatus *prometheus.GaugeVec
	basketReady  *prometheus.GaugeVec
	tickDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collateral_status",
			Help:      "Collateral status: 0 SOUND, 1 IFFY, 2 DISABLED",
		}, []string{"collateral"}),
		priceLow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collateral_price_low",
			Help:      "Lower bound of the collateral price band",
		}, []string{"collateral"}),
		priceHigh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collateral_price_high",
			Help:      "Upper bound of the collateral price band",
		}, []string{"collateral"}),
		refPerTok: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collateral_ref_per_tok",
			Help:      "Revenue-hidden reference units per token",
		}, []string{"collateral"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collateral_refreshes_total",
			Help:      "Refresh attempts by result",
		}, []string{"collateral", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collateral_transitions_total",
			Help:      "Status transitions by target status",
		}, []string{"collateral", "to"}),
		basketStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "basket_status",
			Help:      "Aggregate basket status: 0 SOUND, 1 IFFY, 2 DISABLED",
		}, []string{"basket"}),
		basketReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "basket_ready",
			Help:      "1 when the basket is SOUND and past its warmup period",
		}, []string{"basket"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one monitoring tick",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.status, m.priceLow, m.priceHigh, m.refPerTok,
		m.refreshes, m.transitions,
		m.basketStatus, m.basketReady, m.tickDuration,
	)
	return m
}

// ObserveCollateral records the post-refresh view of one collateral. A nil refreshErr
// counts as success.
func (m *Metrics) ObserveCollateral(id string, status collateral.Status, band collateral.Band, refPerTok float64, refreshErr error) {
	m.status.WithLabelValues(id).Set(float64(status))
	low, _ := band.Low.Float64()
	high, _ := band.High.Float64()
	m.priceLow.WithLabelValues(id).Set(low)
	m.priceHigh.WithLabelValues(id).Set(high)
	m.refPerTok.WithLabelValues(id).Set(refPerTok)

	result := "ok"
	if refreshErr != nil {
		result = "error"
	}
	m.refreshes.WithLabelValues(id, result).Inc()
}

func (m *Metrics) ObserveTransition(id string, to collateral.Status) {
	m.transitions.WithLabelValues(id, to.String()).Inc()
}

func (m *Metrics) ObserveBasket(name string, status collateral.Status, ready bool) {
	m.basketStatus.WithLabelValues(name).Set(float64(status))
	v := 0.0
	if ready {
		v = 1
	}
	m.basketReady.WithLabelValues(name).Set(v)
}

func (m *Metrics) ObserveTick(d time.Duration) {
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

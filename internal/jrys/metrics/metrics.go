// Package metrics exposes prometheus instruments for downloads, caches,
// renders and the background pre-cache sweep. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	downloads      *prometheus.CounterVec
	backgroundHits *prometheus.CounterVec
	avatarHits     *prometheus.CounterVec
	renders        *prometheus.CounterVec
	renderDuration prometheus.Histogram
	sweep          *prometheus.GaugeVec
}

// New registers the jrys instruments on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jrys_downloads_total",
			Help: "Download attempts grouped by resource label and outcome",
		}, []string{"label", "result"}),

		backgroundHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jrys_background_cache_total",
			Help: "Permanent background cache lookups",
		}, []string{"result"}),

		avatarHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jrys_avatar_cache_total",
			Help: "Avatar cache lookups (fresh hit or refetch)",
		}, []string{"result"}),

		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jrys_renders_total",
			Help: "Poster renders grouped by outcome",
		}, []string{"result"}),

		renderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jrys_render_duration_seconds",
			Help:    "Poster render duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		sweep: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jrys_precache_progress",
			Help: "Background pre-cache sweep counters of the last run",
		}, []string{"state"}),
	}
	reg.MustRegister(m.downloads, m.backgroundHits, m.avatarHits, m.renders, m.renderDuration, m.sweep)
	return m
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func hit(ok bool) string {
	if ok {
		return "hit"
	}
	return "miss"
}

func (m *Metrics) ObserveDownload(label string, ok bool) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(label, result(ok)).Inc()
}

func (m *Metrics) ObserveBackgroundCache(isHit bool) {
	if m == nil {
		return
	}
	m.backgroundHits.WithLabelValues(hit(isHit)).Inc()
}

func (m *Metrics) ObserveAvatarCache(isHit bool) {
	if m == nil {
		return
	}
	m.avatarHits.WithLabelValues(hit(isHit)).Inc()
}

func (m *Metrics) ObserveRender(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.renders.WithLabelValues(result(ok)).Inc()
	m.renderDuration.Observe(d.Seconds())
}

// SetSweep publishes the counters of the current pre-cache sweep.
func (m *Metrics) SetSweep(total, cached, downloaded, failed int) {
	if m == nil {
		return
	}
	m.sweep.WithLabelValues("total").Set(float64(total))
	m.sweep.WithLabelValues("cached").Set(float64(cached))
	m.sweep.WithLabelValues("downloaded").Set(float64(downloaded))
	m.sweep.WithLabelValues("failed").Set(float64(failed))
}

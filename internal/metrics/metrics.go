// Package metrics exposes request counters and latency histograms for the
// Gin routers of all four binaries, in the prometheus/client_golang style
// used throughout the example corpus (registry + typed collectors, served
// via promhttp.Handler).
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a dedicated prometheus.Registry so each binary exposes
// only its own series rather than the default global registry.
type Registry struct {
	reg          *prometheus.Registry
	requestTotal *prometheus.CounterVec
	requestDur   *prometheus.HistogramVec
}

func New(service string) *Registry {
	reg := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beckn",
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests handled, by route and status.",
	}, []string{"route", "method", "status"})

	requestDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "beckn",
		Subsystem: service,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency, by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	reg.MustRegister(requestTotal, requestDur)

	return &Registry{reg: reg, requestTotal: requestTotal, requestDur: requestDur}
}

// Handler returns the promhttp handler serving this registry's series.
func (r *Registry) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// Middleware records request count and latency for every route.
func (r *Registry) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		r.requestTotal.WithLabelValues(route, c.Request.Method, status).Inc()
		r.requestDur.WithLabelValues(route, c.Request.Method).Observe(elapsed)
	}
}

// Package metrics exposes bridge counters and gauges in the Prometheus
// exposition format on a dedicated listener.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message directions.
const (
	DirectionInbound  = "client_to_subprocess"
	DirectionOutbound = "subprocess_to_client"
)

// Recorder records bridge activity. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	registry *prometheus.Registry

	messages      *prometheus.CounterVec
	exits         *prometheus.CounterVec
	restarts      prometheus.Counter
	invalidLines  prometheus.Counter
	unroutable    prometheus.Counter
	timeouts      prometheus.Counter
	rejectedHTTP  *prometheus.CounterVec
	sseStreamsNow prometheus.Gauge
}

// Gauges supplies values sampled at scrape time.
type Gauges struct {
	Sessions func() int
	Pending  func() int
	Running  func() bool
}

// New creates a Recorder with a private registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_bridge_messages_total",
			Help: "JSON-RPC messages relayed, by direction and kind.",
		}, []string{"direction", "kind"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_bridge_subprocess_exits_total",
			Help: "Tool server exits, by exit code.",
		}, []string{"code"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_bridge_subprocess_restarts_total",
			Help: "Tool server restarts after a crash or an explicit restart.",
		}),
		invalidLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_bridge_subprocess_invalid_lines_total",
			Help: "Tool server stdout lines dropped because they were not valid JSON.",
		}),
		unroutable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_bridge_unroutable_responses_total",
			Help: "Tool server responses that matched no pending request.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_bridge_request_timeouts_total",
			Help: "Pending requests rejected by the timeout sweep.",
		}),
		rejectedHTTP: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_bridge_http_rejections_total",
			Help: "HTTP requests rejected before reaching the tool server, by status.",
		}, []string{"status"}),
		sseStreamsNow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_bridge_sse_streams_open",
			Help: "Standalone SSE push streams currently open.",
		}),
	}
	r.registry.MustRegister(
		r.messages,
		r.exits,
		r.restarts,
		r.invalidLines,
		r.unroutable,
		r.timeouts,
		r.rejectedHTTP,
		r.sseStreamsNow,
	)
	return r
}

// RegisterGauges installs scrape-time gauges. Nil functions are skipped.
func (r *Recorder) RegisterGauges(g Gauges) {
	if r == nil {
		return
	}
	if g.Sessions != nil {
		r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mcp_bridge_sessions_active",
			Help: "Live sessions.",
		}, func() float64 { return float64(g.Sessions()) }))
	}
	if g.Pending != nil {
		r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mcp_bridge_pending_requests",
			Help: "Requests forwarded to the tool server and awaiting a response.",
		}, func() float64 { return float64(g.Pending()) }))
	}
	if g.Running != nil {
		r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mcp_bridge_subprocess_running",
			Help: "1 while the tool server process is live.",
		}, func() float64 {
			if g.Running() {
				return 1
			}
			return 0
		}))
	}
}

func (r *Recorder) Message(direction, kind string) {
	if r == nil {
		return
	}
	r.messages.WithLabelValues(direction, kind).Inc()
}

func (r *Recorder) SubprocessExit(code int) {
	if r == nil {
		return
	}
	r.exits.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (r *Recorder) SubprocessRestart() {
	if r == nil {
		return
	}
	r.restarts.Inc()
}

func (r *Recorder) InvalidLine() {
	if r == nil {
		return
	}
	r.invalidLines.Inc()
}

func (r *Recorder) Unroutable() {
	if r == nil {
		return
	}
	r.unroutable.Inc()
}

func (r *Recorder) Timeouts(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.timeouts.Add(float64(n))
}

func (r *Recorder) Rejected(status int) {
	if r == nil {
		return
	}
	r.rejectedHTTP.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (r *Recorder) StreamOpened() {
	if r == nil {
		return
	}
	r.sseStreamsNow.Inc()
}

func (r *Recorder) StreamClosed() {
	if r == nil {
		return
	}
	r.sseStreamsNow.Dec()
}

// Registry exposes the underlying registry for tests and custom collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Router serves /metrics and /healthz. healthy may be nil.
func (r *Recorder) Router(healthy func() bool) chi.Router {
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if healthy != nil && !healthy() {
			http.Error(w, "subprocess not running", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return router
}

package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmux_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cmux_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently streaming AgentSessions per project
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmux_active_sessions",
			Help: "Number of workspaces currently streaming",
		},
		[]string{"project_path"},
	)

	// WorkspacesRunning tracks workspaces whose AgentSession is streaming
	WorkspacesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cmux_workspaces_running",
			Help: "Number of workspaces with a streaming agent session",
		},
	)

	// SessionDuration tracks how long a streaming turn runs
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cmux_session_duration_seconds",
			Help:    "Stream turn duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"project_path", "status"},
	)

	// EventBufferDrops tracks dropped events due to buffer overflow
	EventBufferDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmux_event_buffer_drops_total",
			Help: "Total number of hub events dropped due to buffer overflow or a slow subscriber",
		},
		[]string{"channel"},
	)

	// ProjectsTotal tracks total number of registered projects
	ProjectsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cmux_projects_total",
			Help: "Total number of registered projects",
		},
	)

	// ToolCalls tracks tool dispatch invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmux_tool_calls_total",
			Help: "Total number of tool invocations dispatched to a workspace runtime",
		},
		[]string{"tool", "status"},
	)

	// SSHMultiplexReuse counts SSH exec calls that reused an existing
	// ControlMaster connection vs establishing a new one.
	SSHMultiplexReuse = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmux_ssh_multiplex_total",
			Help: "SSH operations by whether they reused an existing control socket",
		},
		[]string{"reused"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE/WS support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so a WebSocket upgrade can take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	return h.Hijack()
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/ws", "/metrics":
		return path
	default:
		if strings.HasPrefix(path, "/ipc/") {
			return "/ipc"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionStart increments the active-stream gauge for a project
func RecordSessionStart(projectPath string) {
	ActiveSessions.WithLabelValues(projectPath).Inc()
}

// RecordSessionEnd decrements the active-stream gauge and records duration
func RecordSessionEnd(projectPath, status string, durationSeconds float64) {
	ActiveSessions.WithLabelValues(projectPath).Dec()
	SessionDuration.WithLabelValues(projectPath, status).Observe(durationSeconds)
}

// RecordToolCall records a tool dispatch invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// SetWorkspacesRunning sets the streaming-workspace count
func SetWorkspacesRunning(count float64) {
	WorkspacesRunning.Set(count)
}

// SetProjectsTotal sets the total project count
func SetProjectsTotal(count float64) {
	ProjectsTotal.Set(count)
}

// RecordEventDrop records a hub event buffer drop or subscriber eviction
func RecordEventDrop(channel string) {
	EventBufferDrops.WithLabelValues(channel).Inc()
}

// RecordSSHMultiplexReuse records whether an SSH exec reused the
// existing ControlMaster connection for its control path.
func RecordSSHMultiplexReuse(reused bool) {
	SSHMultiplexReuse.WithLabelValues(strconv.FormatBool(reused)).Inc()
}

package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "screentime_sessions_active",
			Help: "Number of open usage sessions",
		},
	)

	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screentime_sessions_started_total",
			Help: "Total usage sessions opened",
		},
		[]string{"agent"},
	)

	UsageSecondsFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screentime_usage_seconds_flushed_total",
			Help: "Total usage seconds flushed to the quota authority",
		},
		[]string{"child"},
	)

	// Quota metrics
	QuotaWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screentime_quota_warnings_total",
			Help: "Total quota warnings emitted",
		},
		[]string{"child", "urgency"},
	)

	BlockIntents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screentime_block_intents_total",
			Help: "Total block intents emitted",
		},
		[]string{"child", "reason"},
	)

	AuthorityErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "screentime_authority_errors_total",
			Help: "Quota authority call failures",
		},
	)

	// Detection metrics
	BrowserScans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screentime_browser_scans_total",
			Help: "Total browser process scans",
		},
		[]string{"agent", "result"},
	)

	BrowsersDetected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "screentime_browsers_detected",
			Help: "Browsers currently detected per agent",
		},
		[]string{"agent"},
	)

	// Enforcement metrics
	RemoteActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screentime_remote_actions_total",
			Help: "Total remote enforcement actions invoked",
		},
		[]string{"action", "outcome"},
	)

	// Classification metrics
	ClassificationCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "screentime_classification_cache_hits_total",
			Help: "Classification cache hits",
		},
	)

	ClassificationCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "screentime_classification_cache_misses_total",
			Help: "Classification cache misses",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsStarted,
		UsageSecondsFlushed,
		QuotaWarnings,
		BlockIntents,
		AuthorityErrors,
		BrowserScans,
		BrowsersDetected,
		RemoteActions,
		ClassificationCacheHits,
		ClassificationCacheMisses,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}

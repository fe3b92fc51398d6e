package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotator_sessions_started_total",
			Help: "Total sessions started",
		},
		[]string{"provider"},
	)

	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotator_sessions_ended_total",
			Help: "Total sessions ended",
		},
		[]string{"provider", "reason"},
	)

	SessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rotator_session_duration_seconds",
			Help:    "Duration of closed sessions in seconds",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		},
		[]string{"provider"},
	)

	// Rotation metrics
	Rotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotator_rotations_total",
			Help: "Rotation attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Quota metrics
	QuotaExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotator_quota_exhausted_total",
			Help: "Quotas marked exhausted",
		},
		[]string{"provider"},
	)

	QuotaReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotator_quota_reclaimed_total",
			Help: "Exhausted quotas returned to available",
		},
		[]string{"trigger"},
	)

	// Pool metrics
	Accounts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rotator_accounts",
			Help: "Accounts per classification at the last summary",
		},
		[]string{"classification"},
	)
)

// Rotation outcomes.
const (
	OutcomeRotated         = "rotated"
	OutcomeSelected        = "selected"
	OutcomeNeedsUserChoice = "needs_user_choice"
	OutcomeNoAccount       = "no_account"
)

// Reclaim triggers.
const (
	TriggerRead  = "read"
	TriggerSweep = "sweep"
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SessionsStarted,
		SessionsEnded,
		SessionDuration,
		Rotations,
		QuotaExhausted,
		QuotaReclaimed,
		Accounts,
	)
}

// HealthFunc reports whether the process can reach its backing store.
type HealthFunc func(ctx context.Context) error

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. A nil health always reports OK.
func NewServer(addr string, health HealthFunc, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "metrics").Logger()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				logger.Warn().Err(err).Msg("Health check failed")
				http.Error(w, "UNAVAILABLE", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	if s.listener == nil {
		ln, err := net.Listen("tcp", s.server.Addr)
		if err != nil {
			return err
		}
		s.listener = ln
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
	}

	s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("Starting metrics server")
	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop drains in-flight scrapes and stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Shutdown(ctx)
}

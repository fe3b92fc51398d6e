package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		health HealthFunc
		want   int
	}{
		{name: "no check", health: nil, want: http.StatusOK},
		{name: "healthy", health: func(context.Context) error { return nil }, want: http.StatusOK},
		{name: "store down", health: func(context.Context) error { return errors.New("connection refused") }, want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer("127.0.0.1:0", tt.health, zerolog.Nop())

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestMetricsEndpointExposesRotatorSeries(t *testing.T) {
	Rotations.WithLabelValues(OutcomeRotated).Inc()

	srv := NewServer("127.0.0.1:0", nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(Rotations.WithLabelValues(OutcomeRotated)); got < 1 {
		t.Errorf("Expected rotated counter >= 1, got %v", got)
	}
}

func TestStartAndStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", nil, zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get("http://" + srv.listener.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if err := srv.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

package vision

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rootsense/shared/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Config{VisionServiceURL: srv.URL, VisionTimeoutMS: 2000}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func TestAnalyzeOK(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/analyze/tree" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detectedSpecies":"Neem","healthStatus":"Healthy","greenCoverage":88,"leafDensity":76,"waterNeeds":"Low","recommendation":"Monitor","confidence":92}`))
	})

	got, err := c.Analyze(context.Background(), []byte("img"), "image/jpeg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DetectedSpecies != "Neem" || got.HealthStatus != HealthHealthy {
		t.Fatalf("unexpected result: %#v", got)
	}
	if got.GreenCoverage != 88 || got.Confidence != 92 {
		t.Fatalf("unexpected numbers: %#v", got)
	}
}

func TestAnalyzeRejectsUnknownHealth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detectedSpecies":"Oak","healthStatus":"Thriving","greenCoverage":90,"leafDensity":80,"confidence":95}`))
	})

	_, err := c.Analyze(context.Background(), []byte("img"), "image/jpeg")
	var ae *AnalysisError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AnalysisError, got %v", err)
	}
}

func TestAnalyzeRejectsOutOfRange(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detectedSpecies":"Oak","healthStatus":"Healthy","greenCoverage":130,"leafDensity":80,"confidence":95}`))
	})

	_, err := c.Analyze(context.Background(), []byte("img"), "image/jpeg")
	var ae *AnalysisError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AnalysisError, got %v", err)
	}
}

func TestAnalyzeServiceError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Analyze(context.Background(), []byte("img"), "image/jpeg")
	var ae *AnalysisError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AnalysisError, got %v", err)
	}
}

func TestAnalyzeEmptyImage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if _, err := c.Analyze(context.Background(), nil, "image/jpeg"); err == nil {
		t.Fatalf("expected error for empty image")
	}
}

func TestHealthForGreenCoverage(t *testing.T) {
	cases := []struct {
		coverage float64
		want     string
	}{
		{85, HealthHealthy},
		{80, HealthHealthy},
		{79, HealthModerate},
		{65, HealthModerate},
		{55, HealthModerate},
		{54, HealthCritical},
		{40, HealthCritical},
	}
	for _, tc := range cases {
		if got := HealthForGreenCoverage(tc.coverage); got != tc.want {
			t.Fatalf("coverage %.0f: expected %s, got %s", tc.coverage, tc.want, got)
		}
	}
}

func TestCircuitBreakerOpensAndResets(t *testing.T) {
	b := newCircuitBreaker(2, 10*time.Millisecond)
	if b.Open() {
		t.Fatalf("breaker should start closed")
	}
	b.Fail()
	b.Fail()
	if !b.Open() {
		t.Fatalf("breaker should open after threshold failures")
	}
	time.Sleep(15 * time.Millisecond)
	if b.Open() {
		t.Fatalf("breaker should close after reset window")
	}
}

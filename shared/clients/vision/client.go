package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rootsense/shared/config"
	"rootsense/shared/metricsx"
)

const (
	HealthHealthy  = "Healthy"
	HealthModerate = "Moderate"
	HealthCritical = "Critical"
)

// AnalysisError is any failure between submitting an image and obtaining a
// valid result: transport errors, non-2xx responses, and responses that do
// not validate. Callers surface the message and keep their preview; there is
// no retry at this layer.
type AnalysisError struct {
	Reason string
	Err    error
}

func (e *AnalysisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("analysis failed: %s: %v", e.Reason, e.Err)
	}
	return "analysis failed: " + e.Reason
}

func (e *AnalysisError) Unwrap() error { return e.Err }

type AnalysisResult struct {
	DetectedSpecies string  `json:"detectedSpecies"`
	HealthStatus    string  `json:"healthStatus"`
	GreenCoverage   float64 `json:"greenCoverage"`
	LeafDensity     float64 `json:"leafDensity"`
	WaterNeeds      string  `json:"waterNeeds"`
	Recommendation  string  `json:"recommendation"`
	Confidence      float64 `json:"confidence"`
}

type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	breaker *circuitBreaker
}

func New(cfg config.Config) (*Client, error) {
	if cfg.VisionServiceURL == "" {
		return nil, errors.New("VISION_SERVICE_URL is required")
	}
	timeout := time.Duration(cfg.VisionTimeoutMS) * time.Millisecond
	return &Client{
		baseURL: cfg.VisionServiceURL,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		breaker: newCircuitBreaker(5, 30*time.Second),
	}, nil
}

func (c *Client) Analyze(ctx context.Context, image []byte, contentType string) (AnalysisResult, error) {
	if c == nil || c.http == nil {
		return AnalysisResult{}, errors.New("vision client not initialized")
	}
	if len(image) == 0 {
		return AnalysisResult{}, &AnalysisError{Reason: "empty image"}
	}
	if c.breaker.Open() {
		return AnalysisResult{}, &AnalysisError{Reason: "vision circuit open"}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/analyze/tree", bytes.NewReader(image))
	if err != nil {
		return AnalysisResult{}, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Fail()
		metricsx.IncAnalysisFailure()
		return AnalysisResult{}, &AnalysisError{Reason: "vision service unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.breaker.Fail()
		metricsx.IncAnalysisFailure()
		return AnalysisResult{}, &AnalysisError{Reason: fmt.Sprintf("vision service error: status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		metricsx.IncAnalysisFailure()
		return AnalysisResult{}, &AnalysisError{Reason: fmt.Sprintf("vision request rejected: status %d", resp.StatusCode)}
	}

	var out AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.breaker.Fail()
		metricsx.IncAnalysisFailure()
		return AnalysisResult{}, &AnalysisError{Reason: "malformed vision response", Err: err}
	}
	if err := validateResult(out); err != nil {
		metricsx.IncAnalysisFailure()
		return AnalysisResult{}, err
	}

	c.breaker.Success()
	metricsx.IncAnalysisSuccess()
	metricsx.ObserveAnalysisLatency(time.Since(start))
	return out, nil
}

// validateResult enforces the contract at the boundary. A result that does
// not validate is rejected whole, never coerced into range.
func validateResult(r AnalysisResult) error {
	switch r.HealthStatus {
	case HealthHealthy, HealthModerate, HealthCritical:
	default:
		return &AnalysisError{Reason: fmt.Sprintf("unknown health status %q", r.HealthStatus)}
	}
	if r.GreenCoverage < 0 || r.GreenCoverage > 100 {
		return &AnalysisError{Reason: fmt.Sprintf("green coverage %.1f out of range", r.GreenCoverage)}
	}
	if r.LeafDensity < 0 || r.LeafDensity > 100 {
		return &AnalysisError{Reason: fmt.Sprintf("leaf density %.1f out of range", r.LeafDensity)}
	}
	if r.Confidence < 0 || r.Confidence > 100 {
		return &AnalysisError{Reason: fmt.Sprintf("confidence %.1f out of range", r.Confidence)}
	}
	return nil
}

// HealthForGreenCoverage maps a coverage percentage onto the health bands
// used across the campus dashboards. The vision service's own verdict stays
// authoritative; this is for derived displays and trend rollups.
func HealthForGreenCoverage(coverage float64) string {
	switch {
	case coverage >= 80:
		return HealthHealthy
	case coverage >= 55:
		return HealthModerate
	default:
		return HealthCritical
	}
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

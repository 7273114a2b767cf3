package observability_test

import (
	"OptionVault/internal/observability"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func readiness(t *testing.T, h *observability.HealthChecker) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	return rec.Code, body
}

// ===== Test: Readiness =====

func TestHealthChecker_Readiness(t *testing.T) {
	h := observability.NewHealthChecker()
	h.SetNotReady("recovering")

	code, body := readiness(t, h)
	if code != http.StatusServiceUnavailable || body["reason"] != "recovering" {
		t.Errorf("expected 503 recovering, got %d %v", code, body)
	}
	if h.IsReady() {
		t.Error("expected not ready")
	}

	h.ObserveSequence(41)
	h.SetReady(true)
	code, body = readiness(t, h)
	if code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("expected 200 ready, got %d %v", code, body)
	}
	if body["sequence"] != float64(41) {
		t.Errorf("expected sequence 41, got %v", body["sequence"])
	}

	h.SetReady(false)
	code, body = readiness(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if _, ok := body["reason"]; ok {
		t.Errorf("expected the old reason to be cleared, got %v", body)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 before readiness, got %d", rec.Code)
	}
}

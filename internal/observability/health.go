package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker backs /healthz and /readyz. The service is not ready until
// recovery finished and the transports are connected.
type HealthChecker struct {
	startTime time.Time
	ready     atomic.Bool
	sequence  atomic.Int64
	reason    atomic.Pointer[string]
}

type healthStatus struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime,omitempty"`
	Sequence *int64 `json:"sequence,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func NewHealthChecker() *HealthChecker {
	h := &HealthChecker{startTime: time.Now()}
	h.sequence.Store(-1)
	return h
}

// SetReady marks the service ready or not ready without a reason.
func (h *HealthChecker) SetReady(ready bool) {
	h.reason.Store(nil)
	h.ready.Store(ready)
}

// SetNotReady withdraws readiness, recording why.
func (h *HealthChecker) SetNotReady(reason string) {
	h.reason.Store(&reason)
	h.ready.Store(false)
}

// ObserveSequence records the last applied engine sequence.
func (h *HealthChecker) ObserveSequence(seq int64) {
	h.sequence.Store(seq)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeHealth(w, http.StatusOK, healthStatus{
		Status: "alive",
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	})
}

// ReadinessHandler answers 200 with the applied sequence when ready and
// 503 with the reason otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	if h.ready.Load() {
		seq := h.sequence.Load()
		writeHealth(w, http.StatusOK, healthStatus{Status: "ready", Sequence: &seq})
		return
	}
	st := healthStatus{Status: "not_ready"}
	if r := h.reason.Load(); r != nil {
		st.Reason = *r
	}
	writeHealth(w, http.StatusServiceUnavailable, st)
}

func writeHealth(w http.ResponseWriter, code int, st healthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(st)
}

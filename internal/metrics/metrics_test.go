package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordValidation(t *testing.T) {
	m := New()
	m.RecordValidation("", time.Millisecond)
	m.RecordValidation("REVOKED", time.Millisecond)
	m.RecordValidation("REVOKED", time.Millisecond)

	if got := testutil.ToFloat64(m.validations.WithLabelValues("accepted", "")); got != 1 {
		t.Errorf("got %v accepted, want 1", got)
	}
	if got := testutil.ToFloat64(m.validations.WithLabelValues("rejected", "REVOKED")); got != 2 {
		t.Errorf("got %v revoked, want 2", got)
	}
}

func TestRecordRateLimit(t *testing.T) {
	m := New()
	m.RecordRateLimit("ip", true, "")
	m.RecordRateLimit("api_key", false, "hour")

	if got := testutil.ToFloat64(m.rateLimitHits.WithLabelValues("hour")); got != 1 {
		t.Errorf("got %v hour rejections, want 1", got)
	}
	if got := testutil.ToFloat64(m.rateLimitChecks.WithLabelValues("ip", "allowed")); got != 1 {
		t.Errorf("got %v allowed ip checks, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordValidation("MALFORMED", time.Second)
	m.RecordRateLimit("ip", false, "minute")
	m.RecordTransition("scheduler", "expired")
	m.RecordSchedulerRun(time.Second)
	m.RecordSchedulerError("expire")
	m.RecordBucketsPurged(3)
	m.RecordAuditDropped()
	m.RecordWebhook("key.expiring", false)
	if m.Registry() != nil {
		t.Error("nil metrics returned a registry")
	}
}

func TestIndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a, b := New(), New()
	a.RecordAuditDropped()
	if got := testutil.ToFloat64(b.auditDropped); got != 0 {
		t.Errorf("instances share state: got %v", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.RecordSchedulerError("warn")
	m.RecordWebhook("key.expiring", true)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)

	for _, want := range []string{
		`akm_scheduler_phase_errors_total{phase="warn"} 1`,
		`akm_webhook_deliveries_total{event="key.expiring",result="delivered"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/api/sessions", 200, 12*time.Millisecond)
	RecordSessionEvent("session-connected")
	RecordWebhookDelivery("failed", 24*time.Millisecond)
	SetSessionCounts(3, 2, 1)
	SetMemoryUsage(42.5)
	RecordRealtimeDrop()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"gateway_session_events_total", "gateway_webhook_deliveries_total", "gateway_system_memory_usage_percent"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in exposition", want)
		}
	}
}

func TestInitLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := initLogger(&buf, "gateway", "debug", "json")
	logger.Debug().Str("session", "s1").Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"app":"gateway"`) || !strings.Contains(out, `"session":"s1"`) {
		t.Fatalf("unexpected log line: %s", out)
	}
}

func TestInitLoggerFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := initLogger(&buf, "gateway", "chatty", "json")
	logger.Debug().Msg("hidden")

	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered, got %s", buf.String())
	}
}

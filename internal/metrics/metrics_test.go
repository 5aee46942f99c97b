package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	// Gauges always appear; counters only after first observation.
	body := w.Body.String()
	for _, name := range []string{"rift_goroutines", "rift_db_open_connections"} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}

	ReleasesTotal.WithLabelValues("milestone", "released").Inc()
	WebhookSignatureFailuresTotal.Inc()

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)
	body = w.Body.String()

	for _, name := range []string{"rift_releases_total", "rift_webhook_signature_failures_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected %s after incrementing", name)
		}
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/transactions/:id", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	before := counterValue(t, "GET", "/transactions/:id", "2xx")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/transactions/tx_1", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if got := counterValue(t, "GET", "/transactions/:id", "2xx"); got != before+1 {
		t.Errorf("http_requests_total = %v, want %v", got, before+1)
	}
}

func counterValue(t *testing.T, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := HTTPRequestsTotal.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

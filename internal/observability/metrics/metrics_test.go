package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PhoneAgent-Web/internal/run"
)

func TestRegistryRendersHTTPAndRunMetrics(t *testing.T) {
	reg := NewRegistry()
	reg.ObserveHTTPRequest("/api/run_stream", "GET", 200, 30*time.Millisecond)
	reg.ObserveHTTPRequest("/api/devices", "GET", 500, 2*time.Second)
	reg.RunStarted()
	reg.RunStarted()
	reg.RunFinished(run.StatusSucceeded, 3*time.Second, 4, 1)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`phoneagent_http_requests_total{handler="/api/run_stream",method="GET",code="200"} 1`,
		`phoneagent_http_request_errors_total{handler="/api/devices",method="GET"} 1`,
		`phoneagent_http_request_duration_seconds_bucket{handler="/api/run_stream",method="GET",le="0.05"} 1`,
		`phoneagent_http_request_duration_seconds_bucket{handler="/api/devices",method="GET",le="1"} 0`,
		`phoneagent_http_request_duration_seconds_count{handler="/api/devices",method="GET"} 1`,
		`phoneagent_runs_total{status="succeeded"} 1`,
		`phoneagent_runs_total{status="failed"} 0`,
		`phoneagent_runs_active 1`,
		`phoneagent_run_output_chunks_total 4`,
		`phoneagent_run_output_dropped_total 1`,
		`phoneagent_run_duration_seconds_bucket{le="5"} 1`,
		`phoneagent_run_duration_seconds_count 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metric %q missing from:\n%s", want, text)
		}
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("content type = %q", got)
	}
}

func TestEscapeLabelValues(t *testing.T) {
	if got := escape("a\"b\\c\n"); got != `a\"b\\c` {
		t.Fatalf("escape = %q", got)
	}
}

package expvarom

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMapAndMetricsHandler(t *testing.T) {
	m := NewMap("mailward_test_commandCount", "command", "count of commands")
	m.Add("HELO", 2)
	m.Add("HELO", 1)
	m.Add("QUIT", 1)

	n := NewInt("mailward_test_loopsDetected", "count of loops detected")
	n.Add(1)
	n.Add(1)

	rr := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	body := rr.Body.String()
	for _, want := range []string{
		`mailward_test_commandCount{command="HELO"} 3`,
		`mailward_test_commandCount{command="QUIT"} 1`,
		`mailward_test_loopsDetected 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q, got:\n%s", want, body)
		}
	}
}

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollector_RegistersOnce(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "x", "")
	b := c.Counter("x_total", "x", "")
	if a != b {
		t.Error("same name and labels should return the same counter")
	}
	if c.Counter("x_total", "x", `kind="y"`) == a {
		t.Error("different labels should be a different series")
	}
}

func TestHandler_RendersTextFormat(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("demo_changes_total", "Changes", `table="orders"`).Add(3)
	g := c.Gauge("demo_unread", "Unread", "")
	g.Set(5)
	g.Dec()
	h := c.Histogram("demo_query_seconds", "Latency", "", []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.5)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	out := rec.Body.String()

	for _, want := range []string{
		"# TYPE demo_changes_total counter",
		`demo_changes_total{table="orders"} 3`,
		"demo_unread 4",
		`demo_query_seconds_bucket{le="0.1"} 1`,
		`demo_query_seconds_bucket{le="1"} 2`,
		"demo_query_seconds_count 2",
		"opsdash_uptime_seconds",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
}

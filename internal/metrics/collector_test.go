package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.RecordEvent("lark", "friend_message")
	c.RecordDropped("lark", "duplicate")
	c.RecordReply("lark", "normal", nil)
	c.RecordEviction("lark")
	c.ObserveAPICall("lark", "reply", time.Millisecond, errors.New("x"))
	if c.Uptime() != 0 {
		t.Error("nil collector should report zero uptime")
	}
}

func TestCollector_Counts(t *testing.T) {
	c := NewCollector()

	c.RecordEvent("lark", "group_message")
	c.RecordEvent("lark", "group_message")
	c.RecordReply("lark", "stream", nil)
	c.RecordReply("lark", "stream", errors.New("boom"))
	c.ObserveAPICall("lark", "create_card", 5*time.Millisecond, errors.New("boom"))
	c.ObserveAPICall("lark", "create_card", 5*time.Millisecond, nil)

	if got := testutil.ToFloat64(c.eventsTotal.WithLabelValues("lark", "group_message")); got != 2 {
		t.Errorf("events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.repliesTotal.WithLabelValues("lark", "stream", "error")); got != 1 {
		t.Errorf("error replies = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.apiErrors.WithLabelValues("lark", "create_card")); got != 1 {
		t.Errorf("api errors = %v, want 1", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.RecordDropped("slack", "no_listener")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `chatbridge_events_dropped_total{adapter="slack",reason="no_listener"} 1`) {
		t.Errorf("dropped counter missing from exposition:\n%s", body)
	}
}

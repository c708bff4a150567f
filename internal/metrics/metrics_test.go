package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordTurn(OutcomeCompleted)
	m.RecordTurn(OutcomeCompleted)
	m.RecordTurn(OutcomeBusy)
	m.RecordDecision("team_lead_authority")
	m.RecordFallback("pm", "no_agents_in_scope")
	m.RecordDecode("ambiguous_needs_hint")
	m.RecordHandoff()
	m.RecordGuardRejection()
	m.RecordViolation("routing_consistency")
	m.RecordConnect()
	m.RecordConnect()
	m.RecordDisconnect()
	m.RecordEnvelope("send_message")
	m.ObserveGeneration(250 * time.Millisecond)

	if got := testutil.ToFloat64(m.Turns.WithLabelValues(OutcomeCompleted)); got != 2 {
		t.Errorf("completed turns = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Turns.WithLabelValues(OutcomeBusy)); got != 1 {
		t.Errorf("busy turns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Fallbacks.WithLabelValues("pm", "no_agents_in_scope")); got != 1 {
		t.Errorf("pm fallbacks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Connections); got != 1 {
		t.Errorf("connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Handoffs); got != 1 {
		t.Errorf("handoffs = %v, want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordTurn(OutcomeCompleted)
	m.RecordDecision("x")
	m.RecordFallback("system", "no_agents_in_project")
	m.RecordDecode("invalid")
	m.RecordHandoff()
	m.RecordGuardRejection()
	m.RecordViolation("x")
	m.RecordConnect()
	m.RecordDisconnect()
	m.RecordEnvelope("ping")
	m.ObserveGeneration(time.Second)
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordDecision("project_pm_authority")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `switchboard_speaker_decisions_total{reason="project_pm_authority"} 1`) {
		t.Errorf("exposition missing decision counter:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("exposition missing go collector")
	}
}

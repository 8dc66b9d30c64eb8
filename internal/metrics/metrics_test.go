package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.ObserveRound("COMMITTED", "", time.Millisecond)
	m.ObserveVotes("prepare", 2)
	m.SetSequence(3)
	m.ObserveRelayAttempt("ok")
	m.ObserveRelay("recorded", time.Millisecond)
	m.SubmissionStarted()("committed")
	m.SetPeers(3)
	m.ObserveDisconnect()
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveRound("ABORTED", "prepare quorum not reached", 5*time.Millisecond)
	m.ObserveRound("COMMITTED", "", time.Millisecond)
	m.ObserveRound("COMMITTED", "", time.Millisecond)

	if got := testutil.ToFloat64(m.rounds.WithLabelValues("COMMITTED", "")); got != 2 {
		t.Errorf("committed rounds = %v, want 2", got)
	}

	done := m.SubmissionStarted()
	if got := testutil.ToFloat64(m.inflight); got != 1 {
		t.Errorf("inflight = %v, want 1", got)
	}

	done("committed")
	if got := testutil.ToFloat64(m.inflight); got != 0 {
		t.Errorf("inflight after done = %v, want 0", got)
	}

	if got := testutil.ToFloat64(m.submissions.WithLabelValues("committed")); got != 1 {
		t.Errorf("submissions = %v, want 1", got)
	}

	m.SetPeers(3)
	m.ObserveDisconnect()
	m.SetPeers(2)

	if got := testutil.ToFloat64(m.peers); got != 2 {
		t.Errorf("peers = %v, want 2", got)
	}

	if got := testutil.ToFloat64(m.disconnects); got != 1 {
		t.Errorf("disconnects = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetSequence(42)
	m.ObserveRelayAttempt("unavailable")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"attestgate_consensus_last_sequence 42",
		`attestgate_relay_attempts_total{result="unavailable"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

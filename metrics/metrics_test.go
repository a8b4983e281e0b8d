package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersExposed(t *testing.T) {
	m := New()
	m.Polls.WithLabelValues("periodic", "success").Inc()
	m.Polls.WithLabelValues("periodic", "success").Inc()
	m.QueueDepth.Set(4)

	if got := testutil.ToFloat64(m.Polls.WithLabelValues("periodic", "success")); got != 2 {
		t.Errorf("polls = %v, want 2", got)
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`binedge_polls_total{kind="periodic",outcome="success"} 2`,
		`binedge_queue_depth 4`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

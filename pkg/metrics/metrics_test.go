package metrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetState(t *testing.T) {
	all := []string{"stopped", "connected"}
	SetState("connected", all)
	if v := testutil.ToFloat64(AgentState.WithLabelValues("connected")); v != 1 {
		t.Errorf("connected gauge = %v", v)
	}
	if v := testutil.ToFloat64(AgentState.WithLabelValues("stopped")); v != 0 {
		t.Errorf("stopped gauge = %v", v)
	}
}

func TestWritePrometheus(t *testing.T) {
	RemoteCallsTotal.WithLabelValues("metric_data", "ok").Inc()
	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	if !strings.Contains(buf.String(), "apm_agent_remote_calls_total") {
		t.Errorf("missing counter in output:\n%s", buf.String())
	}
}

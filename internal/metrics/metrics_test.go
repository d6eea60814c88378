package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Sends.WithLabelValues("ok").Inc()
	if got := testutil.ToFloat64(a.Sends.WithLabelValues("ok")); got != 1 {
		t.Fatalf("a sends = %v", got)
	}
	if got := testutil.ToFloat64(b.Sends.WithLabelValues("ok")); got != 0 {
		t.Fatalf("b sends = %v", got)
	}
}

func TestHandlerExposesRelayMetrics(t *testing.T) {
	m := New()
	m.Channels.Set(3)
	m.Broadcasts.WithLabelValues(Result(errors.New("x"))).Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"relay_registry_channels 3", `relay_broadcast_total{result="error"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in output", want)
		}
	}
}

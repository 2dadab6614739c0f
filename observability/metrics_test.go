package observability

import (
	"errors"
	"fmt"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"loaner/core/events"
	loanererrors "loaner/core/errors"
)

func TestOutcomeLabels(t *testing.T) {
	cases := map[string]error{
		"ok":           nil,
		"unauthorized": fmt.Errorf("pool: caller: %w", loanererrors.ErrUnauthorized),
		"conflict":     loanererrors.ErrLoanNotSettled,
		"insufficient": loanererrors.ErrInsufficientLiquidity,
		"paused":       fmt.Errorf("loan: %w", loanererrors.ErrModulePaused),
		"error":        errors.New("boom"),
	}
	for want, err := range cases {
		if got := Outcome(err); got != want {
			t.Fatalf("Outcome(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestMetricsRecording(t *testing.T) {
	m := NewMetrics("test")
	m.ObserveOp("pool", "join", nil, time.Millisecond)
	m.ObserveOp("pool", "join", loanererrors.ErrUnauthorized, time.Millisecond)
	if got := testutil.ToFloat64(m.operations.WithLabelValues("pool", "join", "ok")); got != 1 {
		t.Fatalf("expected one ok op, got %v", got)
	}

	amount, _ := new(big.Int).SetString("1008219178082191780821", 10)
	m.SetPool("lnrc1pool", amount, big.NewInt(0), nil)
	if got := testutil.ToFloat64(m.poolLiquid.WithLabelValues("lnrc1pool")); got < 1008.21 || got > 1008.23 {
		t.Fatalf("unexpected liquidity gauge %v", got)
	}

	m.RecordAudit(2)
	m.RecordAudit(0)
	if got := testutil.ToFloat64(m.auditFailures); got != 2 {
		t.Fatalf("expected 2 audit failures, got %v", got)
	}
	m.RecordSnapshot(time.Second, errors.New("disk full"))
	if got := testutil.ToFloat64(m.snapshotErrors); got != 1 {
		t.Fatalf("expected snapshot error, got %v", got)
	}

	m.Emit(events.New("loan.created", nil))
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `test_events_emitted_total{type="loan.created"} 1`) {
		t.Fatalf("event counter missing from exposition:\n%s", rec.Body.String())
	}
}

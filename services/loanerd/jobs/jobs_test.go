package jobs

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"loaner/crypto"
	"loaner/native/common"
	"loaner/native/fixedpoint"
	"loaner/native/ledger"
	"loaner/native/loaner"
	"loaner/observability"
	"loaner/state"
	"loaner/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T) (*loaner.Registry, *ledger.Memory) {
	t.Helper()
	l := ledger.NewMemory()
	env := &common.Env{Ledger: l, NowFn: func() int64 { return 1_700_000_000 }}
	admin := crypto.NamedAddress("jobs-test/admin")
	params := loaner.DefaultParams()
	params.Admins = []crypto.Address{admin}
	r, err := loaner.NewRegistry(params, env)
	require.NoError(t, err)
	_, p, err := r.AddCommunity(admin, crypto.NamedAddress("jobs-test/manager"))
	require.NoError(t, err)
	funder := crypto.NamedAddress("jobs-test/funder")
	require.NoError(t, l.Mint(funder, fixedpoint.Units(10)))
	require.NoError(t, l.Approve(funder, p.Address(), fixedpoint.Units(10)))
	require.NoError(t, p.Join(funder, fixedpoint.Units(10)))
	return r, l
}

func metricValue(t *testing.T, m *observability.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			}
		}
		return total
	}
	return 0
}

func TestSnapshotterPersists(t *testing.T) {
	r, _ := newRegistry(t)
	store := state.NewStore(storage.NewMemDB())
	metrics := observability.NewMetrics("loaner")
	snap := NewSnapshotter(r, store, metrics, quietLogger())

	manifest, err := snap.SnapshotNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, manifest.Communities)
	require.Equal(t, 1, manifest.Pools)

	loaded, stored, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, manifest.Checksum, stored.Checksum)
	require.Len(t, loaded.Pools, 1)
	require.Greater(t, metricValue(t, metrics, "loaner_snapshot_last_success_timestamp"), float64(0))
}

func TestSnapshotterHonoursCancellation(t *testing.T) {
	r, _ := newRegistry(t)
	snap := NewSnapshotter(r, state.NewStore(storage.NewMemDB()), nil, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := snap.SnapshotNow(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAuditorPublishesResults(t *testing.T) {
	r, l := newRegistry(t)
	metrics := observability.NewMetrics("loaner")
	auditor := NewAuditor(r, metrics, quietLogger())

	report, err := auditor.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Equal(t, float64(1), metricValue(t, metrics, "loaner_audit_runs_total"))
	require.Equal(t, float64(10), metricValue(t, metrics, "loaner_pool_liquid"))

	// Drain the pool account behind its back.
	pool := r.Pools()[0]
	require.NoError(t, l.Transfer(pool.Address(), crypto.NamedAddress("jobs-test/thief"), fixedpoint.Units(1)))
	report, err = auditor.Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Equal(t, float64(len(report.Failures)), metricValue(t, metrics, "loaner_audit_failures_total"))
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := NewScheduler(quietLogger(), time.Second)
	require.Error(t, s.Add("broken", "not a spec", func(context.Context) error { return nil }))
	require.NoError(t, s.Add("disabled", "", func(context.Context) error { return nil }))
	require.Equal(t, 0, s.Len())

	var runs atomic.Int32
	done := make(chan struct{}, 1)
	require.NoError(t, s.Add("tick", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}))
	require.Equal(t, 1, s.Len())
	s.Start()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("job did not run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.GreaterOrEqual(t, runs.Load(), int32(1))
}

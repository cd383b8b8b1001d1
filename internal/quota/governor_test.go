package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contest-discovery/internal/clock/system"
	"github.com/JakeFAU/contest-discovery/internal/discovery"
	"github.com/JakeFAU/contest-discovery/internal/metrics"
	"github.com/JakeFAU/contest-discovery/internal/storage/memory"
)

var day0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newGovernor(t *testing.T, limit int64) (*Governor, *memory.Store, *system.Manual) {
	t.Helper()
	store := memory.New()
	clk := system.NewManual(day0)
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	g, err := NewGovernor(store, clk, limit, discovery.DefaultCostTable(), WithMetrics(m))
	require.NoError(t, err)
	return g, store, clk
}

func TestNewGovernorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewGovernor(nil, system.New(), 10, nil)
	require.Error(t, err)
	_, err = NewGovernor(memory.New(), nil, 10, nil)
	require.Error(t, err)
	_, err = NewGovernor(memory.New(), system.New(), 0, nil)
	require.Error(t, err)
}

func TestChargeIsMonotonicAndBounded(t *testing.T) {
	t.Parallel()

	g, _, _ := newGovernor(t, 250)
	ctx := context.Background()

	var last int64
	ops := []discovery.Operation{
		discovery.OpSearch, discovery.OpDetails, discovery.OpSearch, discovery.OpSearch,
		discovery.OpChannel, discovery.OpDetails, discovery.OpSearch,
	}
	for _, op := range ops {
		_, err := g.Charge(ctx, op)
		rec, uerr := g.Usage(ctx)
		require.NoError(t, uerr)
		require.GreaterOrEqual(t, rec.UnitsUsed, last)
		require.LessOrEqual(t, rec.UnitsUsed, rec.DailyLimit)
		if err != nil {
			require.ErrorIs(t, err, discovery.ErrQuotaExceeded)
			require.Equal(t, last, rec.UnitsUsed, "failed charge must not change usage")
		}
		last = rec.UnitsUsed
	}
	require.Equal(t, int64(203), last)
}

func TestChargeExceedReturnsQuotaError(t *testing.T) {
	t.Parallel()

	g, _, _ := newGovernor(t, 100)
	ctx := context.Background()

	units, err := g.Charge(ctx, discovery.OpSearch)
	require.NoError(t, err)
	require.Equal(t, int64(100), units)

	_, err = g.Charge(ctx, discovery.OpDetails)
	var qerr *discovery.QuotaError
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, discovery.OpDetails, qerr.Operation)
	require.Equal(t, int64(100), qerr.Used)
	require.Equal(t, int64(100), qerr.Limit)
}

func TestChargeNIsAllOrNothing(t *testing.T) {
	t.Parallel()

	g, _, _ := newGovernor(t, 10)
	ctx := context.Background()

	units, err := g.ChargeN(ctx, discovery.OpDetails, 7)
	require.NoError(t, err)
	require.Equal(t, int64(7), units)

	_, err = g.ChargeN(ctx, discovery.OpDetails, 4)
	require.ErrorIs(t, err, discovery.ErrQuotaExceeded)

	rec, err := g.Usage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), rec.UnitsUsed)

	units, err = g.ChargeN(ctx, discovery.OpDetails, 0)
	require.NoError(t, err)
	require.Zero(t, units)

	remaining, err := g.Remaining(ctx, discovery.OpDetails)
	require.NoError(t, err)
	require.Equal(t, int64(3), remaining)
}

func TestDayRolloverIsolation(t *testing.T) {
	t.Parallel()

	g, store, clk := newGovernor(t, 100)
	ctx := context.Background()

	_, err := g.Charge(ctx, discovery.OpSearch)
	require.NoError(t, err)
	_, err = g.Charge(ctx, discovery.OpSearch)
	require.ErrorIs(t, err, discovery.ErrQuotaExceeded)

	clk.Advance(24 * time.Hour)
	_, err = g.Charge(ctx, discovery.OpSearch)
	require.NoError(t, err)

	prev, err := store.GetQuota(ctx, day0)
	require.NoError(t, err)
	require.Equal(t, int64(100), prev.UnitsUsed)
	next, err := g.Usage(ctx)
	require.NoError(t, err)
	require.Equal(t, discovery.DayOf(day0.Add(24*time.Hour)), next.Date)
	require.Equal(t, int64(100), next.UnitsUsed)
}

func TestUsageBeforeFirstCharge(t *testing.T) {
	t.Parallel()

	g, _, _ := newGovernor(t, 500)
	rec, err := g.Usage(context.Background())
	require.NoError(t, err)
	require.Zero(t, rec.UnitsUsed)
	require.Equal(t, int64(500), rec.DailyLimit)
}

func TestConcurrentChargesNeverOvershoot(t *testing.T) {
	t.Parallel()

	g, _, _ := newGovernor(t, 1000)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Charge(ctx, discovery.OpSearch); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, accepted)
	rec, err := g.Usage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1000), rec.UnitsUsed)
}

func TestUnknownOperation(t *testing.T) {
	t.Parallel()

	g, _, _ := newGovernor(t, 100)
	_, err := g.Charge(context.Background(), discovery.Operation("upload"))
	require.Error(t, err)
	require.False(t, errors.Is(err, discovery.ErrQuotaExceeded))
}

type failingQuotaStore struct{ discovery.QuotaStore }

func (failingQuotaStore) ChargeQuota(context.Context, time.Time, int64, int64) (discovery.QuotaRecord, error) {
	return discovery.QuotaRecord{}, errors.New("db down")
}

func TestStoreFailureIsNotQuotaExceeded(t *testing.T) {
	t.Parallel()

	g, err := NewGovernor(failingQuotaStore{memory.New()}, system.New(), 100, nil)
	require.NoError(t, err)
	_, err = g.Charge(context.Background(), discovery.OpSearch)
	require.Error(t, err)
	require.False(t, errors.Is(err, discovery.ErrQuotaExceeded))
	require.Contains(t, err.Error(), "db down")
}

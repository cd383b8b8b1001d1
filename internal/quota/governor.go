// Package quota enforces the daily provider cost budget. Every quota-bearing
// provider call passes through Governor.Charge before it is made.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
	"github.com/JakeFAU/contest-discovery/internal/logging"
	"github.com/JakeFAU/contest-discovery/internal/metrics"
)

// Governor charges cost units against the current UTC day's QuotaRecord.
// Charges are serialized in-process; the store's conditional increment keeps
// the limit intact across processes sharing the same database.
type Governor struct {
	store   discovery.QuotaStore
	clock   discovery.Clock
	costs   discovery.CostTable
	limit   int64
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu sync.Mutex
}

// Option customizes a Governor.
type Option func(*Governor)

// WithMetrics mirrors charges into Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Governor) { g.logger = logger }
}

// NewGovernor builds a Governor with dailyLimit applied to newly created day rows.
func NewGovernor(store discovery.QuotaStore, clock discovery.Clock, dailyLimit int64, costs discovery.CostTable, opts ...Option) (*Governor, error) {
	if store == nil {
		return nil, errors.New("quota store is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if dailyLimit <= 0 {
		return nil, fmt.Errorf("daily limit must be > 0, got %d", dailyLimit)
	}
	if costs == nil {
		costs = discovery.DefaultCostTable()
	}
	g := &Governor{
		store: store,
		clock: clock,
		costs: costs,
		limit: dailyLimit,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrNop(g.logger).Named("quota")
	return g, nil
}

// Cost returns the unit price of op.
func (g *Governor) Cost(op discovery.Operation) (int64, error) {
	cost, ok := g.costs[op]
	if !ok || cost <= 0 {
		return 0, fmt.Errorf("unknown quota operation %q", op)
	}
	return cost, nil
}

// Charge consumes the price of one op and returns the units charged.
func (g *Governor) Charge(ctx context.Context, op discovery.Operation) (int64, error) {
	return g.ChargeN(ctx, op, 1)
}

// ChargeN consumes n × cost(op) as a single all-or-nothing charge. A charge
// that would push the day's usage past the limit fails with a *discovery.QuotaError
// and leaves usage unchanged. The usage row is persisted before ChargeN returns.
func (g *Governor) ChargeN(ctx context.Context, op discovery.Operation, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	cost, err := g.Cost(op)
	if err != nil {
		return 0, err
	}
	units := cost * int64(n)

	g.mu.Lock()
	defer g.mu.Unlock()

	// Rollover is lazy: the day is derived from the clock on every charge and a
	// new row is created by the store the first time a day is charged.
	day := discovery.DayOf(g.clock.Now())
	rec, err := g.store.ChargeQuota(ctx, day, units, g.limit)
	if err != nil {
		if errors.Is(err, discovery.ErrQuotaExceeded) {
			g.metrics.ObserveRejection(op)
			g.logger.Info("quota charge rejected",
				zap.String("operation", string(op)),
				zap.Int64("units", units),
				zap.Int64("used", rec.UnitsUsed),
				zap.Int64("limit", rec.DailyLimit),
			)
			return 0, &discovery.QuotaError{Operation: op, Units: units, Used: rec.UnitsUsed, Limit: rec.DailyLimit}
		}
		return 0, fmt.Errorf("charge quota: %w", err)
	}
	g.metrics.ObserveCharge(op, units, rec)
	g.logger.Debug("quota charged",
		zap.String("operation", string(op)),
		zap.Int64("units", units),
		zap.Int64("used", rec.UnitsUsed),
	)
	return units, nil
}

// Usage returns today's usage row. A day with no charges yet reports zero
// usage against the configured limit.
func (g *Governor) Usage(ctx context.Context) (discovery.QuotaRecord, error) {
	day := discovery.DayOf(g.clock.Now())
	rec, err := g.store.GetQuota(ctx, day)
	if errors.Is(err, discovery.ErrNotFound) {
		return discovery.QuotaRecord{Date: day, DailyLimit: g.limit}, nil
	}
	if err != nil {
		return discovery.QuotaRecord{}, fmt.Errorf("get quota usage: %w", err)
	}
	g.metrics.ObserveQuota(rec)
	return rec, nil
}

// Remaining reports how many more times op can be charged today.
func (g *Governor) Remaining(ctx context.Context, op discovery.Operation) (int64, error) {
	cost, err := g.Cost(op)
	if err != nil {
		return 0, err
	}
	rec, err := g.Usage(ctx)
	if err != nil {
		return 0, err
	}
	return rec.Remaining() / cost, nil
}

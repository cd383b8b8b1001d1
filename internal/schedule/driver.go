package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
	"github.com/JakeFAU/contest-discovery/internal/logging"
)

// Starter launches runs. *runner.Controller satisfies it.
type Starter interface {
	Start(ctx context.Context) (string, error)
	Running() bool
}

// Options wires a Driver.
type Options struct {
	Store   discovery.SettingsStore
	Starter Starter
	Clock   discovery.Clock
	// Default applies when no schedule has been saved.
	Default discovery.CronConfig
	// After is the timer source; it defaults to time.After.
	After  func(time.Duration) <-chan time.Time
	Logger *zap.Logger
}

// Driver sleeps until the next trigger and starts a run, skipping triggers
// that arrive while a run is active. Triggers never queue.
type Driver struct {
	opts   Options
	logger *zap.Logger
	reload chan struct{}

	mu   sync.Mutex
	cfg  discovery.CronConfig
	next time.Time
}

// NewDriver validates opts and returns a Driver. Call Run to start it.
func NewDriver(opts Options) (*Driver, error) {
	if opts.Starter == nil || opts.Clock == nil {
		return nil, errors.New("schedule driver requires a starter and a clock")
	}
	if opts.After == nil {
		opts.After = time.After
	}
	if opts.Default.Frequency == "" {
		opts.Default = discovery.DefaultCronConfig()
	}
	return &Driver{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("schedule"),
		reload: make(chan struct{}, 1),
		cfg:    opts.Default,
	}, nil
}

// Next returns the pending trigger, if the schedule is enabled.
func (d *Driver) Next() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.next, !d.next.IsZero()
}

// Config returns the active recurrence rule.
func (d *Driver) Config() discovery.CronConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Reload replaces the rule and recomputes the next trigger immediately.
func (d *Driver) Reload(cfg discovery.CronConfig) error {
	if err := d.apply(cfg); err != nil {
		return err
	}
	select {
	case d.reload <- struct{}{}:
	default:
	}
	return nil
}

func (d *Driver) apply(cfg discovery.CronConfig) error {
	var next time.Time
	if cfg.Enabled {
		var err error
		next, err = NextTrigger(cfg, d.opts.Clock.Now())
		if err != nil {
			return err
		}
	} else if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.next = next
	d.mu.Unlock()
	d.logger.Info("schedule loaded",
		zap.Bool("enabled", cfg.Enabled),
		zap.String("frequency", string(cfg.Frequency)),
		zap.Time("next", next),
	)
	return nil
}

func (d *Driver) load(ctx context.Context) error {
	cfg := d.opts.Default
	if d.opts.Store != nil {
		stored, err := d.opts.Store.GetCronConfig(ctx)
		switch {
		case err == nil:
			cfg = stored
		case !errors.Is(err, discovery.ErrNotFound):
			return fmt.Errorf("load cron config: %w", err)
		}
	}
	return d.apply(cfg)
}

// Run loads the stored rule and fires triggers until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.load(ctx); err != nil {
		return err
	}
	for {
		next, enabled := d.Next()
		var timer <-chan time.Time
		if enabled {
			timer = d.opts.After(max(next.Sub(d.opts.Clock.Now()), 0))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-d.reload:
		case <-timer:
			d.tick(ctx, next)
		}
	}
}

// tick fires the trigger when it is due and schedules the one after it.
func (d *Driver) tick(ctx context.Context, due time.Time) {
	now := d.opts.Clock.Now()
	if now.Before(due) {
		return
	}
	d.fire(ctx, due)

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.next.Equal(due) || !d.cfg.Enabled {
		return
	}
	next, err := NextTrigger(d.cfg, now)
	if err != nil {
		d.logger.Error("compute next trigger", zap.Error(err))
		d.next = time.Time{}
		return
	}
	d.next = next
}

func (d *Driver) fire(ctx context.Context, due time.Time) {
	if d.opts.Starter.Running() {
		d.logger.Info("schedule trigger skipped: run already active", zap.Time("trigger", due))
		return
	}
	runID, err := d.opts.Starter.Start(ctx)
	switch {
	case errors.Is(err, discovery.ErrAlreadyRunning):
		d.logger.Info("schedule trigger skipped: run already active", zap.Time("trigger", due))
	case err != nil:
		d.logger.Error("scheduled run failed to start", zap.Time("trigger", due), zap.Error(err))
	default:
		d.logger.Info("scheduled run started", zap.String("run_id", runID), zap.Time("trigger", due))
	}
}

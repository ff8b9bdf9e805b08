// Package scheduler drives the agent's four cooperative periodic tasks —
// heartbeat, reclaimable-price probe, fixed-price probe, and command
// drain — all sharing a single cancellable context as their shutdown gate.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leaseshift/agent/internal/cloudadapter"
	"github.com/leaseshift/agent/internal/controllerclient"
	"github.com/leaseshift/agent/internal/identity"
	"github.com/leaseshift/agent/internal/metadata"
	"github.com/leaseshift/agent/internal/metrics"
	"github.com/leaseshift/agent/internal/migration"
	"github.com/leaseshift/agent/pkg/logger"
)

// Config bundles the four task periods, all independently tunable per §6.
type Config struct {
	HeartbeatInterval        time.Duration
	ReclaimablePriceInterval time.Duration
	FixedPriceInterval       time.Duration
	CommandCheckInterval     time.Duration
}

// Scheduler owns the four periodic tasks and the fixed-price cache they
// share.
type Scheduler struct {
	cfg Config

	metadata   *metadata.Client
	adapter    cloudadapter.Adapter
	controller controllerclient.Client
	engine     *migration.Engine
	identity   *identity.NodeIdentity
	flags      *identity.ControlFlags

	priceMu    sync.Mutex
	fixedPrice identity.FixedPrice
}

// New builds a Scheduler wired to the shared agent state and components.
func New(cfg Config, md *metadata.Client, adapter cloudadapter.Adapter, controller controllerclient.Client, engine *migration.Engine, id *identity.NodeIdentity, flags *identity.ControlFlags) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		metadata:   md,
		adapter:    adapter,
		controller: controller,
		engine:     engine,
		identity:   id,
		flags:      flags,
	}
}

// Run starts all four tasks and blocks until ctx is cancelled or one of
// them returns a non-nil error. Cancelling ctx is the shutdown gate: every
// task unblocks within one tick of cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.loop(ctx, "heartbeat", s.cfg.HeartbeatInterval, s.heartbeatTick) })
	g.Go(func() error { return s.loop(ctx, "reclaimable_price", s.cfg.ReclaimablePriceInterval, s.reclaimablePriceTick) })
	g.Go(func() error { return s.loop(ctx, "fixed_price", s.cfg.FixedPriceInterval, s.fixedPriceTick) })
	g.Go(func() error { return s.loop(ctx, "command_drain", s.cfg.CommandCheckInterval, s.commandDrainTick) })

	return g.Wait()
}

// loop is the shared cooperative-task shape: while the gate isn't closed,
// wait out the period and do one unit of work. A tick's own error is
// logged and swallowed so one bad tick never brings down the other three
// tasks; only ctx cancellation ends the loop.
func (s *Scheduler) loop(ctx context.Context, name string, period time.Duration, tick func(context.Context) error) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			metrics.SchedulerTicks.WithLabelValues(name).Inc()
			if err := tick(ctx); err != nil {
				if cloudadapter.IsThrottling(err) {
					logger.Info("scheduler tick throttled by AWS, will retry next period", map[string]interface{}{
						"task":  name,
						"error": err.Error(),
					})
				} else {
					logger.Warn("scheduler tick failed, will retry next period", map[string]interface{}{
						"task":  name,
						"error": err.Error(),
					})
				}
			}
		}
	}
}

func (s *Scheduler) heartbeatTick(ctx context.Context) error {
	flags, err := s.controller.Heartbeat(ctx, "online", []string{s.identity.InstanceID()})
	if err != nil {
		return err
	}
	s.flags.Update(flags.Enabled, flags.AutoSwitchEnabled, flags.AutoTerminateEnabled)
	return nil
}

func (s *Scheduler) reclaimablePriceTick(ctx context.Context) error {
	if instanceType, err := s.metadata.InstanceType(ctx); err == nil {
		if instanceType != s.identity.Snapshot().InstanceType {
			logger.Info("instance type changed since last probe, refreshing identity", map[string]interface{}{
				"instance_type": instanceType,
			})
			s.identity.RefreshInstanceType(instanceType)
		}
	}

	snap := s.identity.Snapshot()

	samples, err := s.adapter.ReclaimablePrices(ctx, snap.InstanceType)
	if err != nil {
		return err
	}
	for _, sample := range samples {
		metrics.ReclaimablePriceUSD.WithLabelValues(sample.PoolID).Set(sample.Price)
	}

	fixedPrice := s.cachedFixedPrice(ctx, snap.InstanceType)

	for _, sample := range samples {
		if sample.PoolID == snap.PoolID {
			s.identity.RefreshLease(identity.LeaseReclaimable, sample.PoolID)
			break
		}
	}

	return s.controller.PricingReport(ctx, controllerclient.PricingReport{
		Identity:         s.identity.Snapshot(),
		FixedPrice:       fixedPrice,
		ReclaimablePools: samples,
	})
}

func (s *Scheduler) fixedPriceTick(ctx context.Context) error {
	snap := s.identity.Snapshot()
	price, err := s.adapter.FixedPrice(ctx, snap.InstanceType)
	if err != nil {
		if errors.Is(err, cloudadapter.ErrUnmappedRegion) {
			logger.Warn("fixed price probe: region has no catalog mapping, keeping stale cache", map[string]interface{}{
				"region": snap.Region,
			})
		}
		return err
	}

	s.priceMu.Lock()
	s.fixedPrice = identity.FixedPrice{Price: price, FetchedAt: time.Now()}
	s.priceMu.Unlock()

	metrics.FixedPriceUSD.Set(price)
	return nil
}

// cachedFixedPrice returns the cached price if still within the fixed-price
// poll interval's freshness window, otherwise fetches fresh.
func (s *Scheduler) cachedFixedPrice(ctx context.Context, instanceType string) float64 {
	s.priceMu.Lock()
	cached := s.fixedPrice
	s.priceMu.Unlock()

	if !cached.Stale(s.cfg.FixedPriceInterval) {
		return cached.Price
	}

	price, err := s.adapter.FixedPrice(ctx, instanceType)
	if err != nil {
		logger.Warn("pricing report: fixed price refetch failed, using stale cache", map[string]interface{}{
			"error": err.Error(),
		})
		return cached.Price
	}

	s.priceMu.Lock()
	s.fixedPrice = identity.FixedPrice{Price: price, FetchedAt: time.Now()}
	s.priceMu.Unlock()
	metrics.FixedPriceUSD.Set(price)
	return price
}

func (s *Scheduler) commandDrainTick(ctx context.Context) error {
	if !s.flags.ShouldDrainCommands() {
		return nil
	}
	if s.engine.InProgress() {
		return nil
	}

	commands, err := s.controller.PendingCommands(ctx)
	if err != nil {
		return err
	}

	currentID := s.identity.InstanceID()

	for _, cmd := range commands {
		if cmd.InstanceID != currentID {
			// Addressed to a prior identity: skip execution but still
			// acknowledge exactly once, per the tightened behavior in
			// §4.4 (the legacy agent never acknowledged this case).
			s.acknowledge(ctx, cmd.CommandID)
			continue
		}

		metrics.MigrationInProgress.Set(1)
		err := s.engine.Execute(ctx, cmd.TargetLeaseClass, cmd.TargetPoolID, "manual")
		metrics.MigrationInProgress.Set(0)

		outcome := "done"
		if err != nil {
			outcome = "aborted"
			logger.Error("migration aborted", err, map[string]interface{}{"command_id": cmd.CommandID})
		}
		metrics.MigrationsTotal.WithLabelValues(outcome).Inc()

		s.acknowledge(ctx, cmd.CommandID)
	}

	return nil
}

func (s *Scheduler) acknowledge(ctx context.Context, commandID string) {
	if err := s.controller.MarkCommandExecuted(ctx, commandID); err != nil {
		logger.Warn("failed to acknowledge command", map[string]interface{}{
			"command_id": commandID,
			"error":      err.Error(),
		})
	}
}

// Package migration implements the Migration Engine: the linear state
// machine that snapshots a node, launches a successor under a requested
// lease class, verifies it, captures prices, retires the predecessor, and
// reports the outcome.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leaseshift/agent/internal/cloudadapter"
	"github.com/leaseshift/agent/internal/controllerclient"
	"github.com/leaseshift/agent/internal/identity"
	"github.com/leaseshift/agent/pkg/logger"
)

// ErrAlreadyInProgress is returned by Execute when another migration is
// already running; the caller (the command-drain task) should skip this
// tick rather than block.
var ErrAlreadyInProgress = errors.New("migration: already in progress")

const stabilizationDelay = 5 * time.Second

// Engine drives execute_switch. One Engine per agent; it owns the mutex
// and in_progress flag. The mutex is held only to read or flip the flag,
// never for the length of a migration, so the command-drain task can
// short-circuit cheaply without waiting on an active migration.
type Engine struct {
	adapter    cloudadapter.Adapter
	controller controllerclient.Client
	identity   *identity.NodeIdentity
	flags      *identity.ControlFlags

	mu         sync.Mutex
	inProgress bool

	stabilizationDelay time.Duration
}

// New builds a Migration Engine bound to the shared identity and flags the
// supervisor owns.
func New(adapter cloudadapter.Adapter, controller controllerclient.Client, id *identity.NodeIdentity, flags *identity.ControlFlags) *Engine {
	return &Engine{
		adapter:            adapter,
		controller:         controller,
		identity:           id,
		flags:              flags,
		stabilizationDelay: stabilizationDelay,
	}
}

// SetStabilizationDelay overrides the post-launch pause before VERIFY
// re-describes the new instance. Exposed for tests; production callers
// should rely on the spec-recommended default.
func (e *Engine) SetStabilizationDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stabilizationDelay = d
}

// InProgress is the cheap check the command-drain task uses to decide
// whether it's even worth fetching pending commands' targets. It takes the
// mutex only briefly, so it never blocks on a running migration.
func (e *Engine) InProgress() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inProgress
}

// Execute runs execute_switch to completion or failure. It returns
// ErrAlreadyInProgress immediately if another migration is active.
// targetPoolID does not influence placement: the successor is launched
// into the predecessor's network interface template (and so its zone).
func (e *Engine) Execute(ctx context.Context, targetLeaseClass identity.LeaseClass, targetPoolID, trigger string) error {
	e.mu.Lock()
	if e.inProgress {
		e.mu.Unlock()
		return ErrAlreadyInProgress
	}
	e.inProgress = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inProgress = false
		e.mu.Unlock()
	}()

	oldSnapshot := e.identity.Snapshot()
	record := identity.MigrationRecord{
		Old:       oldSnapshot,
		Trigger:   trigger,
		Initiated: time.Now(),
	}

	old, err := e.describe(ctx, oldSnapshot.InstanceID)
	if err != nil {
		return fmt.Errorf("migration: DESCRIBE: %w", err)
	}

	imageID, err := e.snapshot(ctx, old)
	if err != nil {
		return fmt.Errorf("migration: SNAPSHOT: %w", err)
	}
	record.ImageID = imageID

	launchCfg := e.plan(old, imageID, targetLeaseClass)

	newID, newReadyAt, err := e.launch(ctx, launchCfg)
	if err != nil {
		return fmt.Errorf("migration: LAUNCH: %w", err)
	}
	record.NewInstanceReady = newReadyAt

	newDetails, newSnapshot, switchedAt, err := e.verify(ctx, newID, imageID, oldSnapshot)
	if err != nil {
		return fmt.Errorf("migration: VERIFY: %w", err)
	}
	record.New = newSnapshot
	record.TrafficSwitched = switchedAt

	fixedPrice, oldReclaimable, newReclaimable := e.priceCapture(ctx, old, newDetails)
	record.FixedPrice = fixedPrice
	record.OldReclaimable = oldReclaimable
	record.NewReclaimable = newReclaimable

	record.OldInstanceTerminated = e.terminateOld(ctx, oldSnapshot.InstanceID)

	e.report(ctx, record)

	e.identity.Rebind(newSnapshot)

	logger.Info("migration completed", map[string]interface{}{
		"old_instance_id": oldSnapshot.InstanceID,
		"new_instance_id": newSnapshot.InstanceID,
		"trigger":         trigger,
	})
	return nil
}

// describe implements the DESCRIBE transition.
func (e *Engine) describe(ctx context.Context, instanceID string) (cloudadapter.InstanceDetails, error) {
	details, err := e.adapter.DescribeInstance(ctx, instanceID)
	if err != nil {
		return cloudadapter.InstanceDetails{}, err
	}
	return details, nil
}

// snapshot implements the SNAPSHOT transition.
func (e *Engine) snapshot(ctx context.Context, old cloudadapter.InstanceDetails) (string, error) {
	namePrefix := fmt.Sprintf("optimizer-%s", old.InstanceID)
	return e.adapter.CreateImage(ctx, old.InstanceID, namePrefix)
}

// plan implements the PLAN transition: assemble a launch config from the
// predecessor's details plus the new image id, preserving key name, IAM
// role, the first network interface template, and tags.
func (e *Engine) plan(old cloudadapter.InstanceDetails, imageID string, targetLeaseClass identity.LeaseClass) cloudadapter.LaunchConfig {
	var nic cloudadapter.NetworkInterfaceTemplate
	if len(old.NetworkInterfaces) > 0 {
		nic = old.NetworkInterfaces[0]
	} else {
		nic = cloudadapter.NetworkInterfaceTemplate{SubnetID: old.SubnetID, SecurityGroupIDs: old.SecurityGroupIDs}
	}

	return cloudadapter.LaunchConfig{
		ImageID:            imageID,
		InstanceType:       old.InstanceType,
		TargetLeaseClass:   targetLeaseClass,
		KeyName:            old.KeyName,
		IAMInstanceProfile: old.IAMInstanceProfile,
		Tags:               old.Tags,
		NetworkInterface:   nic,
		PredecessorID:      old.InstanceID,
	}
}

// launch implements the LAUNCH transition.
func (e *Engine) launch(ctx context.Context, cfg cloudadapter.LaunchConfig) (string, time.Time, error) {
	newID, err := e.adapter.LaunchInstance(ctx, cfg)
	if err != nil {
		return "", time.Time{}, err
	}
	return newID, time.Now(), nil
}

// verify implements the VERIFY transition: re-describe the new instance
// after a short stabilization delay and compute its observed lease class.
func (e *Engine) verify(ctx context.Context, newID, imageID string, oldSnapshot identity.Snapshot) (cloudadapter.InstanceDetails, identity.Snapshot, time.Time, error) {
	select {
	case <-time.After(e.stabilizationDelay):
	case <-ctx.Done():
		return cloudadapter.InstanceDetails{}, identity.Snapshot{}, time.Time{}, ctx.Err()
	}

	details, err := e.adapter.DescribeInstance(ctx, newID)
	if err != nil {
		return cloudadapter.InstanceDetails{}, identity.Snapshot{}, time.Time{}, err
	}

	newSnapshot := identity.Snapshot{
		InstanceID:   details.InstanceID,
		InstanceType: details.InstanceType,
		Zone:         details.Zone,
		ImageID:      imageID,
		Hostname:     oldSnapshot.Hostname,
		Region:       oldSnapshot.Region,
		LeaseClass:   details.LeaseClass,
		PoolID:       details.PoolID(),
	}

	return details, newSnapshot, time.Now(), nil
}

// priceCapture implements the PRICE_CAPTURE transition: fetch the current
// fixed price and reclaimable pool samples, extracting the old and new
// pool's prices where applicable (0.0 otherwise).
func (e *Engine) priceCapture(ctx context.Context, old, new cloudadapter.InstanceDetails) (fixedPrice, oldReclaimable, newReclaimable float64) {
	fixedPrice, err := e.adapter.FixedPrice(ctx, new.InstanceType)
	if err != nil {
		logger.Warn("price capture: fixed price lookup failed", map[string]interface{}{"error": err.Error()})
		fixedPrice = 0
	}

	samples, err := e.adapter.ReclaimablePrices(ctx, new.InstanceType)
	if err != nil {
		logger.Warn("price capture: reclaimable prices lookup failed", map[string]interface{}{"error": err.Error()})
		return fixedPrice, 0, 0
	}

	byPool := make(map[string]float64, len(samples))
	for _, s := range samples {
		byPool[s.PoolID] = s.Price
	}

	if old.LeaseClass == identity.LeaseReclaimable {
		oldReclaimable = byPool[old.PoolID()]
	}
	if new.LeaseClass == identity.LeaseReclaimable {
		newReclaimable = byPool[new.PoolID()]
	}
	return fixedPrice, oldReclaimable, newReclaimable
}

// terminateOld implements the TERMINATE_OLD transition: iff
// auto_terminate_enabled, request termination and return the timestamp;
// otherwise skip and return nil.
func (e *Engine) terminateOld(ctx context.Context, oldInstanceID string) *time.Time {
	if !e.flags.AutoTerminateEnabled() {
		return nil
	}

	if err := e.adapter.TerminateInstance(ctx, oldInstanceID); err != nil {
		logger.Warn("terminate old instance failed, leaving predecessor running", map[string]interface{}{
			"instance_id": oldInstanceID,
			"error":       err.Error(),
		})
		return nil
	}

	t := time.Now()
	return &t
}

// report implements the REPORT transition. Failure here is logged only:
// it never rolls back the migration that already happened.
func (e *Engine) report(ctx context.Context, record identity.MigrationRecord) {
	if err := e.controller.SwitchReport(ctx, record); err != nil {
		logger.Error("switch report failed", err, map[string]interface{}{
			"old_instance_id": record.Old.InstanceID,
			"new_instance_id": record.New.InstanceID,
		})
	}
}

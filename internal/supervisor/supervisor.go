// Package supervisor implements the Agent Supervisor: the strictly
// ordered startup sequence, the agent's overall lifetime, and graceful
// shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leaseshift/agent/internal/cloudadapter"
	"github.com/leaseshift/agent/internal/controllerclient"
	"github.com/leaseshift/agent/internal/httpserver"
	"github.com/leaseshift/agent/internal/identity"
	"github.com/leaseshift/agent/internal/metadata"
	"github.com/leaseshift/agent/internal/migration"
	"github.com/leaseshift/agent/internal/scheduler"
	"github.com/leaseshift/agent/pkg/config"
	"github.com/leaseshift/agent/pkg/logger"
)

// AgentVersion is reported to the controller at registration. Carried over
// from the fleet's earlier generations so dashboards built against that
// field keep working.
const AgentVersion = "3.0.0"

// Sentinel errors for the taxonomy in the error handling design: fatal at
// startup, never returned once the periodic tasks are running.
var (
	ErrNotOnCloudHost        = errors.New("supervisor: not running on a cloud host")
	ErrMetadataIncomplete    = errors.New("supervisor: metadata incomplete at startup")
	ErrRegistrationFailed    = errors.New("supervisor: controller registration failed")
)

// Supervisor owns the whole process's wiring: identity, flags, the
// adapters, the scheduler, and the local HTTP surface.
type Supervisor struct {
	cfg *config.Config

	metadata   *metadata.Client
	adapter    cloudadapter.Adapter
	controller *controllerclient.HTTPClient
	httpServer *httpserver.Server

	identity *identity.NodeIdentity
	flags    *identity.ControlFlags
	engine   *migration.Engine
	sched    *scheduler.Scheduler
}

// New builds a Supervisor from resolved configuration. It performs no I/O;
// call Start to run the startup sequence.
func New(cfg *config.Config) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		metadata:   metadata.New(),
		controller: controllerclient.NewHTTPClient(cfg.CentralServerURL, cfg.ClientToken),
		httpServer: httpserver.New(cfg.MetricsAddr),
	}
}

// Start runs the strictly ordered startup sequence. Cloud-host, metadata
// and registration failures are fatal and returned as (or wrapped in) the
// sentinel describing which step failed; an adapter init failure is fatal
// and returned with its own wrapped error. A failed self-describe is not
// fatal (see deriveInitialLease).
func (s *Supervisor) Start(ctx context.Context) error {
	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if !s.metadata.OnCloudHost(startupCtx) {
		return ErrNotOnCloudHost
	}

	id, err := s.metadata.InstanceID(startupCtx)
	if err != nil {
		return fmt.Errorf("%w: instance id: %v", ErrMetadataIncomplete, err)
	}
	instanceType, err := s.metadata.InstanceType(startupCtx)
	if err != nil {
		return fmt.Errorf("%w: instance type: %v", ErrMetadataIncomplete, err)
	}
	zone, err := s.metadata.AvailabilityZone(startupCtx)
	if err != nil {
		return fmt.Errorf("%w: availability zone: %v", ErrMetadataIncomplete, err)
	}
	imageID, err := s.metadata.ImageID(startupCtx)
	if err != nil {
		return fmt.Errorf("%w: image id: %v", ErrMetadataIncomplete, err)
	}
	hostname, err := s.metadata.Hostname(startupCtx)
	if err != nil {
		return fmt.Errorf("%w: hostname: %v", ErrMetadataIncomplete, err)
	}

	adapter, err := cloudadapter.NewEC2Adapter(s.cfg.AWSRegion)
	if err != nil {
		return fmt.Errorf("supervisor: init cloud adapter: %w", err)
	}
	s.adapter = adapter

	leaseClass, poolID := s.deriveInitialLease(startupCtx, id, instanceType, zone)

	s.identity = identity.NewNodeIdentity(id, instanceType, zone, imageID, hostname, s.cfg.AWSRegion, leaseClass, poolID)

	registerResp, err := s.controller.Register(startupCtx, controllerclient.RegisterRequest{
		InstanceID:   id,
		InstanceType: instanceType,
		Region:       s.cfg.AWSRegion,
		Zone:         zone,
		ImageID:      imageID,
		Hostname:     hostname,
		AgentVersion: AgentVersion,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	s.flags = identity.NewControlFlags(
		registerResp.Config.Enabled,
		registerResp.Config.AutoSwitchEnabled,
		registerResp.Config.AutoTerminateEnabled,
	)

	s.engine = migration.New(s.adapter, s.controller, s.identity, s.flags)
	s.sched = scheduler.New(scheduler.Config{
		HeartbeatInterval:        s.cfg.HeartbeatInterval,
		ReclaimablePriceInterval: s.cfg.ReclaimablePriceInterval,
		FixedPriceInterval:       s.cfg.FixedPriceInterval,
		CommandCheckInterval:     s.cfg.CommandCheckInterval,
	}, s.metadata, s.adapter, s.controller, s.engine, s.identity, s.flags)

	s.httpServer.Start()
	s.httpServer.MarkReady()

	logger.Info("agent started", map[string]interface{}{
		"instance_id":   id,
		"instance_type": instanceType,
		"zone":          zone,
		"lease_class":   leaseClass,
		"agent_id":      registerResp.AgentID,
	})

	return nil
}

// deriveInitialLease computes the node's starting lease class and pool id
// by describing itself through the freshly initialized adapter. A describe
// failure at this point is non-fatal: the identity starts "unknown" and
// corrects itself on the first reclaimable-price probe tick.
func (s *Supervisor) deriveInitialLease(ctx context.Context, instanceID, instanceType, zone string) (identity.LeaseClass, string) {
	details, err := s.adapter.DescribeInstance(ctx, instanceID)
	if err != nil {
		logger.Warn("could not describe self at startup, lease class starts unknown", map[string]interface{}{
			"instance_id": instanceID,
			"error":       err.Error(),
		})
		return identity.LeaseUnknown, ""
	}
	return details.LeaseClass, details.PoolID()
}

// Run blocks running the scheduler's four periodic tasks until ctx is
// cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	return s.sched.Run(ctx)
}

// Shutdown performs the supervisor's graceful-shutdown sequence: a
// best-effort offline heartbeat, then stopping the local HTTP surface.
// The scheduler's own tasks are expected to have already unblocked via the
// cancelled context passed to Run.
func (s *Supervisor) Shutdown(ctx context.Context) {
	hbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.controller.Heartbeat(hbCtx, "offline", []string{s.identity.InstanceID()}); err != nil {
		logger.Warn("offline heartbeat failed during shutdown", map[string]interface{}{"error": err.Error()})
	}

	shutdownCtx, cancel2 := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel2()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("local http surface shutdown error", map[string]interface{}{"error": err.Error()})
	}
}

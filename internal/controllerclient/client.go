// Package controllerclient implements the agent's authenticated HTTP
// client to the central controller: register, heartbeat, config refresh,
// pricing reports, pending-command drain and acknowledgment, and
// switch reports.
package controllerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/leaseshift/agent/internal/identity"
	"github.com/leaseshift/agent/internal/metrics"
)

const (
	registerTimeout      = 30 * time.Second
	heartbeatTimeout      = 10 * time.Second
	getConfigTimeout      = 10 * time.Second
	pricingReportTimeout  = 30 * time.Second
	pendingCommandsTimeout = 10 * time.Second
	ackTimeout            = 10 * time.Second
	switchReportTimeout   = 30 * time.Second
)

// Client is the capability surface the Scheduler and Migration Engine
// depend on. A real implementation talks HTTP; tests substitute a stub
// that records calls and returns canned responses.
type Client interface {
	Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error)
	Heartbeat(ctx context.Context, status string, monitoredInstances []string) (ConfigFlags, error)
	GetConfig(ctx context.Context) (ConfigFlags, error)
	PricingReport(ctx context.Context, report PricingReport) error
	PendingCommands(ctx context.Context) ([]identity.PendingCommand, error)
	MarkCommandExecuted(ctx context.Context, commandID string) error
	SwitchReport(ctx context.Context, record identity.MigrationRecord) error
}

// RegisterRequest is the identity the agent presents on first contact.
type RegisterRequest struct {
	InstanceID   string
	InstanceType string
	Region       string
	Zone         string
	ImageID      string
	Hostname     string
	AgentVersion string
}

// ConfigFlags mirrors identity.ControlFlags over the wire.
type ConfigFlags struct {
	Enabled              bool `json:"enabled"`
	AutoSwitchEnabled    bool `json:"auto_switch_enabled"`
	AutoTerminateEnabled bool `json:"auto_terminate_enabled"`
}

// RegisterResponse is what the controller returns for a successful register.
type RegisterResponse struct {
	AgentID string
	Config  ConfigFlags
}

// PricingReport is what pricing_report publishes each reclaimable-price tick.
type PricingReport struct {
	Identity      identity.Snapshot
	FixedPrice    float64
	ReclaimablePools []identity.PriceSample
}

// HTTPClient is the production Client, grounded on the lineage's
// bearer-token JSON HTTP client pattern.
type HTTPClient struct {
	baseURL    string
	token      string
	agentID    string
	httpClient *http.Client
}

// NewHTTPClient builds a controller client. agentID is populated after a
// successful Register call.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: switchReportTimeout},
	}
}

// AgentID returns the id assigned by the controller at registration, or
// empty before registration completes.
func (c *HTTPClient) AgentID() string {
	return c.agentID
}

type wireRegisterRequest struct {
	ClientToken  string `json:"client_token"`
	InstanceID   string `json:"instance_id"`
	InstanceType string `json:"instance_type"`
	Region       string `json:"region"`
	Zone         string `json:"availability_zone"`
	ImageID      string `json:"ami_id"`
	Hostname     string `json:"hostname"`
	AgentVersion string `json:"agent_version"`
}

type wireRegisterResponse struct {
	AgentID string      `json:"agent_id"`
	Config  ConfigFlags `json:"config"`
}

// Register exchanges node identity for an agent id and initial flags. The
// only fatal error in the whole controller-client surface: a failed
// register at startup stops the agent before it ever runs.
func (c *HTTPClient) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	body := wireRegisterRequest{
		ClientToken:  c.token,
		InstanceID:   req.InstanceID,
		InstanceType: req.InstanceType,
		Region:       req.Region,
		Zone:         req.Zone,
		ImageID:      req.ImageID,
		Hostname:     req.Hostname,
		AgentVersion: req.AgentVersion,
	}

	var wire wireRegisterResponse
	if err := c.doJSON(ctx, "register", http.MethodPost, "/agents/register", registerTimeout, body, &wire); err != nil {
		return RegisterResponse{}, fmt.Errorf("controllerclient: register: %w", err)
	}

	c.agentID = wire.AgentID
	return RegisterResponse{AgentID: wire.AgentID, Config: wire.Config}, nil
}

type wireHeartbeatRequest struct {
	Status             string   `json:"status"`
	MonitoredInstances []string `json:"monitored_instances"`
}

// Heartbeat reports liveness and the currently monitored instance. Non-fatal
// on failure: the scheduler simply retries on its next tick.
func (c *HTTPClient) Heartbeat(ctx context.Context, status string, monitoredInstances []string) (ConfigFlags, error) {
	body := wireHeartbeatRequest{Status: status, MonitoredInstances: monitoredInstances}
	path := fmt.Sprintf("/agents/%s/heartbeat", c.agentID)

	var flags ConfigFlags
	if err := c.doJSON(ctx, "heartbeat", http.MethodPost, path, heartbeatTimeout, body, &flags); err != nil {
		return ConfigFlags{}, fmt.Errorf("controllerclient: heartbeat: %w", err)
	}
	return flags, nil
}

// GetConfig re-reads the agent's flags on demand.
func (c *HTTPClient) GetConfig(ctx context.Context) (ConfigFlags, error) {
	path := fmt.Sprintf("/agents/%s/config", c.agentID)

	var flags ConfigFlags
	if err := c.doJSON(ctx, "get_config", http.MethodGet, path, getConfigTimeout, nil, &flags); err != nil {
		return ConfigFlags{}, fmt.Errorf("controllerclient: get config: %w", err)
	}
	return flags, nil
}

type wireOnDemandPrice struct {
	Price  float64 `json:"price"`
	Source string  `json:"source"`
}

type wireSpotPool struct {
	AZ     string  `json:"az"`
	PoolID string  `json:"pool_id"`
	Price  float64 `json:"price"`
}

type wirePricingReport struct {
	Instance      wireInstance      `json:"instance"`
	OnDemandPrice wireOnDemandPrice `json:"on_demand_price"`
	SpotPools     []wireSpotPool    `json:"spot_pools"`
}

type wireInstance struct {
	InstanceID   string `json:"instance_id"`
	InstanceType string `json:"instance_type"`
	Region       string `json:"region"`
	Zone         string `json:"availability_zone"`
	ImageID      string `json:"ami_id"`
}

// PricingReport publishes identity plus the fixed price and reclaimable
// pool samples observed on this tick.
func (c *HTTPClient) PricingReport(ctx context.Context, report PricingReport) error {
	body := wirePricingReport{
		Instance: wireInstance{
			InstanceID:   report.Identity.InstanceID,
			InstanceType: report.Identity.InstanceType,
			Region:       report.Identity.Region,
			Zone:         report.Identity.Zone,
			ImageID:      report.Identity.ImageID,
		},
		OnDemandPrice: wireOnDemandPrice{Price: report.FixedPrice, Source: "catalog"},
	}
	for _, p := range report.ReclaimablePools {
		body.SpotPools = append(body.SpotPools, wireSpotPool{AZ: p.Zone, PoolID: p.PoolID, Price: p.Price})
	}

	path := fmt.Sprintf("/agents/%s/pricing-report", c.agentID)
	if err := c.doJSON(ctx, "pricing_report", http.MethodPost, path, pricingReportTimeout, body, nil); err != nil {
		return fmt.Errorf("controllerclient: pricing report: %w", err)
	}
	return nil
}

type wirePendingCommand struct {
	ID           string `json:"id"`
	InstanceID   string `json:"instance_id"`
	TargetMode   string `json:"target_mode"`
	TargetPoolID string `json:"target_pool_id"`
}

// PendingCommands fetches commands addressed to this agent, normalizing
// the wire's target_mode vocabulary (spot|pool -> reclaimable,
// ondemand -> fixed) on ingestion.
func (c *HTTPClient) PendingCommands(ctx context.Context) ([]identity.PendingCommand, error) {
	path := fmt.Sprintf("/agents/%s/pending-commands", c.agentID)

	var wire []wirePendingCommand
	if err := c.doJSON(ctx, "pending_commands", http.MethodGet, path, pendingCommandsTimeout, nil, &wire); err != nil {
		return nil, fmt.Errorf("controllerclient: pending commands: %w", err)
	}

	commands := make([]identity.PendingCommand, 0, len(wire))
	for _, w := range wire {
		commands = append(commands, identity.PendingCommand{
			CommandID:        w.ID,
			InstanceID:       w.InstanceID,
			TargetLeaseClass: identity.NormalizeLeaseToken(w.TargetMode),
			TargetPoolID:     w.TargetPoolID,
		})
	}
	return commands, nil
}

type wireMarkExecuted struct {
	CommandID string `json:"command_id"`
}

// MarkCommandExecuted acknowledges one command by id. Called exactly once
// per received command, whether the migration it named succeeded, was
// skipped for an identity mismatch, or aborted.
func (c *HTTPClient) MarkCommandExecuted(ctx context.Context, commandID string) error {
	body := wireMarkExecuted{CommandID: commandID}
	path := fmt.Sprintf("/agents/%s/mark-command-executed", c.agentID)
	if err := c.doJSON(ctx, "mark_command_executed", http.MethodPost, path, ackTimeout, body, nil); err != nil {
		return fmt.Errorf("controllerclient: mark command executed: %w", err)
	}
	return nil
}

type wireSwitchReport struct {
	OldInstance wireSwitchInstance `json:"old_instance"`
	NewInstance wireSwitchInstance `json:"new_instance"`
	Snapshot    wireSnapshot       `json:"snapshot"`
	Prices      wirePrices         `json:"prices"`
	Timing      wireTiming         `json:"timing"`
	Trigger     string             `json:"trigger"`
}

type wireSwitchInstance struct {
	InstanceID   string `json:"instance_id"`
	Mode         string `json:"mode"`
	PoolID       string `json:"pool_id"`
	InstanceType string `json:"instance_type"`
	Region       string `json:"region"`
	Zone         string `json:"availability_zone"`
	ImageID      string `json:"ami_id"`
}

type wireSnapshot struct {
	Used       bool   `json:"used"`
	SnapshotID string `json:"snapshot_id"`
}

type wirePrices struct {
	OnDemand     float64 `json:"on_demand"`
	OldReclaimable float64 `json:"old_spot"`
	NewReclaimable float64 `json:"new_spot"`
}

type wireTiming struct {
	SwitchInitiatedAt      string  `json:"switch_initiated_at"`
	NewInstanceReadyAt     string  `json:"new_instance_ready_at"`
	TrafficSwitchedAt      string  `json:"traffic_switched_at"`
	OldInstanceTerminatedAt *string `json:"old_instance_terminated_at"`
}

func wireSwitchInstanceFrom(s identity.Snapshot) wireSwitchInstance {
	return wireSwitchInstance{
		InstanceID:   s.InstanceID,
		Mode:         string(s.LeaseClass),
		PoolID:       s.PoolID,
		InstanceType: s.InstanceType,
		Region:       s.Region,
		Zone:         s.Zone,
		ImageID:      s.ImageID,
	}
}

// SwitchReport publishes one completed MigrationRecord. Failure here is
// logged but never rolls back the migration that already happened.
func (c *HTTPClient) SwitchReport(ctx context.Context, record identity.MigrationRecord) error {
	var terminatedAt *string
	if record.OldInstanceTerminated != nil {
		s := record.OldInstanceTerminated.UTC().Format(time.RFC3339)
		terminatedAt = &s
	}

	body := wireSwitchReport{
		OldInstance: wireSwitchInstanceFrom(record.Old),
		NewInstance: wireSwitchInstanceFrom(record.New),
		Snapshot:    wireSnapshot{Used: record.ImageID != "", SnapshotID: record.ImageID},
		Prices: wirePrices{
			OnDemand:       record.FixedPrice,
			OldReclaimable: record.OldReclaimable,
			NewReclaimable: record.NewReclaimable,
		},
		Timing: wireTiming{
			SwitchInitiatedAt:       record.Initiated.UTC().Format(time.RFC3339),
			NewInstanceReadyAt:      record.NewInstanceReady.UTC().Format(time.RFC3339),
			TrafficSwitchedAt:       record.TrafficSwitched.UTC().Format(time.RFC3339),
			OldInstanceTerminatedAt: terminatedAt,
		},
		Trigger: record.Trigger,
	}

	path := fmt.Sprintf("/agents/%s/switch-report", c.agentID)
	if err := c.doJSON(ctx, "switch_report", http.MethodPost, path, switchReportTimeout, body, nil); err != nil {
		return fmt.Errorf("controllerclient: switch report: %w", err)
	}
	return nil
}

// doJSON is the shared request/response plumbing every call above uses:
// marshal, attach bearer auth and a correlation id, enforce the
// per-call timeout, decode the JSON response if out is non-nil, and record
// the call's outcome and latency under the given endpoint label.
func (c *HTTPClient) doJSON(ctx context.Context, endpoint, method, path string, timeout time.Duration, in, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveControllerCall(endpoint, time.Since(start).Seconds(), err)
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

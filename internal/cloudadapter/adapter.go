// Package cloudadapter wraps the cloud provider's instance and pricing
// APIs behind the minimal capability set the Migration Engine needs:
// describe, snapshot, launch, terminate, and the two pricing lookups.
package cloudadapter

import (
	"context"
	"errors"
	"time"

	"github.com/leaseshift/agent/internal/identity"
)

// ErrInstanceNotFound is returned when Describe cannot locate the instance.
var ErrInstanceNotFound = errors.New("cloudadapter: instance not found")

// ErrImageNeverAvailable is returned when CreateImage's polling budget is
// exhausted before the image reaches the "available" state.
var ErrImageNeverAvailable = errors.New("cloudadapter: image never became available")

// ErrLaunchFailed is returned when RunInstances is accepted but the new
// instance never reaches the "running" state within the wait budget.
var ErrLaunchFailed = errors.New("cloudadapter: instance never reached running state")

// ErrUnmappedRegion is returned by FixedPrice when the configured region has
// no entry in the pricing catalog's location lookup table. Resolved Open
// Question: this is a loud, retryable failure rather than a silent
// zero-price or a catalog query known to return no rows.
var ErrUnmappedRegion = errors.New("cloudadapter: region has no pricing catalog mapping")

// NetworkInterfaceTemplate captures just enough of a described instance's
// primary network interface to reproduce its placement and public-ip
// policy on a successor.
type NetworkInterfaceTemplate struct {
	SubnetID              string
	SecurityGroupIDs       []string
	AssociatePublicIPAddress bool
}

// InstanceDetails is the structured record Describe returns.
type InstanceDetails struct {
	InstanceID        string
	InstanceType      string
	State             string
	LeaseClass        identity.LeaseClass
	Zone              string
	SubnetID          string
	SecurityGroupIDs  []string
	KeyName           string
	IAMInstanceProfile string
	Tags              map[string]string
	NetworkInterfaces []NetworkInterfaceTemplate
}

// PoolID derives this instance's reclaimable pool id, empty if not
// currently reclaimable.
func (d InstanceDetails) PoolID() string {
	if d.LeaseClass != identity.LeaseReclaimable {
		return ""
	}
	return identity.PoolID(d.InstanceType, d.Zone)
}

// LaunchConfig is the configuration bundle PLAN assembles from a
// predecessor's InstanceDetails plus the freshly created image id.
type LaunchConfig struct {
	ImageID            string
	InstanceType       string
	TargetLeaseClass   identity.LeaseClass
	KeyName            string
	IAMInstanceProfile string
	Tags               map[string]string
	NetworkInterface   NetworkInterfaceTemplate
	PredecessorID      string
}

// Adapter is the capability surface the Migration Engine and the pricing
// probes depend on. A real implementation wraps the cloud SDK; tests
// substitute a stub that returns canned values or injected errors at any
// one step.
type Adapter interface {
	DescribeInstance(ctx context.Context, instanceID string) (InstanceDetails, error)
	CreateImage(ctx context.Context, instanceID, namePrefix string) (string, error)
	LaunchInstance(ctx context.Context, cfg LaunchConfig) (string, error)
	TerminateInstance(ctx context.Context, instanceID string) error
	ReclaimablePrices(ctx context.Context, instanceType string) ([]identity.PriceSample, error)
	FixedPrice(ctx context.Context, instanceType string) (float64, error)
}

// ImageWaitConfig bounds how long CreateImage polls before giving up.
// Recommended by the spec: 15s interval, 40 attempts (10 minutes total).
type ImageWaitConfig struct {
	Delay       time.Duration
	MaxAttempts int
}

// DefaultImageWaitConfig is the spec-recommended polling budget.
var DefaultImageWaitConfig = ImageWaitConfig{Delay: 15 * time.Second, MaxAttempts: 40}

// InstanceWaitConfig bounds how long LaunchInstance polls for "running".
type InstanceWaitConfig struct {
	Delay       time.Duration
	MaxAttempts int
}

// DefaultInstanceWaitConfig mirrors the AWS SDK's default
// WaiterInstanceRunning cadence (15s x 40 attempts).
var DefaultInstanceWaitConfig = InstanceWaitConfig{Delay: 15 * time.Second, MaxAttempts: 40}

// MandatoryTags returns the three tags every launched successor carries
// regardless of what the predecessor's tag map already held.
func MandatoryTags(predecessorID string, createdAt time.Time) map[string]string {
	return map[string]string{
		"managed": "true",
		"parent":  predecessorID,
		"created": createdAt.UTC().Format(time.RFC3339),
	}
}

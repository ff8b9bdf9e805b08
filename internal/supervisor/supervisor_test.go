package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaseshift/agent/internal/cloudadapter"
	"github.com/leaseshift/agent/internal/identity"
)

type fakeAdapter struct {
	details cloudadapter.InstanceDetails
	err     error
}

func (f fakeAdapter) DescribeInstance(ctx context.Context, instanceID string) (cloudadapter.InstanceDetails, error) {
	if f.err != nil {
		return cloudadapter.InstanceDetails{}, f.err
	}
	return f.details, nil
}
func (f fakeAdapter) CreateImage(ctx context.Context, instanceID, namePrefix string) (string, error) {
	return "", nil
}
func (f fakeAdapter) LaunchInstance(ctx context.Context, cfg cloudadapter.LaunchConfig) (string, error) {
	return "", nil
}
func (f fakeAdapter) TerminateInstance(ctx context.Context, instanceID string) error { return nil }
func (f fakeAdapter) ReclaimablePrices(ctx context.Context, instanceType string) ([]identity.PriceSample, error) {
	return nil, nil
}
func (f fakeAdapter) FixedPrice(ctx context.Context, instanceType string) (float64, error) {
	return 0, nil
}

func TestDeriveInitialLease_UsesDescribeResult(t *testing.T) {
	s := &Supervisor{
		adapter: fakeAdapter{details: cloudadapter.InstanceDetails{
			InstanceType: "m5.large",
			Zone:         "ap-south-1a",
			LeaseClass:   identity.LeaseReclaimable,
		}},
	}

	leaseClass, poolID := s.deriveInitialLease(context.Background(), "i-A", "m5.large", "ap-south-1a")
	require.Equal(t, identity.LeaseReclaimable, leaseClass)
	assert.Equal(t, "m5.large_apsouth1a", poolID)
}

func TestDeriveInitialLease_DescribeFailureStartsUnknown(t *testing.T) {
	s := &Supervisor{
		adapter: fakeAdapter{err: cloudadapter.ErrInstanceNotFound},
	}

	leaseClass, poolID := s.deriveInitialLease(context.Background(), "i-A", "m5.large", "ap-south-1a")
	assert.Equal(t, identity.LeaseUnknown, leaseClass)
	assert.Empty(t, poolID)
}

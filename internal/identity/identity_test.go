package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLeaseToken(t *testing.T) {
	cases := map[string]LeaseClass{
		"spot":        LeaseReclaimable,
		"pool":        LeaseReclaimable,
		"reclaimable": LeaseReclaimable,
		"ondemand":    LeaseFixed,
		"fixed":       LeaseFixed,
		"garbage":     LeaseUnknown,
	}
	for token, want := range cases {
		assert.Equal(t, want, NormalizeLeaseToken(token), "token=%s", token)
	}
}

func TestPoolID(t *testing.T) {
	assert.Equal(t, "m5.large_apsouth1a", PoolID("m5.large", "ap-south-1a"))
}

func TestNodeIdentity_RebindUpdatesAllFieldsAtomically(t *testing.T) {
	id := NewNodeIdentity("i-A", "m5.large", "ap-south-1a", "ami-0", "host-a", "ap-south-1", LeaseReclaimable, "m5.large_apsouth1a")

	require.Equal(t, "i-A", id.InstanceID())

	id.Rebind(Snapshot{
		InstanceID:   "i-B",
		InstanceType: "m5.large",
		Zone:         "ap-south-1a",
		ImageID:      "ami-1",
		Hostname:     "host-a",
		Region:       "ap-south-1",
		LeaseClass:   LeaseFixed,
		PoolID:       "",
	})

	snap := id.Snapshot()
	assert.Equal(t, "i-B", snap.InstanceID)
	assert.Equal(t, LeaseFixed, snap.LeaseClass)
	assert.Empty(t, snap.PoolID)
	assert.NotEqual(t, "i-A", snap.InstanceID, "instance id must differ from pre-migration value")
}

func TestNodeIdentity_RefreshLeaseDoesNotChangeInstanceID(t *testing.T) {
	id := NewNodeIdentity("i-A", "m5.large", "ap-south-1a", "ami-0", "host-a", "ap-south-1", LeaseUnknown, "")
	id.RefreshLease(LeaseReclaimable, "m5.large_apsouth1a")

	snap := id.Snapshot()
	assert.Equal(t, "i-A", snap.InstanceID)
	assert.Equal(t, LeaseReclaimable, snap.LeaseClass)
	assert.Equal(t, "m5.large_apsouth1a", snap.PoolID)
}

func TestControlFlags_ShouldDrainCommands(t *testing.T) {
	cases := []struct {
		name          string
		enabled       bool
		autoSwitch    bool
		wantShouldRun bool
	}{
		{"both enabled", true, true, true},
		{"disabled overall", false, true, false},
		{"auto switch disabled", true, false, false},
		{"both disabled", false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewControlFlags(tc.enabled, tc.autoSwitch, true)
			assert.Equal(t, tc.wantShouldRun, f.ShouldDrainCommands())
		})
	}
}

func TestFixedPrice_Stale(t *testing.T) {
	var zero FixedPrice
	assert.True(t, zero.Stale(time.Minute), "zero-value price is always stale")

	fresh := FixedPrice{Price: 0.1, FetchedAt: time.Now()}
	assert.False(t, fresh.Stale(time.Hour))

	old := FixedPrice{Price: 0.1, FetchedAt: time.Now().Add(-2 * time.Hour)}
	assert.True(t, old.Stale(time.Hour))
}

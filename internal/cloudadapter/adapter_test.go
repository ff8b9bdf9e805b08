package cloudadapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/leaseshift/agent/internal/identity"
)

func TestInstanceDetails_PoolID(t *testing.T) {
	t.Run("reclaimable derives pool id", func(t *testing.T) {
		d := InstanceDetails{InstanceType: "m5.large", Zone: "ap-south-1a", LeaseClass: identity.LeaseReclaimable}
		assert.Equal(t, "m5.large_apsouth1a", d.PoolID())
	})

	t.Run("fixed has no pool id", func(t *testing.T) {
		d := InstanceDetails{InstanceType: "m5.large", Zone: "ap-south-1a", LeaseClass: identity.LeaseFixed}
		assert.Empty(t, d.PoolID())
	})
}

func TestMandatoryTags(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tags := MandatoryTags("i-old", now)

	assert.Equal(t, "true", tags["managed"])
	assert.Equal(t, "i-old", tags["parent"])
	assert.Equal(t, "2026-03-01T12:00:00Z", tags["created"])
}

func TestExtractOnDemandPrice(t *testing.T) {
	product := map[string]interface{}{
		"terms": map[string]interface{}{
			"OnDemand": map[string]interface{}{
				"SKU.JRTCKXETXF": map[string]interface{}{
					"priceDimensions": map[string]interface{}{
						"SKU.JRTCKXETXF.6YS6EN2CT7": map[string]interface{}{
							"pricePerUnit": map[string]interface{}{
								"USD": "0.096",
							},
						},
					},
				},
			},
		},
	}

	price, err := extractOnDemandPrice(product)
	assert.NoError(t, err)
	assert.Equal(t, 0.096, price)
}

func TestExtractOnDemandPrice_MissingTermsIsError(t *testing.T) {
	_, err := extractOnDemandPrice(map[string]interface{}{})
	assert.Error(t, err)
}

// Scenario 7: an operating region with no Pricing catalog location mapping
// fails fast with ErrUnmappedRegion. The lookup short-circuits before any
// ec2iface/pricingiface call, so a zero-value adapter exercises it.
func TestEC2Adapter_FixedPrice_UnmappedRegionIsError(t *testing.T) {
	a := &EC2Adapter{region: "ap-northeast-9"}

	_, err := a.FixedPrice(context.Background(), "m5.large")
	assert.True(t, errors.Is(err, ErrUnmappedRegion))
}

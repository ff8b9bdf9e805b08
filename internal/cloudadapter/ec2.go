package cloudadapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/pricing"
	"github.com/aws/aws-sdk-go/service/pricing/pricingiface"

	"github.com/leaseshift/agent/internal/identity"
	"github.com/leaseshift/agent/pkg/logger"
)

// regionLocationNames maps an AWS region code onto the "location" string
// the Pricing service's catalog filters expect. Unmapped regions are a
// hard error (ErrUnmappedRegion), not a best-effort passthrough.
var regionLocationNames = map[string]string{
	"us-east-1":      "US East (N. Virginia)",
	"us-east-2":      "US East (Ohio)",
	"us-west-2":      "US West (Oregon)",
	"ap-south-1":     "Asia Pacific (Mumbai)",
	"eu-west-1":      "EU (Ireland)",
	"ap-southeast-1": "Asia Pacific (Singapore)",
}

// EC2Adapter is the production Adapter, backed by the EC2 and Pricing
// service clients. The Pricing service only publishes out of us-east-1,
// so it always uses a client pinned to that region regardless of the
// node's own operating region.
type EC2Adapter struct {
	ec2     ec2iface.EC2API
	pricing pricingiface.PricingAPI
	region  string

	imageWait    ImageWaitConfig
	instanceWait InstanceWaitConfig
}

// NewEC2Adapter builds an adapter for the given operating region.
func NewEC2Adapter(region string) (*EC2Adapter, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("cloudadapter: create session: %w", err)
	}

	pricingSess, err := session.NewSession(&aws.Config{Region: aws.String("us-east-1")})
	if err != nil {
		return nil, fmt.Errorf("cloudadapter: create pricing session: %w", err)
	}

	return &EC2Adapter{
		ec2:          ec2.New(sess),
		pricing:      pricing.New(pricingSess),
		region:       region,
		imageWait:    DefaultImageWaitConfig,
		instanceWait: DefaultInstanceWaitConfig,
	}, nil
}

func leaseClassOf(lifecycle *string) identity.LeaseClass {
	if lifecycle != nil && aws.StringValue(lifecycle) == "spot" {
		return identity.LeaseReclaimable
	}
	return identity.LeaseFixed
}

// DescribeInstance fetches the full instance record the Migration Engine's
// DESCRIBE and PLAN steps need.
func (a *EC2Adapter) DescribeInstance(ctx context.Context, instanceID string) (InstanceDetails, error) {
	out, err := a.ec2.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(instanceID)},
	})
	if err != nil {
		return InstanceDetails{}, fmt.Errorf("cloudadapter: describe instance %s: %w", instanceID, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return InstanceDetails{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}

	inst := out.Reservations[0].Instances[0]

	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}

	secGroups := make([]string, 0, len(inst.SecurityGroups))
	for _, g := range inst.SecurityGroups {
		secGroups = append(secGroups, aws.StringValue(g.GroupId))
	}

	nics := make([]NetworkInterfaceTemplate, 0, len(inst.NetworkInterfaces))
	for _, ni := range inst.NetworkInterfaces {
		groupIDs := make([]string, 0, len(ni.Groups))
		for _, g := range ni.Groups {
			groupIDs = append(groupIDs, aws.StringValue(g.GroupId))
		}
		nics = append(nics, NetworkInterfaceTemplate{
			SubnetID:                 aws.StringValue(ni.SubnetId),
			SecurityGroupIDs:         groupIDs,
			AssociatePublicIPAddress: ni.Association != nil && aws.StringValue(ni.Association.PublicIp) != "",
		})
	}

	iamArn := ""
	if inst.IamInstanceProfile != nil {
		iamArn = aws.StringValue(inst.IamInstanceProfile.Arn)
	}

	return InstanceDetails{
		InstanceID:         aws.StringValue(inst.InstanceId),
		InstanceType:       aws.StringValue(inst.InstanceType),
		State:              aws.StringValue(inst.State.Name),
		LeaseClass:         leaseClassOf(inst.InstanceLifecycle),
		Zone:               aws.StringValue(inst.Placement.AvailabilityZone),
		SubnetID:           aws.StringValue(inst.SubnetId),
		SecurityGroupIDs:   secGroups,
		KeyName:            aws.StringValue(inst.KeyName),
		IAMInstanceProfile: iamArn,
		Tags:               tags,
		NetworkInterfaces:  nics,
	}, nil
}

// CreateImage initiates a no-reboot snapshot and blocks until it reaches
// "available" or the polling budget is exhausted.
func (a *EC2Adapter) CreateImage(ctx context.Context, instanceID, namePrefix string) (string, error) {
	name := fmt.Sprintf("%s-%s", namePrefix, time.Now().UTC().Format("20060102-150405"))

	out, err := a.ec2.CreateImageWithContext(ctx, &ec2.CreateImageInput{
		InstanceId: aws.String(instanceID),
		Name:       aws.String(name),
		NoReboot:   aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("cloudadapter: create image for %s: %w", instanceID, err)
	}
	imageID := aws.StringValue(out.ImageId)

	logger.Info("waiting for image to become available", map[string]interface{}{
		"instance_id": instanceID,
		"image_id":    imageID,
	})

	err = a.ec2.WaitUntilImageAvailableWithContext(ctx,
		&ec2.DescribeImagesInput{ImageIds: []*string{aws.String(imageID)}},
		request.WithWaiterDelay(request.ConstantWaiterDelay(a.imageWait.Delay)),
		request.WithWaiterMaxAttempts(a.imageWait.MaxAttempts),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrImageNeverAvailable, imageID, err)
	}

	return imageID, nil
}

// LaunchInstance runs a new instance from cfg and blocks until it reaches
// "running".
func (a *EC2Adapter) LaunchInstance(ctx context.Context, cfg LaunchConfig) (string, error) {
	tagMap := make(map[string]string, len(cfg.Tags)+3)
	for k, v := range cfg.Tags {
		tagMap[k] = v
	}
	for k, v := range MandatoryTags(cfg.PredecessorID, time.Now()) {
		tagMap[k] = v
	}

	tagSpecs := []*ec2.TagSpecification{{
		ResourceType: aws.String(ec2.ResourceTypeInstance),
		Tags:         tagsFromMap(tagMap),
	}}

	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(cfg.ImageID),
		InstanceType:      aws.String(cfg.InstanceType),
		MinCount:          aws.Int64(1),
		MaxCount:          aws.Int64(1),
		TagSpecifications: tagSpecs,
	}

	if cfg.KeyName != "" {
		input.KeyName = aws.String(cfg.KeyName)
	}
	if cfg.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &ec2.IamInstanceProfileSpecification{Arn: aws.String(cfg.IAMInstanceProfile)}
	}

	if cfg.NetworkInterface.SubnetID != "" {
		groups := make([]*string, 0, len(cfg.NetworkInterface.SecurityGroupIDs))
		for _, g := range cfg.NetworkInterface.SecurityGroupIDs {
			groups = append(groups, aws.String(g))
		}
		input.NetworkInterfaces = []*ec2.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              aws.Int64(0),
			SubnetId:                 aws.String(cfg.NetworkInterface.SubnetID),
			Groups:                   groups,
			AssociatePublicIpAddress: aws.Bool(cfg.NetworkInterface.AssociatePublicIPAddress),
		}}
	}

	if cfg.TargetLeaseClass == identity.LeaseReclaimable {
		input.InstanceMarketOptions = &ec2.InstanceMarketOptionsRequest{
			MarketType: aws.String(ec2.MarketTypeSpot),
			SpotOptions: &ec2.SpotMarketOptions{
				SpotInstanceType:             aws.String(ec2.SpotInstanceTypePersistent),
				InstanceInterruptionBehavior: aws.String(ec2.InstanceInterruptionBehaviorStop),
			},
		}
	}

	out, err := a.ec2.RunInstancesWithContext(ctx, input)
	if err != nil {
		return "", fmt.Errorf("cloudadapter: run instances: %w", err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("%w: run instances returned no instances", ErrLaunchFailed)
	}
	newID := aws.StringValue(out.Instances[0].InstanceId)

	logger.Info("waiting for new instance to reach running state", map[string]interface{}{
		"instance_id": newID,
	})

	err = a.ec2.WaitUntilInstanceRunningWithContext(ctx,
		&ec2.DescribeInstancesInput{InstanceIds: []*string{aws.String(newID)}},
		request.WithWaiterDelay(request.ConstantWaiterDelay(a.instanceWait.Delay)),
		request.WithWaiterMaxAttempts(a.instanceWait.MaxAttempts),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrLaunchFailed, newID, err)
	}

	return newID, nil
}

// TerminateInstance is fire-and-forget: it returns as soon as the provider
// accepts the termination request, without waiting for it to complete.
func (a *EC2Adapter) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := a.ec2.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(instanceID)},
	})
	if err != nil {
		return fmt.Errorf("cloudadapter: terminate instance %s: %w", instanceID, err)
	}
	return nil
}

// ReclaimablePrices returns one sample per zone for instanceType, from the
// last ~5 minutes, deduplicated by zone (first occurrence wins).
func (a *EC2Adapter) ReclaimablePrices(ctx context.Context, instanceType string) ([]identity.PriceSample, error) {
	out, err := a.ec2.DescribeSpotPriceHistoryWithContext(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []*string{aws.String(instanceType)},
		ProductDescriptions: []*string{aws.String("Linux/UNIX")},
		StartTime:           aws.Time(time.Now().UTC().Add(-5 * time.Minute)),
		MaxResults:          aws.Int64(100),
	})
	if err != nil {
		return nil, fmt.Errorf("cloudadapter: describe spot price history for %s: %w", instanceType, err)
	}

	seen := make(map[string]bool)
	samples := make([]identity.PriceSample, 0, len(out.SpotPriceHistory))
	for _, p := range out.SpotPriceHistory {
		zone := aws.StringValue(p.AvailabilityZone)
		if seen[zone] {
			continue
		}
		seen[zone] = true

		price, err := strconv.ParseFloat(aws.StringValue(p.SpotPrice), 64)
		if err != nil {
			continue
		}
		samples = append(samples, identity.PriceSample{
			Zone:   zone,
			PoolID: identity.PoolID(instanceType, zone),
			Price:  price,
		})
	}
	return samples, nil
}

// FixedPrice queries the Pricing catalog for the fixed (on-demand) hourly
// rate of instanceType in this adapter's region: Linux, shared tenancy, no
// pre-installed software, used capacity.
func (a *EC2Adapter) FixedPrice(ctx context.Context, instanceType string) (float64, error) {
	location, ok := regionLocationNames[a.region]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnmappedRegion, a.region)
	}

	out, err := a.pricing.GetProductsWithContext(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		MaxResults:  aws.Int64(1),
		Filters: []*pricing.Filter{
			termMatch("instanceType", instanceType),
			termMatch("location", location),
			termMatch("operatingSystem", "Linux"),
			termMatch("tenancy", "Shared"),
			termMatch("preInstalledSw", "NA"),
			termMatch("capacitystatus", "Used"),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("cloudadapter: get products for %s/%s: %w", instanceType, a.region, err)
	}
	if len(out.PriceList) == 0 {
		return 0, fmt.Errorf("cloudadapter: no pricing catalog rows for %s/%s", instanceType, a.region)
	}

	return extractOnDemandPrice(out.PriceList[0])
}

func termMatch(field, value string) *pricing.Filter {
	return &pricing.Filter{
		Type:  aws.String(pricing.FilterTypeTermMatch),
		Field: aws.String(field),
		Value: aws.String(value),
	}
}

// extractOnDemandPrice walks the Pricing service's nested JSON shape:
// product.terms.OnDemand.<sku>.priceDimensions.<rateCode>.pricePerUnit.USD
func extractOnDemandPrice(product aws.JSONValue) (float64, error) {
	terms, ok := product["terms"].(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("cloudadapter: pricing response missing terms")
	}
	onDemand, ok := terms["OnDemand"].(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("cloudadapter: pricing response missing OnDemand term")
	}

	for _, skuVal := range onDemand {
		sku, ok := skuVal.(map[string]interface{})
		if !ok {
			continue
		}
		dims, ok := sku["priceDimensions"].(map[string]interface{})
		if !ok {
			continue
		}
		for _, dimVal := range dims {
			dim, ok := dimVal.(map[string]interface{})
			if !ok {
				continue
			}
			perUnit, ok := dim["pricePerUnit"].(map[string]interface{})
			if !ok {
				continue
			}
			usd, ok := perUnit["USD"].(string)
			if !ok {
				continue
			}
			price, err := strconv.ParseFloat(usd, 64)
			if err != nil {
				continue
			}
			return price, nil
		}
	}
	return 0, fmt.Errorf("cloudadapter: pricing response had no USD rate")
}

func tagsFromMap(m map[string]string) []*ec2.Tag {
	tags := make([]*ec2.Tag, 0, len(m))
	for k, v := range m {
		tags = append(tags, &ec2.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return tags
}

// IsThrottling reports whether err is, or wraps, an AWS API throttling
// error, useful for callers that want to distinguish transient rate
// limiting from a hard failure when deciding how loudly to log.
func IsThrottling(err error) bool {
	var awsErr awserr.Error
	if !errors.As(err, &awsErr) {
		return false
	}
	return strings.Contains(awsErr.Code(), "Throttling") || strings.Contains(awsErr.Code(), "RequestLimitExceeded")
}

package cloud

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"ci-scaler/internal/apperror"
	"ci-scaler/internal/types"
)

// MetricsNamespace is the CloudWatch namespace every published metric lands
// under.
const MetricsNamespace = "ci-storage/metrics"

// DryRunSuffix is appended to webhook response messages when no cloud
// mutation actually occurred because no AWS region could be detected.
const DryRunSuffix = "(DRY-RUN: no AWS metadata service)"

// Client is the AWS-backed cloud adapter: EC2 Auto Scaling Group control
// plus CloudWatch metric publication. A Client with no usable region runs
// in dry-run mode: IncrementDesired, TerminateInstance and PutMetricData
// return nil without calling AWS, and DescribeASG returns an
// UpstreamUnavailable error, mirroring the original
// implementation's behavior when the metadata service is unreachable
// (developer workstations, CI for this service itself).
type Client struct {
	asg      *autoscaling.Client
	cw       *cloudwatch.Client
	dryRun   bool
	resolver regionResolver
}

// NewClient resolves the AWS region (AWS_REGION env var, falling back to
// IMDSv2) and constructs the ASG/CloudWatch clients. If no region can be
// determined the returned Client runs in dry-run mode.
func NewClient(ctx context.Context) (*Client, error) {
	c := &Client{}
	region, ok := c.resolver.resolve(ctx, &http.Client{Timeout: imdsTimeout})
	if !ok {
		c.dryRun = true
		return c, nil
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeConfigInvalid, "load AWS config failed")
	}
	c.asg = autoscaling.NewFromConfig(cfg)
	c.cw = cloudwatch.NewFromConfig(cfg)
	return c, nil
}

// DryRun reports whether this client is operating with no reachable AWS
// region, in which case no method calls AWS (see Client).
func (c *Client) DryRun() bool {
	return c.dryRun
}

// DescribeASG fetches the named group's current capacity and bounds.
func (c *Client) DescribeASG(ctx context.Context, asgName string) (types.AsgDescription, error) {
	if c.dryRun {
		return types.AsgDescription{}, apperror.New(apperror.CodeUpstreamUnavailable, "dry-run: no AWS region detected")
	}

	out, err := c.asg.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{asgName},
	})
	if err != nil {
		return types.AsgDescription{}, apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "describe auto scaling group failed").WithDetails("asg_name", asgName)
	}
	if len(out.AutoScalingGroups) == 0 {
		return types.AsgDescription{}, apperror.New(apperror.CodeNotFound, "auto scaling group not found").WithDetails("asg_name", asgName)
	}

	g := out.AutoScalingGroups[0]
	return types.AsgDescription{
		DesiredCapacity: aws.ToInt32(g.DesiredCapacity),
		MinSize:         aws.ToInt32(g.MinSize),
		MaxSize:         aws.ToInt32(g.MaxSize),
	}, nil
}

// IncrementDesired adjusts asgName's desired capacity by inc, clamped to
// [min, max]. If AWS rejects the write because a concurrent change
// already pushed desired above max, it retries once at exactly max (same
// best-effort race handling as the original implementation).
func (c *Client) IncrementDesired(ctx context.Context, asgName string, inc int32) error {
	if c.dryRun {
		return nil
	}

	desc, err := c.DescribeASG(ctx, asgName)
	if err != nil {
		return err
	}
	target := desc.Clamp(desc.DesiredCapacity + inc)

	err = c.setDesiredCapacity(ctx, asgName, target)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "above") {
		return apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "set desired capacity failed").WithDetails("asg_name", asgName)
	}

	desc, descErr := c.DescribeASG(ctx, asgName)
	if descErr != nil {
		return descErr
	}
	if err := c.setDesiredCapacity(ctx, asgName, desc.MaxSize); err != nil {
		return apperror.Wrap(err, apperror.CodeCapacityConflict, "set desired capacity retry at max failed").WithDetails("asg_name", asgName)
	}
	return nil
}

func (c *Client) setDesiredCapacity(ctx context.Context, asgName string, desired int32) error {
	_, err := c.asg.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: aws.String(asgName),
		DesiredCapacity:      aws.Int32(desired),
	})
	return err
}

// TerminateInstance removes instanceID from its auto scaling group,
// decrementing desired capacity. If that would violate the group's min
// size, it retries without decrementing (same fallback as
// aws_autoscaling_terminate_instance in the original implementation). An
// instance already gone is treated as success.
func (c *Client) TerminateInstance(ctx context.Context, instanceID string) error {
	if c.dryRun {
		return nil
	}

	_, err := c.asg.TerminateInstanceInAutoScalingGroup(ctx, &autoscaling.TerminateInstanceInAutoScalingGroupInput{
		InstanceId:                     aws.String(instanceID),
		ShouldDecrementDesiredCapacity: aws.Bool(true),
	})
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "ShouldDecrementDesiredCapacity") || strings.Contains(msg, "shouldDecrementDesiredCapacity"):
		_, err = c.asg.TerminateInstanceInAutoScalingGroup(ctx, &autoscaling.TerminateInstanceInAutoScalingGroupInput{
			InstanceId:                     aws.String(instanceID),
			ShouldDecrementDesiredCapacity: aws.Bool(false),
		})
		if err != nil {
			return apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "terminate instance retry failed").WithDetails("instance_id", instanceID)
		}
		return nil
	case strings.Contains(msg, "not found") || strings.Contains(msg, "NotFound"):
		return nil
	default:
		return apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "terminate instance failed").WithDetails("instance_id", instanceID)
	}
}

// PutMetricData publishes one datapoint per (name, value) pair in metrics,
// all sharing the same dimension set, at 1-second storage resolution.
func (c *Client) PutMetricData(ctx context.Context, metrics map[string]int, dimensions map[string]string) error {
	if c.dryRun || len(metrics) == 0 {
		return nil
	}

	dims := make([]cwtypes.Dimension, 0, len(dimensions))
	for name, value := range dimensions {
		dims = append(dims, cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)})
	}

	data := make([]cwtypes.MetricDatum, 0, len(metrics))
	for name, value := range metrics {
		data = append(data, cwtypes.MetricDatum{
			MetricName:        aws.String(name),
			Value:             aws.Float64(float64(value)),
			Unit:              cwtypes.StandardUnitNone,
			StorageResolution: aws.Int32(1),
			Dimensions:        dims,
		})
	}

	_, err := c.cw.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(MetricsNamespace),
		MetricData: data,
	})
	if err != nil {
		return apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "put metric data failed")
	}
	return nil
}

// ErrDryRun names the dry-run condition. No Client method returns it:
// dry-run calls return nil, except DescribeASG, which returns an
// UpstreamUnavailable apperror; callers use DryRun to tell the cases apart.
var ErrDryRun = errors.New("cloud: dry-run, no AWS region detected")

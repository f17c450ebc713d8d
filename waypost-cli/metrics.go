package waypostcli

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
)

const metricsNamespace = "waypost-services"

type Metrics struct {
	service    Service
	cloudwatch cloudwatchiface.CloudWatchAPI
}

func NewMetrics(service Service, cloudwatch cloudwatchiface.CloudWatchAPI) Metrics {
	return Metrics{
		service,
		cloudwatch,
	}
}

// BuildMetrics creates Metrics backed by a CloudWatch client from the default
// AWS session.
func BuildMetrics(service Service) Metrics {
	sess := session.Must(session.NewSession(aws.NewConfig()))
	return NewMetrics(service, cloudwatch.New(sess))
}

type MetricName string

const (
	RegistrySizeMetric MetricName = "RegistrySize"
	TicketCountMetric  MetricName = "TicketCount"
	EvictedMetric      MetricName = "EvictedConnections"
	ExpiredMetric      MetricName = "ExpiredTickets"
	SweepTimeMetric    MetricName = "SweepTime"
)

type DimensionName string

const (
	ServiceNameDimension    DimensionName = "Service"
	ServiceVersionDimension DimensionName = "Version"
	EnvDimension            DimensionName = "Env"
)

func defaultDimensions(service Service) map[DimensionName]string {
	return map[DimensionName]string{
		ServiceNameDimension:    service.Name,
		ServiceVersionDimension: service.Version,
		EnvDimension:            CommonOpts.Env,
	}
}

func mapToDimensions(ms ...map[DimensionName]string) []*cloudwatch.Dimension {
	var dimensions []*cloudwatch.Dimension
	for _, ds := range ms {
		for k, v := range ds {
			if v == "" {
				continue
			}
			dimensions = append(dimensions, &cloudwatch.Dimension{
				Name:  aws.String(string(k)),
				Value: aws.String(v),
			})
		}
	}
	return dimensions
}

func (m Metrics) put(ctx context.Context, name MetricName, unit string, value float64, dimensions []map[DimensionName]string) error {
	awsDimensions := mapToDimensions(append(dimensions, defaultDimensions(m.service))...)
	_, err := m.cloudwatch.PutMetricDataWithContext(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(metricsNamespace),
		MetricData: []*cloudwatch.MetricDatum{
			{
				MetricName: aws.String(string(name)),
				Timestamp:  aws.Time(time.Now()),
				Unit:       aws.String(unit),
				Value:      aws.Float64(value),
				Dimensions: awsDimensions,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("couldn't publish %v: %w", name, err)
	}
	return nil
}

func (m Metrics) Timing(ctx context.Context, name MetricName, start time.Time, dimensions ...map[DimensionName]string) error {
	return m.put(ctx, name, cloudwatch.StandardUnitMilliseconds, float64(time.Since(start).Milliseconds()), dimensions)
}

func (m Metrics) Gauge(ctx context.Context, name MetricName, value float64, dimensions ...map[DimensionName]string) error {
	return m.put(ctx, name, cloudwatch.StandardUnitNone, value, dimensions)
}

func (m Metrics) Count(ctx context.Context, name MetricName, value float64, dimensions ...map[DimensionName]string) error {
	return m.put(ctx, name, cloudwatch.StandardUnitCount, value, dimensions)
}

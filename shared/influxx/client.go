package influxx

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"rootsense/shared/config"
)

const MeasurementTreeHealth = "tree_health"

type Client struct {
	client influxdb2.Client
	org    string
	bucket string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS))
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, org: cfg.InfluxOrg, bucket: cfg.InfluxBucket}, nil
}

func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	p := influxdb2.NewPoint(measurement, tags, fields, ts)
	writeAPI := c.client.WriteAPIBlocking(c.org, c.bucket)
	return writeAPI.WritePoint(ctx, p)
}

// WriteTreeHealth records one analysis sample for a tree.
func (c *Client) WriteTreeHealth(ctx context.Context, treeID string, location string, health string, greenCoverage float64, leafDensity float64, ts time.Time) error {
	return c.WritePoint(ctx, MeasurementTreeHealth,
		map[string]string{
			"tree_id":  treeID,
			"location": location,
			"health":   health,
		},
		map[string]any{
			"green_coverage": greenCoverage,
			"leaf_density":   leafDensity,
		},
		ts,
	)
}

func (c *Client) Query(ctx context.Context, flux string) (*api.QueryTableResult, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("influx client not initialized")
	}
	return c.client.QueryAPI(c.org).Query(ctx, flux)
}

// HealthTrendFlux builds the monthly mean green-coverage query over the
// trailing window.
func (c *Client) HealthTrendFlux(months int) string {
	if months <= 0 {
		months = 6
	}
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%dmo)
  |> filter(fn: (r) => r._measurement == %q and r._field == "green_coverage")
  |> aggregateWindow(every: 1mo, fn: mean, createEmpty: false)
  |> group(columns: ["_time"])
  |> mean()`, c.bucket, months, MeasurementTreeHealth)
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}

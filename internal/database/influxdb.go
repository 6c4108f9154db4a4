package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cosched/internal/config"
	"cosched/internal/logging"
	"cosched/internal/trace"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

const (
	traceMeasurement   = "cosched_trace"
	summaryMeasurement = "cosched_run"
	writeBatchSize     = 5000
)

// PointWriter is the subset of the InfluxDB blocking write API the exporter uses.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI PointWriter
	bucket   string
	org      string
}

func NewInfluxDBClient(cfg config.DatabaseConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}
	if health.Status != "pass" {
		message := ""
		if health.Message != nil {
			message = *health.Message
		}
		logger.WithFields(logrus.Fields{
			"host":    cfg.Host,
			"status":  health.Status,
			"message": message,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb at %s is not healthy: %s", cfg.Host, health.Status)
	}

	var writeAPI api.WriteAPIBlocking = client.WriteAPIBlocking(cfg.Org, cfg.Bucket)

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Bucket,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: writeAPI,
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// WriteTrace exports every trace record as one point, timestamped at the run start
// plus the record's elapsed time.
func (idb *InfluxDBClient) WriteTrace(ctx context.Context, summary *RunSummary, records []trace.Record) error {
	points := TracePoints(summary, records)
	for start := 0; start < len(points); start += writeBatchSize {
		end := min(start+writeBatchSize, len(points))
		if err := idb.writeAPI.WritePoint(ctx, points[start:end]...); err != nil {
			return fmt.Errorf("failed to write trace points: %w", err)
		}
	}
	return nil
}

func (idb *InfluxDBClient) WriteSummary(ctx context.Context, summary *RunSummary) error {
	if err := idb.writeAPI.WritePoint(ctx, SummaryPoint(summary)); err != nil {
		return fmt.Errorf("failed to write run summary: %w", err)
	}
	return nil
}

// TracePoints converts records into points tagged with the run id, pid and core.
func TracePoints(summary *RunSummary, records []trace.Record) []*write.Point {
	points := make([]*write.Point, 0, len(records))
	for _, rec := range records {
		point := influxdb2.NewPoint(traceMeasurement,
			map[string]string{
				"run_id":    summary.RunID,
				"scheduler": summary.Scheduler,
				"pid":       strconv.Itoa(rec.PID),
				"core":      strconv.Itoa(rec.Core),
			},
			map[string]interface{}{
				"elapsed_ns": rec.Elapsed,
				"utime":      rec.UTime,
				"stime":      rec.STime,
				"noise":      rec.Noise,
				"idle_ns":    rec.Idle,
			},
			summary.StartTime.Add(time.Duration(rec.Elapsed)))
		points = append(points, point)
	}
	return points
}

func SummaryPoint(summary *RunSummary) *write.Point {
	return influxdb2.NewPoint(summaryMeasurement,
		map[string]string{
			"run_id":    summary.RunID,
			"scheduler": summary.Scheduler,
		},
		map[string]interface{}{
			"config_checksum":  summary.ConfigChecksum,
			"hostname":         summary.Hostname,
			"kernel_version":   summary.KernelVersion,
			"cpu_model":        summary.CPUModel,
			"cpus":             config.FormatCPUSpec(summary.CPUs),
			"members":          len(summary.Members),
			"victims":          len(summary.Victims),
			"iterations":       summary.Iterations,
			"rebalances":       summary.Rebalances,
			"records":          summary.Records,
			"duration_seconds": summary.EndTime.Sub(summary.StartTime).Seconds(),
			"run_started":      summary.StartTime.Format(time.RFC3339),
			"run_finished":     summary.EndTime.Format(time.RFC3339),
			"exit_reason":      summary.ExitReason,
		},
		summary.EndTime)
}

func (idb *InfluxDBClient) Close() {
	if idb.client != nil {
		idb.client.Close()
	}
}

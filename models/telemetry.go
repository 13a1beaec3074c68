package models

import "time"

// TelemetryEntry is one timestamped performance sample emitted by a
// device's wrapper process during a run. Entries are append-only; the
// experiment record is a read projection over them.
//
// Wire format is one JSON object per log line:
//
//	{"runId":"...","deviceId":"...","metric":"inference_ms","value":41.7,"timestamp":"2024-03-01T12:00:00Z"}
//
// Unknown metric names pass through untyped, never rejected.
type TelemetryEntry struct {
	RunID     string    `json:"runId"`
	DeviceID  string    `json:"deviceId"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricSummary aggregates all samples of one metric on one device.
type MetricSummary struct {
	Metric string  `json:"metric"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Last   float64 `json:"last"`
}

// DeviceRecord groups a run's metric summaries for one device.
type DeviceRecord struct {
	DeviceID string                   `json:"deviceId"`
	Metrics  map[string]MetricSummary `json:"metrics"`
}

// ExperimentRecord is the unified, replicable record of one run:
// telemetry grouped by device and metric. Recomputable from stored
// entries at any time.
type ExperimentRecord struct {
	RunID   string                  `json:"runId"`
	Devices map[string]DeviceRecord `json:"devices"`

	// Entries is the total number of samples behind the record
	Entries int `json:"entries"`
}

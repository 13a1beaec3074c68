package telemetry

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/bramblectl/bramble/models"
)

// Collector ingests telemetry log streams and exposes the aggregate
// experiment record. Live subscribers (the websocket stream) receive
// entries as they are ingested.
type Collector struct {
	store  Store
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]map[chan models.TelemetryEntry]struct{}
}

// NewCollector creates a collector over the given store.
func NewCollector(store Store, logger *zap.Logger) *Collector {
	return &Collector{
		store:  store,
		logger: logger,
		subs:   make(map[string]map[chan models.TelemetryEntry]struct{}),
	}
}

// Ingest parses a telemetry log stream line by line and appends the
// entries for (runID, deviceID). Malformed lines are skipped and
// counted, never fatal. Returns lines ingested and lines skipped.
func (c *Collector) Ingest(runID, deviceID string, r io.Reader) (int, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var entries []models.TelemetryEntry
	skipped := 0

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e models.TelemetryEntry
		if err := json.Unmarshal(line, &e); err != nil || e.Metric == "" {
			skipped++
			continue
		}
		// The wrapper usually stamps both IDs; fill them in when it
		// does not so correlation never depends on the remote side.
		if e.RunID == "" {
			e.RunID = runID
		}
		if e.DeviceID == "" {
			e.DeviceID = deviceID
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return len(entries), skipped, fmt.Errorf("failed to read telemetry stream: %w", err)
	}

	if err := c.store.AppendEntries(runID, entries); err != nil {
		return 0, skipped, err
	}

	c.publish(runID, entries)

	if skipped > 0 {
		c.logger.Warn("skipped malformed telemetry lines",
			zap.String("run", runID),
			zap.String("device", deviceID),
			zap.Int("skipped", skipped))
	}

	return len(entries), skipped, nil
}

// Aggregate groups a run's stored entries by device and metric. It is
// a pure read projection: idempotent and re-computable at any time.
func (c *Collector) Aggregate(runID string) (*models.ExperimentRecord, error) {
	entries, err := c.store.Entries(runID)
	if err != nil {
		return nil, err
	}

	record := &models.ExperimentRecord{
		RunID:   runID,
		Devices: make(map[string]models.DeviceRecord),
		Entries: len(entries),
	}

	sums := make(map[string]map[string]float64)

	for _, e := range entries {
		dev, ok := record.Devices[e.DeviceID]
		if !ok {
			dev = models.DeviceRecord{
				DeviceID: e.DeviceID,
				Metrics:  make(map[string]models.MetricSummary),
			}
			sums[e.DeviceID] = make(map[string]float64)
		}

		m, ok := dev.Metrics[e.Metric]
		if !ok {
			m = models.MetricSummary{Metric: e.Metric, Min: e.Value, Max: e.Value}
		}
		m.Count++
		if e.Value < m.Min {
			m.Min = e.Value
		}
		if e.Value > m.Max {
			m.Max = e.Value
		}
		m.Last = e.Value
		sums[e.DeviceID][e.Metric] += e.Value
		m.Mean = sums[e.DeviceID][e.Metric] / float64(m.Count)

		dev.Metrics[e.Metric] = m
		record.Devices[e.DeviceID] = dev
	}

	return record, nil
}

// ExportCSV writes a run's raw entries as CSV, one sample per row.
func (c *Collector) ExportCSV(runID string, w io.Writer) error {
	entries, err := c.store.Entries(runID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"run_id", "device_id", "metric", "value", "timestamp"}); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			e.RunID,
			e.DeviceID,
			e.Metric,
			strconv.FormatFloat(e.Value, 'f', -1, 64),
			e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Subscribe returns a channel that receives entries ingested for the
// run from now on, plus a cancel function. Slow subscribers drop
// entries rather than blocking ingestion.
func (c *Collector) Subscribe(runID string) (<-chan models.TelemetryEntry, func()) {
	ch := make(chan models.TelemetryEntry, 256)

	c.mu.Lock()
	if c.subs[runID] == nil {
		c.subs[runID] = make(map[chan models.TelemetryEntry]struct{})
	}
	c.subs[runID][ch] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if set, ok := c.subs[runID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(c.subs, runID)
			}
		}
		c.mu.Unlock()
	}

	return ch, cancel
}

func (c *Collector) publish(runID string, entries []models.TelemetryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.subs[runID]
	if !ok {
		return
	}
	for ch := range set {
		for _, e := range entries {
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// MetricNames returns the sorted metric names present in a record.
func MetricNames(record *models.ExperimentRecord) []string {
	seen := make(map[string]struct{})
	for _, dev := range record.Devices {
		for name := range dev.Metrics {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

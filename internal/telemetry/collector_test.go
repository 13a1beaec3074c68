package telemetry

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bramblectl/bramble/models"
)

func newTestCollector(t *testing.T) (*Collector, *BadgerStore) {
	t.Helper()
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() }) //nolint:errcheck
	return NewCollector(store, zap.NewNop()), store
}

const sampleLog = `{"metric":"wall_time_s","value":12.4,"timestamp":"2026-08-29T10:00:00Z"}
{"metric":"exit_code","value":0,"timestamp":"2026-08-29T10:00:01Z"}
{"metric":"inference_ms","value":31.7,"timestamp":"2026-08-29T10:00:02Z"}
`

func TestIngest_ParsesAndStamps(t *testing.T) {
	c, store := newTestCollector(t)

	ingested, skipped, err := c.Ingest("run-1", "dev-a", strings.NewReader(sampleLog))
	require.NoError(t, err)
	assert.Equal(t, 3, ingested)
	assert.Equal(t, 0, skipped)

	entries, err := store.Entries("run-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, "run-1", e.RunID)
		assert.Equal(t, "dev-a", e.DeviceID)
	}
	assert.Equal(t, "wall_time_s", entries[0].Metric)
	assert.Equal(t, 12.4, entries[0].Value)
}

func TestIngest_SkipsMalformedLines(t *testing.T) {
	c, _ := newTestCollector(t)

	log := `{"metric":"wall_time_s","value":10}
not json at all
{"value":3.2}

{"metric":"exit_code","value":0}
`
	ingested, skipped, err := c.Ingest("run-1", "dev-a", strings.NewReader(log))
	require.NoError(t, err)
	// The blank line is ignored outright; the junk line and the entry
	// without a metric name are counted as skipped.
	assert.Equal(t, 2, ingested)
	assert.Equal(t, 2, skipped)
}

func TestIngest_AppendsAcrossCalls(t *testing.T) {
	c, store := newTestCollector(t)

	_, _, err := c.Ingest("run-1", "dev-a", strings.NewReader(`{"metric":"m","value":1}`+"\n"))
	require.NoError(t, err)
	_, _, err = c.Ingest("run-1", "dev-b", strings.NewReader(`{"metric":"m","value":2}`+"\n"))
	require.NoError(t, err)

	entries, err := store.Entries("run-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "dev-a", entries[0].DeviceID)
	assert.Equal(t, "dev-b", entries[1].DeviceID)
}

func TestAggregate_GroupsByDeviceAndMetric(t *testing.T) {
	c, _ := newTestCollector(t)

	logA := `{"metric":"inference_ms","value":30}
{"metric":"inference_ms","value":40}
{"metric":"inference_ms","value":20}
`
	logB := `{"metric":"inference_ms","value":100}
`
	_, _, err := c.Ingest("run-1", "dev-a", strings.NewReader(logA))
	require.NoError(t, err)
	_, _, err = c.Ingest("run-1", "dev-b", strings.NewReader(logB))
	require.NoError(t, err)

	record, err := c.Aggregate("run-1")
	require.NoError(t, err)

	assert.Equal(t, 4, record.Entries)
	require.Contains(t, record.Devices, "dev-a")
	require.Contains(t, record.Devices, "dev-b")

	m := record.Devices["dev-a"].Metrics["inference_ms"]
	assert.Equal(t, 3, m.Count)
	assert.Equal(t, 20.0, m.Min)
	assert.Equal(t, 40.0, m.Max)
	assert.Equal(t, 30.0, m.Mean)
	assert.Equal(t, 20.0, m.Last)
}

func TestAggregate_Idempotent(t *testing.T) {
	c, _ := newTestCollector(t)

	_, _, err := c.Ingest("run-1", "dev-a", strings.NewReader(sampleLog))
	require.NoError(t, err)

	first, err := c.Aggregate("run-1")
	require.NoError(t, err)
	second, err := c.Aggregate("run-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAggregate_EmptyRun(t *testing.T) {
	c, _ := newTestCollector(t)

	record, err := c.Aggregate("no-entries")
	require.NoError(t, err)
	assert.Equal(t, 0, record.Entries)
	assert.Empty(t, record.Devices)
}

func TestExportCSV(t *testing.T) {
	c, _ := newTestCollector(t)

	_, _, err := c.Ingest("run-1", "dev-a", strings.NewReader(sampleLog))
	require.NoError(t, err)

	var sb strings.Builder
	require.NoError(t, c.ExportCSV("run-1", &sb))

	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "run_id,device_id,metric,value,timestamp", lines[0])
	assert.Contains(t, lines[1], "wall_time_s")
	assert.Contains(t, lines[1], "12.4")
}

func TestSubscribe_ReceivesIngestedEntries(t *testing.T) {
	c, _ := newTestCollector(t)

	ch, cancel := c.Subscribe("run-1")
	defer cancel()

	_, _, err := c.Ingest("run-1", "dev-a", strings.NewReader(`{"metric":"m","value":1}`+"\n"))
	require.NoError(t, err)

	select {
	case e := <-ch:
		assert.Equal(t, "m", e.Metric)
		assert.Equal(t, "dev-a", e.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("no entry received")
	}
}

func TestSubscribe_CancelStopsDelivery(t *testing.T) {
	c, _ := newTestCollector(t)

	ch, cancel := c.Subscribe("run-1")
	cancel()

	// The channel closes on cancel and later ingests must not panic.
	_, open := <-ch
	assert.False(t, open)

	_, _, err := c.Ingest("run-1", "dev-a", strings.NewReader(`{"metric":"m","value":1}`+"\n"))
	assert.NoError(t, err)
}

func TestStore_RunRecordRoundTrip(t *testing.T) {
	_, store := newTestCollector(t)

	now := time.Now().UTC().Truncate(time.Second)
	run := &models.RunRecord{
		ID:           "run-1",
		ExperimentID: "exp-1",
		LANID:        "lan-1",
		Status:       models.RunInProgress,
		StartedAt:    now,
		Bindings: []models.BindingState{
			{ConstraintIndex: 0, DeviceID: "dev-a", Status: models.BindingPending},
		},
	}
	require.NoError(t, store.SaveRun(run))

	got, err := store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, run.ExperimentID, got.ExperimentID)
	assert.Equal(t, models.RunInProgress, got.Status)
	require.Len(t, got.Bindings, 1)
	assert.Equal(t, "dev-a", got.Bindings[0].DeviceID)
}

func TestStore_GetRunNotFound(t *testing.T) {
	_, store := newTestCollector(t)

	_, err := store.GetRun("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStore_ListRuns(t *testing.T) {
	_, store := newTestCollector(t)

	for _, id := range []string{"run-1", "run-2"} {
		require.NoError(t, store.SaveRun(&models.RunRecord{ID: id, Status: models.RunSucceeded}))
	}

	runs, err := store.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestMetricNames_Sorted(t *testing.T) {
	record := &models.ExperimentRecord{
		Devices: map[string]models.DeviceRecord{
			"a": {Metrics: map[string]models.MetricSummary{"z": {}, "b": {}}},
			"c": {Metrics: map[string]models.MetricSummary{"b": {}, "a": {}}},
		},
	}
	assert.Equal(t, []string{"a", "b", "z"}, MetricNames(record))
}

package internal

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"
)

var _ pipeline.Recorder = (*Metrics)(nil)

func TestMetricsNamespaceAndCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, "Hobbes-Processor")
	require.NoError(t, err)

	m.FileProcessed("manifest")
	m.FileProcessed("manifest")
	m.StageError("analysis", "StorageError")
	m.IncDeadLetter("file_processing")
	m.ObserveDuration("analysis", 250*time.Millisecond)
	m.IncRequest("github")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.processed.WithLabelValues("manifest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageErrors.WithLabelValues("analysis", "StorageError")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetters.WithLabelValues("file_processing")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "hobbes_processor_files_processed_total")
	assert.Contains(t, names, "hobbes_processor_processing_duration_seconds")
	assert.Contains(t, names, "hobbes_processor_webhook_requests_total")
}

func TestMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg, "hobbes")
	require.NoError(t, err)
	_, err = NewMetrics(reg, "hobbes")
	require.Error(t, err)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.FileProcessed("manifest")
	m.IncPublishError("kafka")
}

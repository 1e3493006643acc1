package pipeline

import "time"

// Stage names used for metrics labels.
const (
	StageWebhook  = "webhook"
	StageManifest = "manifest_builder"
	StageAnalysis = "analysis_fanout"
)

// Recorder receives per-stage counters and timings.
type Recorder interface {
	FileProcessed(stage string)
	StageError(stage, kind string)
	ObserveDuration(stage string, d time.Duration)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) FileProcessed(string)                  {}
func (NopRecorder) StageError(string, string)             {}
func (NopRecorder) ObserveDuration(string, time.Duration) {}

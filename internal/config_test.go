package internal

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadConfigDefaults tests that the default values are applied correctly when loading a config.
func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write app config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.AppConfig.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.AppConfig.Server.Port)
	}
	if cfg.AppConfig.Server.WebhookPath != "/webhooks/github/" {
		t.Fatalf("expected default webhook path, got %q", cfg.AppConfig.Server.WebhookPath)
	}
	if cfg.AppConfig.Watermill.Driver != "gochannel" {
		t.Fatalf("expected default watermill driver, got %q", cfg.AppConfig.Watermill.Driver)
	}
	if len(cfg.AppConfig.Watermill.Drivers) != 0 {
		t.Fatalf("expected no default drivers, got %v", cfg.AppConfig.Watermill.Drivers)
	}
	if cfg.AppConfig.Watermill.GoChannel.OutputChannelBuffer != 64 {
		t.Fatalf("expected default gochannel output buffer, got %d", cfg.AppConfig.Watermill.GoChannel.OutputChannelBuffer)
	}
	if cfg.AppConfig.Watermill.HTTP.Mode != "topic_url" {
		t.Fatalf("expected default http mode topic_url, got %q", cfg.AppConfig.Watermill.HTTP.Mode)
	}
	if cfg.Topics.FileProcessing != "file_processing" || cfg.Topics.FileDeadLetter != "file_processing_dlq" {
		t.Fatalf("unexpected file topics: %+v", cfg.Topics)
	}
	if cfg.Topics.ManifestEvents != "manifest_events" || cfg.Topics.ManifestDeadLetter != "manifest_events_dlq" {
		t.Fatalf("unexpected manifest topics: %+v", cfg.Topics)
	}
	if cfg.Worker.MaxRetries != 3 || cfg.Worker.StoreAttempts != 3 || cfg.Worker.StoreBaseDelayMS != 1000 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Worker)
	}
	if cfg.Watermill.RiverQueue.Kind != "hobbes_commit" || cfg.Watermill.RiverQueue.MaxAttempts != 3 {
		t.Fatalf("unexpected riverqueue defaults: %+v", cfg.Watermill.RiverQueue)
	}
	if cfg.ServiceName != "hobbes" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
}

// TestLoadConfigExpandsEnv tests that ${VAR} references are substituted before parsing.
func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("HOBBES_TEST_BUCKET", "commits-bucket")
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	content := "object_store:\n  driver: s3\n  bucket: ${HOBBES_TEST_BUCKET}\ntopics:\n  file_processing: files\nworker:\n  max_retries: 5\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write app config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ObjectStore.Bucket != "commits-bucket" {
		t.Fatalf("expected expanded bucket, got %q", cfg.ObjectStore.Bucket)
	}
	if cfg.Topics.FileDeadLetter != "files_dlq" {
		t.Fatalf("expected dead-letter topic derived from files, got %q", cfg.Topics.FileDeadLetter)
	}
	if cfg.Watermill.RiverQueue.MaxAttempts != 5 {
		t.Fatalf("expected river max attempts to follow max_retries, got %d", cfg.Watermill.RiverQueue.MaxAttempts)
	}
}

// TestLoadConfigInvalidRule tests that loading a config with an invalid rule returns an error.
func TestLoadConfigInvalidRule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "rules:\n  - when: event_type == \"push\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write rules config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for missing emit")
	}
}

// TestLoadConfigTrimsFields tests that the fields in a rule are trimmed correctly.
func TestLoadConfigTrimsFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "rules:\n  - when: \"  full_scan == true  \"\n    emit: \"  repo.setup  \"\n  - when: \"event_type == 'push'\"\n    emit: [\" audit \", \"\", \"mirror\"]\n    drivers: [\" kafka \"]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write rules config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load rules config: %v", err)
	}
	if cfg.Rules[0].When != "full_scan == true" {
		t.Fatalf("expected trimmed when, got %q", cfg.Rules[0].When)
	}
	if len(cfg.Rules[0].Emit) != 1 || cfg.Rules[0].Emit[0] != "repo.setup" {
		t.Fatalf("expected trimmed emit, got %q", cfg.Rules[0].Emit)
	}
	if len(cfg.Rules[1].Emit) != 2 || cfg.Rules[1].Emit[0] != "audit" || cfg.Rules[1].Emit[1] != "mirror" {
		t.Fatalf("expected emit list without blanks, got %q", cfg.Rules[1].Emit)
	}
	if len(cfg.Rules[1].Drivers) != 1 || cfg.Rules[1].Drivers[0] != "kafka" {
		t.Fatalf("expected trimmed drivers, got %q", cfg.Rules[1].Drivers)
	}
}

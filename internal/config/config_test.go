package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromYAML(t *testing.T) {
	cfg, err := FromYAML([]byte(`
broker:
  submission_deadline: 45m
  max_attempts: 5
  sweep_interval: 30s
webhooks:
  - url: https://example.com/hook
    events: [worker_assigned]
    timeout_seconds: 10
`))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if got := cfg.SubmissionDeadline(); got != 45*time.Minute {
		t.Errorf("submission deadline = %v, want 45m", got)
	}
	if got := cfg.MaxAttempts(); got != 5 {
		t.Errorf("max attempts = %d, want 5", got)
	}
	if got := cfg.SweepInterval(); got != 30*time.Second {
		t.Errorf("sweep interval = %v, want 30s", got)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].URL != "https://example.com/hook" {
		t.Errorf("webhooks = %+v", cfg.Webhooks)
	}
}

func TestDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.SubmissionDeadline(); got != 3*time.Hour {
		t.Errorf("submission deadline default = %v, want 3h", got)
	}
	if got := cfg.MaxAttempts(); got != 3 {
		t.Errorf("max attempts default = %d, want 3", got)
	}
	if got := cfg.SweepInterval(); got != time.Minute {
		t.Errorf("sweep interval default = %v, want 1m", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad deadline", "broker:\n  submission_deadline: soon\n"},
		{"negative deadline", "broker:\n  submission_deadline: -1h\n"},
		{"negative attempts", "broker:\n  max_attempts: -2\n"},
		{"bad interval", "broker:\n  sweep_interval: often\n"},
		{"webhook without url", "webhooks:\n  - events: [worker_assigned]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromYAML([]byte(tc.yaml)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.MaxAttempts(); got != 3 {
		t.Errorf("max attempts = %d, want 3", got)
	}
}

func TestLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte("broker:\n  max_attempts: 2\n")
	if err := os.WriteFile(filepath.Join(dir, "taskline.yml"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.MaxAttempts(); got != 2 {
		t.Errorf("max attempts = %d, want 2", got)
	}
}

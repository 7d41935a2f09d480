package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if len(cfg.Workflow.Donation) != 7 {
		t.Fatalf("expected 7 donation templates, got %d", len(cfg.Workflow.Donation))
	}
	if len(cfg.Workflow.Participant) != 3 {
		t.Fatalf("expected 3 participant templates, got %d", len(cfg.Workflow.Participant))
	}
	if len(cfg.Workflow.AIAppraisal) != 3 {
		t.Fatalf("expected 3 appraisal templates, got %d", len(cfg.Workflow.AIAppraisal))
	}
	if cfg.FreshnessWindow() != 300 {
		t.Fatalf("expected 300s freshness window, got %d", cfg.FreshnessWindow())
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("parse generated template: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("generated template should validate: %v", err)
	}
	if cfg.Org.ID != "default-org" {
		t.Fatalf("unexpected org %s", cfg.Org.ID)
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load without file: %v", err)
	}
	if len(cfg.Workflow.Donation) == 0 {
		t.Fatalf("fallback config missing donation chain")
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	custom := `org:
  id: acme
workflow:
  donation:
    - slug: only-step
      title: "Single step"
      type: commitment_decision
      role: donor
webhooks:
  freshness_window_seconds: 60
`
	if err := os.WriteFile(filepath.Join(dir, "giftflow.yml"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Org.ID != "acme" || len(cfg.Workflow.Donation) != 1 {
		t.Fatalf("workspace file not honored: org=%s chains=%d", cfg.Org.ID, len(cfg.Workflow.Donation))
	}
	if cfg.FreshnessWindow() != 60 {
		t.Fatalf("freshness window not honored: %d", cfg.FreshnessWindow())
	}
}

func TestValidateRejectsBadTemplates(t *testing.T) {
	cases := []struct {
		name  string
		mutil func(*Config)
	}{
		{"empty donation chain", func(c *Config) { c.Workflow.Donation = nil }},
		{"missing slug", func(c *Config) { c.Workflow.Donation[0].Slug = "" }},
		{"duplicate slug", func(c *Config) { c.Workflow.Donation[1].Slug = c.Workflow.Donation[0].Slug }},
		{"unknown type", func(c *Config) { c.Workflow.Donation[0].Type = "teleportation" }},
		{"unknown role", func(c *Config) { c.Workflow.Donation[0].Role = "bystander" }},
		{"negative freshness", func(c *Config) { c.Webhooks.FreshnessWindowSeconds = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutil(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

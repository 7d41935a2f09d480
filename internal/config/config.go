package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"giftflow/internal/domain"
)

// Config models giftflow.yml: the workflow catalogs that the task factory
// seeds from, plus webhook settings.
type Config struct {
	Org struct {
		ID string `yaml:"id"`
	} `yaml:"org"`
	Workflow struct {
		Donation    []TaskTemplate `yaml:"donation"`
		Participant []TaskTemplate `yaml:"participant"`
		// AIAppraisal is appended behind an invitation task when the donor
		// opts into the automated appraisal path.
		AIAppraisal []TaskTemplate `yaml:"ai_appraisal"`
	} `yaml:"workflow"`
	Webhooks struct {
		// FreshnessWindowSeconds bounds how old an inbound webhook timestamp
		// may be before the payload is rejected as stale.
		FreshnessWindowSeconds int `yaml:"freshness_window_seconds"`
		// Outbound subscriptions receive audit events as they are appended.
		Outbound []OutboundWebhook `yaml:"outbound"`
	} `yaml:"webhooks"`
	Providers struct {
		Signing   ProviderConfig `yaml:"signing"`
		Valuation ProviderConfig `yaml:"valuation"`
	} `yaml:"providers"`
}

// OutboundWebhook subscribes an external URL to audit events.
type OutboundWebhook struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// ProviderConfig points at an external service.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// TaskTemplate describes one step of a seeded workflow chain.
type TaskTemplate struct {
	Slug        string `yaml:"slug"`
	Title       string `yaml:"title"`
	Type        string `yaml:"type"`
	Role        string `yaml:"role"`
	Priority    string `yaml:"priority"`
	Description string `yaml:"description"`
}

var validRoles = map[string]bool{
	string(domain.RoleDonor):          true,
	string(domain.RoleNonprofitAdmin): true,
	string(domain.RoleAppraiser):      true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Workflow.Donation) == 0 {
		return fmt.Errorf("config.workflow.donation must contain at least one task template")
	}
	for name, chain := range map[string][]TaskTemplate{
		"donation":     c.Workflow.Donation,
		"participant":  c.Workflow.Participant,
		"ai_appraisal": c.Workflow.AIAppraisal,
	} {
		seen := map[string]bool{}
		for i, tpl := range chain {
			if tpl.Slug == "" {
				return fmt.Errorf("workflow.%s[%d]: slug is required", name, i)
			}
			if seen[tpl.Slug] {
				return fmt.Errorf("workflow.%s: duplicate slug %s", name, tpl.Slug)
			}
			seen[tpl.Slug] = true
			if tpl.Title == "" {
				return fmt.Errorf("workflow.%s.%s: title is required", name, tpl.Slug)
			}
			if !domain.TaskType(tpl.Type).Known() {
				return fmt.Errorf("workflow.%s.%s: unknown task type %q", name, tpl.Slug, tpl.Type)
			}
			if !validRoles[tpl.Role] {
				return fmt.Errorf("workflow.%s.%s: unknown role %q", name, tpl.Slug, tpl.Role)
			}
		}
	}
	if c.Webhooks.FreshnessWindowSeconds < 0 {
		return fmt.Errorf("webhooks.freshness_window_seconds must not be negative")
	}
	return nil
}

// FreshnessWindowSeconds returns the configured window, defaulting to five
// minutes.
func (c *Config) FreshnessWindow() int {
	if c.Webhooks.FreshnessWindowSeconds == 0 {
		return 300
	}
	return c.Webhooks.FreshnessWindowSeconds
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "giftflow.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in workflow catalog.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `org:
  id: default-org

workflow:
  donation:
    - slug: commitment
      title: "Confirm donation commitment"
      type: commitment_decision
      role: donor
      priority: high
      description: "Donor confirms the intent to donate equity to the campaign"
    - slug: invite-appraiser
      title: "Choose an appraisal path"
      type: invitation
      role: donor
      priority: high
      description: "Invite an independent appraiser or opt into AI appraisal"
    - slug: upload-documents
      title: "Upload equity documents"
      type: document_upload
      role: donor
      priority: medium
    - slug: review-documents
      title: "Review uploaded documents"
      type: document_review
      role: nonprofit_admin
      priority: medium
    - slug: sign-agreement
      title: "Sign the donation agreement"
      type: document_signing
      role: donor
      priority: urgent
    - slug: equity-transfer
      title: "Record equity transfer"
      type: equity_transfer
      role: nonprofit_admin
      priority: high
    - slug: tax-receipt
      title: "Issue tax documentation"
      type: tax_documentation
      role: nonprofit_admin
      priority: medium

  participant:
    - slug: onboarding-quiz
      title: "Complete the onboarding quiz"
      type: quiz
      role: donor
      priority: low
    - slug: upload-documents
      title: "Upload equity documents"
      type: document_upload
      role: donor
      priority: medium
    - slug: sign-agreement
      title: "Sign the donation agreement"
      type: document_signing
      role: donor
      priority: urgent

  ai_appraisal:
    - slug: appraisal-request
      title: "Submit appraisal request"
      type: appraisal_request
      role: donor
      priority: high
    - slug: appraisal-submission
      title: "Await valuation result"
      type: appraisal_submission
      role: appraiser
      priority: high
    - slug: appraisal-review
      title: "Review valuation report"
      type: appraisal_review
      role: nonprofit_admin
      priority: medium

webhooks:
  freshness_window_seconds: 300
`

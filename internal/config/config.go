package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"agora/internal/domain"
)

// Config models agora.yml for one space.
type Config struct {
	Space struct {
		ID     string `yaml:"id" json:"id"`
		Domain string `yaml:"domain" json:"domain"`
		Name   string `yaml:"name" json:"name"`
	} `yaml:"space" json:"space"`
	Permissions struct {
		// Policy maps lifecycle status -> participant role -> permission
		// level. A missing role means no access at that status. Statuses
		// absent from the map grant nothing at all.
		Policy map[string]RolePolicy `yaml:"policy" json:"policy"`
	} `yaml:"permissions" json:"permissions"`
	Votes struct {
		DefaultDurationDays int      `yaml:"default_duration_days" json:"default_duration_days"`
		DefaultThreshold    int      `yaml:"default_threshold" json:"default_threshold"`
		DefaultOptions      []string `yaml:"default_options" json:"default_options"`
	} `yaml:"votes" json:"votes"`
	Notifications struct {
		// Visibility lookups per second across all spaces.
		FanoutPerSecond int `yaml:"fanout_per_second" json:"fanout_per_second"`
		FanoutWorkers   int `yaml:"fanout_workers" json:"fanout_workers"`
	} `yaml:"notifications" json:"notifications"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// RolePolicy holds the grant level per participant role; empty string means
// no access for that role.
type RolePolicy struct {
	Author    string `yaml:"author,omitempty" json:"author,omitempty"`
	Reviewer  string `yaml:"reviewer,omitempty" json:"reviewer,omitempty"`
	Community string `yaml:"community,omitempty" json:"community,omitempty"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Events  []string `yaml:"events,omitempty" json:"events,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// PolicyLevel resolves the configured level for a status and participant
// role; nil means no access.
func (c *Config) PolicyLevel(status domain.Status, role string) *domain.PermissionLevel {
	rp, ok := c.Permissions.Policy[string(status)]
	if !ok {
		return nil
	}
	var raw string
	switch role {
	case "author":
		raw = rp.Author
	case "reviewer":
		raw = rp.Reviewer
	case "community":
		raw = rp.Community
	}
	if raw == "" {
		return nil
	}
	l := domain.PermissionLevel(raw)
	return &l
}

func validLevel(raw string) bool {
	switch domain.PermissionLevel(raw) {
	case domain.LevelView, domain.LevelViewComment, domain.LevelFullAccess:
		return true
	}
	return raw == ""
}

var knownStatuses = map[string]bool{
	string(domain.StatusDraft):      true,
	string(domain.StatusDiscussion): true,
	string(domain.StatusReview):     true,
	string(domain.StatusReviewed):   true,
	string(domain.StatusVoteActive): true,
	string(domain.StatusVoteClosed): true,
	string(domain.StatusComplete):   true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Space.ID == "" {
		return fmt.Errorf("config.space.id is required")
	}
	if len(c.Permissions.Policy) == 0 {
		return fmt.Errorf("config.permissions.policy is required")
	}
	for status, rp := range c.Permissions.Policy {
		if !knownStatuses[status] {
			return fmt.Errorf("policy references unknown status %s", status)
		}
		for role, raw := range map[string]string{"author": rp.Author, "reviewer": rp.Reviewer, "community": rp.Community} {
			if !validLevel(raw) {
				return fmt.Errorf("policy %s.%s has invalid level %s", status, role, raw)
			}
		}
	}
	if c.Votes.DefaultDurationDays < 0 {
		return fmt.Errorf("votes.default_duration_days must not be negative")
	}
	if c.Votes.DefaultThreshold < 0 || c.Votes.DefaultThreshold > 100 {
		return fmt.Errorf("votes.default_threshold must be a percentage")
	}
	if c.Notifications.FanoutPerSecond < 0 {
		return fmt.Errorf("notifications.fanout_per_second must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agora.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with agora space config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a space.
func Default(spaceID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, spaceID, spaceID, spaceID))).Decode(&cfg)
	cfg.Space.ID = spaceID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(spaceID string) string {
	return fmt.Sprintf(defaultTemplate, spaceID, spaceID, spaceID)
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

const defaultTemplate = `space:
  id: %s
  domain: %s
  name: %s

permissions:
  policy:
    draft:
      author: full_access
    discussion:
      author: full_access
      reviewer: view_comment
      community: view_comment
    review:
      author: full_access
      reviewer: view_comment
      community: view
    reviewed:
      author: full_access
      reviewer: view_comment
      community: view
    vote_active:
      author: view_comment
      reviewer: view_comment
      community: view_comment
    vote_closed:
      author: view
      reviewer: view
      community: view
    complete:
      author: view
      reviewer: view
      community: view

votes:
  default_duration_days: 5
  default_threshold: 50
  default_options: ["Yes", "No", "Abstain"]

notifications:
  fanout_per_second: 10
  fanout_workers: 4
`

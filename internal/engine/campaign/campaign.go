// Package campaign defines the campaign model the engine consumes: a named
// batch of tasks with concurrency, timeout and retry settings, loadable from
// YAML files.
package campaign

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ukleadgen/leadgen-backend/internal/engine/retry"
)

// Priority levels, higher dispatches first.
const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
)

// Duration wraps time.Duration for YAML values like "90s" or "2h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RetrySpec is the YAML shape of a retry configuration.
type RetrySpec struct {
	Strategy    string   `yaml:"strategy"`
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      bool     `yaml:"jitter"`
}

// Config converts the spec into a validated retry configuration.
func (r RetrySpec) Config() (retry.Config, error) {
	cfg := retry.Config{
		Strategy:    retry.Strategy(r.Strategy),
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay.Std(),
		MaxDelay:    r.MaxDelay.Std(),
		Jitter:      r.Jitter,
	}
	if err := cfg.Validate(); err != nil {
		return retry.Config{}, err
	}
	return cfg, nil
}

// TaskSpec describes one task within a campaign.
type TaskSpec struct {
	ID        string            `yaml:"id"`
	Type      string            `yaml:"type"`
	Params    map[string]string `yaml:"params"`
	Priority  int               `yaml:"priority"`
	DependsOn []string          `yaml:"depends_on"`
	CacheTTL  Duration          `yaml:"cache_ttl"`
	Retry     *RetrySpec        `yaml:"retry"`
}

// Campaign is a batch of related tasks run as one unit.
type Campaign struct {
	Name             string     `yaml:"name"`
	MaxConcurrent    int        `yaml:"max_concurrent"`
	Timeout          Duration   `yaml:"timeout"`
	StopOnErrorCount int        `yaml:"stop_on_error_count"`
	DefaultRetry     *RetrySpec `yaml:"default_retry"`
	Tasks            []TaskSpec `yaml:"tasks"`
}

// Validate checks the campaign for structural problems: missing name, no
// tasks, duplicate or empty task ids, dangling dependency references,
// negative concurrency, unusable retry specs.
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("campaign has no name")
	}
	if len(c.Tasks) == 0 {
		return fmt.Errorf("campaign %s has no tasks", c.Name)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("campaign %s: max_concurrent must not be negative", c.Name)
	}
	if c.DefaultRetry != nil {
		if _, err := c.DefaultRetry.Config(); err != nil {
			return fmt.Errorf("campaign %s: default_retry: %w", c.Name, err)
		}
	}

	ids := make(map[string]struct{}, len(c.Tasks))
	for _, t := range c.Tasks {
		if t.ID == "" {
			return fmt.Errorf("campaign %s: task with empty id", c.Name)
		}
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("campaign %s: duplicate task id %s", c.Name, t.ID)
		}
		ids[t.ID] = struct{}{}
	}
	for _, t := range c.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("campaign %s: task %s depends on unknown task %s", c.Name, t.ID, dep)
			}
		}
		if t.Retry != nil {
			if _, err := t.Retry.Config(); err != nil {
				return fmt.Errorf("campaign %s: task %s: retry: %w", c.Name, t.ID, err)
			}
		}
	}
	return nil
}

// RetryFor resolves the retry configuration for one task: the task's own
// spec, else the campaign default, else the engine default.
func (c *Campaign) RetryFor(t TaskSpec) retry.Config {
	if t.Retry != nil {
		if cfg, err := t.Retry.Config(); err == nil {
			return cfg
		}
	}
	if c.DefaultRetry != nil {
		if cfg, err := c.DefaultRetry.Config(); err == nil {
			return cfg
		}
	}
	return retry.DefaultConfig()
}

// LoadFile reads and validates a campaign from a YAML file. Unknown fields
// are rejected so typos surface at load time.
func LoadFile(path string) (*Campaign, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign file: %w", err)
	}
	var c Campaign
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to parse campaign file %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

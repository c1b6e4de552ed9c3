package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeProfile is a named delivery-tuning profile. Deployments pick a
// profile ("dev", "prod", "soak") instead of hand-setting each knob.
type RuntimeProfile struct {
	Name     string         `yaml:"name" json:"name"`
	Code     string         `yaml:"code" json:"code"`
	Delivery DeliveryConfig `yaml:"delivery" json:"delivery"`
	Limits   LimitsConfig   `yaml:"limits" json:"limits"`
}

// DeliveryConfig tunes the bus delivery loop.
type DeliveryConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" json:"visibility_timeout"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	Workers           int           `yaml:"workers" json:"workers"`
}

// LimitsConfig caps scheduled emission and rule evaluation.
type LimitsConfig struct {
	ScheduledEventsPerSec int           `yaml:"scheduled_events_per_sec" json:"scheduled_events_per_sec"`
	ConditionTimeout      time.Duration `yaml:"condition_timeout" json:"condition_timeout"`
}

// LoadProfile loads a runtime profile YAML by code. It looks for
// profile_<code>.yaml in the profiles directory.
func LoadProfile(profilesDir, code string) (*RuntimeProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile RuntimeProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory,
// keyed by code.
func LoadAllProfiles(profilesDir string) (map[string]*RuntimeProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*RuntimeProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile RuntimeProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

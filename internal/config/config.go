package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dyluth/warren/pkg/intake"
	"gopkg.in/yaml.v3"
)

// PhasesConfig represents the top-level warren.yml configuration: the
// ordered intake phases with their required fields and baseline durations.
// The table built from it is immutable at runtime; changing the intake flow
// means shipping a new config version.
type PhasesConfig struct {
	Version string        `yaml:"version"`
	Phases  []PhaseConfig `yaml:"phases"`
}

// PhaseConfig declares a single intake phase.
type PhaseConfig struct {
	Name            string        `yaml:"name"`
	BaselineMinutes int           `yaml:"baseline_minutes"`
	Fields          []FieldConfig `yaml:"fields,omitempty"`
}

// FieldConfig declares a required field and the question used to collect it.
type FieldConfig struct {
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

// Validate performs strict validation on the configuration.
func (c *PhasesConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if len(c.Phases) == 0 {
		return fmt.Errorf("no phases defined")
	}

	for _, phase := range c.Phases {
		if phase.Name == "" {
			return fmt.Errorf("phase name is required")
		}
		if phase.BaselineMinutes < 0 {
			return fmt.Errorf("phase '%s': baseline_minutes must be >= 0", phase.Name)
		}
		for _, field := range phase.Fields {
			if field.Name == "" {
				return fmt.Errorf("phase '%s': field name is required", phase.Name)
			}
			if field.Prompt == "" {
				return fmt.Errorf("phase '%s': field '%s' requires a prompt", phase.Name, field.Name)
			}
		}
	}

	return nil
}

// Table builds the immutable runtime phase table from the configuration.
// Cross-phase constraints (unique names, unique fields) are enforced by the
// table constructor.
func (c *PhasesConfig) Table() (*intake.PhaseTable, error) {
	defs := make([]intake.PhaseDefinition, 0, len(c.Phases))
	for _, phase := range c.Phases {
		fields := make([]intake.FieldSpec, 0, len(phase.Fields))
		for _, field := range phase.Fields {
			fields = append(fields, intake.FieldSpec{
				Name:   intake.FieldName(field.Name),
				Prompt: field.Prompt,
			})
		}
		defs = append(defs, intake.PhaseDefinition{
			Name:     intake.PhaseName(phase.Name),
			Baseline: time.Duration(phase.BaselineMinutes) * time.Minute,
			Fields:   fields,
		})
	}

	return intake.NewPhaseTable(c.Version, defs)
}

// LoadPhases reads, validates, and compiles warren.yml from the specified path.
func LoadPhases(path string) (*intake.PhaseTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config PhasesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config.Table()
}

// Runtime holds environment-driven settings: connection targets plus the
// policy knobs the engine treats as configuration rather than constants.
type Runtime struct {
	InstanceName string `env:"WARREN_INSTANCE_NAME" envDefault:"default"`
	RedisURL     string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	DBPath       string `env:"WARREN_DB_PATH" envDefault:"warren.db"`
	PhasesPath   string `env:"WARREN_PHASES_PATH" envDefault:"warren.yml"`

	// SigningSeed is the base64-encoded 32-byte Ed25519 seed used to sign
	// session credentials.
	SigningSeed string `env:"WARREN_SIGNING_SEED"`

	RecoveryTokenTTL   time.Duration `env:"WARREN_RECOVERY_TOKEN_TTL" envDefault:"15m"`
	RecoveryRateLimit  int64         `env:"WARREN_RECOVERY_RATE_LIMIT" envDefault:"3"`
	RecoveryRateWindow time.Duration `env:"WARREN_RECOVERY_RATE_WINDOW" envDefault:"1h"`
	ActivityWindow     time.Duration `env:"WARREN_ACTIVITY_WINDOW" envDefault:"72h"`
	PaceMultiplierMin  float64       `env:"WARREN_PACE_MULTIPLIER_MIN" envDefault:"0.5"`
	PaceMultiplierMax  float64       `env:"WARREN_PACE_MULTIPLIER_MAX" envDefault:"2.0"`
	ConflictRetries    int           `env:"WARREN_CONFLICT_RETRIES" envDefault:"3"`
}

// LoadRuntime parses runtime settings from the environment.
func LoadRuntime() (*Runtime, error) {
	var runtime Runtime
	if err := env.Parse(&runtime); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if runtime.RecoveryRateLimit < 1 {
		return nil, fmt.Errorf("WARREN_RECOVERY_RATE_LIMIT must be >= 1")
	}
	if runtime.ConflictRetries < 1 {
		return nil, fmt.Errorf("WARREN_CONFLICT_RETRIES must be >= 1")
	}
	if runtime.PaceMultiplierMin <= 0 || runtime.PaceMultiplierMax < runtime.PaceMultiplierMin {
		return nil, fmt.Errorf("pace multiplier bounds must satisfy 0 < min <= max")
	}

	return &runtime, nil
}

// DecodeSigningSeed decodes and length-checks the credential signing seed.
func (r *Runtime) DecodeSigningSeed() ([]byte, error) {
	if r.SigningSeed == "" {
		return nil, fmt.Errorf("WARREN_SIGNING_SEED must be set")
	}

	seed, err := base64.StdEncoding.DecodeString(r.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signing seed: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("signing seed must decode to 32 bytes, got %d", len(seed))
	}

	return seed, nil
}

// PaceBounds returns the configured pace-multiplier clamp.
func (r *Runtime) PaceBounds() intake.PaceBounds {
	return intake.PaceBounds{Min: r.PaceMultiplierMin, Max: r.PaceMultiplierMax}
}

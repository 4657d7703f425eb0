package processing

import (
	"fmt"
	"io"
	"time"

	"github.com/diwise/camera-threat-monitor/pkg/types"
	"github.com/samber/lo"
	"gopkg.in/yaml.v2"
)

const (
	DefaultCadence          = 1200 * time.Millisecond
	DefaultHold             = 2000 * time.Millisecond
	DefaultSubmitTimeout    = 5 * time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultSubscriberBuffer = 64

	DefaultHighThreshold   = 0.8
	DefaultMediumThreshold = 0.5
)

type Thresholds struct {
	High   float64 `yaml:"high"`
	Medium float64 `yaml:"medium"`
}

// Reduce maps the threats of one observation to a single level. A confidence
// strictly above High gives HIGH, strictly above Medium gives MEDIUM, any other
// threat gives LOW and no threats gives NORMAL.
func (t Thresholds) Reduce(threats []types.Threat) types.Status {
	if len(threats) == 0 {
		return types.StatusNormal
	}

	highest := lo.Max(lo.Map(threats, func(th types.Threat, _ int) float64 {
		return th.Confidence
	}))

	switch {
	case highest > t.High:
		return types.StatusHigh
	case highest > t.Medium:
		return types.StatusMedium
	default:
		return types.StatusLow
	}
}

type Config struct {
	Cadence          time.Duration `yaml:"cadence"`
	Hold             time.Duration `yaml:"hold"`
	SubmitTimeout    time.Duration `yaml:"submitTimeout"`
	MaxBackoff       time.Duration `yaml:"maxBackoff"`
	SubscriberBuffer int           `yaml:"subscriberBuffer"`
	Thresholds       Thresholds    `yaml:"thresholds"`
}

func DefaultConfig() Config {
	return Config{
		Cadence:          DefaultCadence,
		Hold:             DefaultHold,
		SubmitTimeout:    DefaultSubmitTimeout,
		MaxBackoff:       DefaultMaxBackoff,
		SubscriberBuffer: DefaultSubscriberBuffer,
		Thresholds: Thresholds{
			High:   DefaultHighThreshold,
			Medium: DefaultMediumThreshold,
		},
	}
}

// NewConfig reads a yaml document on top of DefaultConfig. Fields left out keep
// their defaults.
func NewConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()

	b, err := io.ReadAll(r)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse processing config: %w", err)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Cadence <= 0 {
		return fmt.Errorf("cadence must be positive, got %s", c.Cadence)
	}
	if c.Hold <= 0 {
		return fmt.Errorf("hold must be positive, got %s", c.Hold)
	}
	if c.SubmitTimeout <= 0 {
		return fmt.Errorf("submit timeout must be positive, got %s", c.SubmitTimeout)
	}
	if c.MaxBackoff < c.Cadence {
		return fmt.Errorf("max backoff %s is shorter than the cadence %s", c.MaxBackoff, c.Cadence)
	}
	if c.SubscriberBuffer < 0 {
		return fmt.Errorf("subscriber buffer must not be negative")
	}
	if c.Thresholds.Medium < 0 || c.Thresholds.High > 1 || c.Thresholds.Medium >= c.Thresholds.High {
		return fmt.Errorf("thresholds must satisfy 0 <= medium < high <= 1, got %v/%v", c.Thresholds.Medium, c.Thresholds.High)
	}
	return nil
}

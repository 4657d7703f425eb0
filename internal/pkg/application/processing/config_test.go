package processing

import (
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

const processingYaml string = `
cadence: 1500ms
hold: 1800ms
thresholds:
  high: 0.9
  medium: 0.4
`

func TestConfigOverridesDefaults(t *testing.T) {
	is := is.New(t)

	cfg, err := NewConfig(strings.NewReader(processingYaml))
	is.NoErr(err)

	is.Equal(cfg.Cadence, 1500*time.Millisecond)
	is.Equal(cfg.Hold, 1800*time.Millisecond)
	is.Equal(cfg.Thresholds.High, 0.9)
	is.Equal(cfg.Thresholds.Medium, 0.4)
	is.Equal(cfg.SubmitTimeout, DefaultSubmitTimeout)
	is.Equal(cfg.SubscriberBuffer, DefaultSubscriberBuffer)
}

func TestConfigRejectsInvertedThresholds(t *testing.T) {
	is := is.New(t)

	_, err := NewConfig(strings.NewReader("thresholds:\n  high: 0.3\n  medium: 0.6\n"))
	is.True(err != nil)
}

func TestEmptyConfigIsDefault(t *testing.T) {
	is := is.New(t)

	cfg, err := NewConfig(strings.NewReader(""))
	is.NoErr(err)
	is.Equal(cfg, DefaultConfig())
}

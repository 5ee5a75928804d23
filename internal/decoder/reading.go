package decoder

import (
	"errors"
	"fmt"
	"time"
)

// Reading is one calibrated vector produced by a completed decode cycle.
// Values are volts for DI-1100 channels and degrees Celsius for DI-245
// thermocouple channels. Channels and Values have the same length.
type Reading struct {
	DeviceID  int
	Family    string
	Port      string
	Timestamp time.Time
	Channels  []string
	Values    []float64
}

// ErrSync reports a byte that broke the expected frame alignment.
// Decoders recover on their own by discarding bytes until the next
// frame boundary.
var ErrSync = errors.New("decoder: lost frame sync")

// ConfigError reports a channel specification the decoder cannot use.
type ConfigError struct {
	Channel int
	Spec    string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("channel %d (%q): %s", e.Channel, e.Spec, e.Reason)
}

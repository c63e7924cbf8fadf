//go:build !linux

package indicator

import "log/slog"

type mockLED struct {
	logger *slog.Logger
}

func (m mockLED) SetValue(v int) error {
	m.logger.Debug("[MOCK] LED", "value", v)
	return nil
}

// Open returns an indicator that only logs. The button is never pressed.
func Open(cfg Config, onPress func(), logger *slog.Logger) (*Indicator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return newIndicator(mockLED{logger: logger}, logger), nil
}

//go:build linux

package indicator

import (
	"fmt"
	"log/slog"

	"github.com/warthog618/go-gpiocdev"
)

// Open requests the LED as an output and the button as a pulled-up input.
// onPress runs on the gpiocdev event goroutine for each falling edge.
func Open(cfg Config, onPress func(), logger *slog.Logger) (*Indicator, error) {
	c, err := gpiocdev.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("failed to open chip: %w", err)
	}

	led, err := c.RequestLine(cfg.LED, gpiocdev.AsOutput(0))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to request LED line %d: %w", cfg.LED, err)
	}

	ind := newIndicator(led, logger)
	ind.closers = append(ind.closers, led.Close)

	if onPress != nil {
		var filter pressFilter
		button, err := c.RequestLine(cfg.Button,
			gpiocdev.AsInput,
			gpiocdev.WithPullUp,
			gpiocdev.WithFallingEdge,
			gpiocdev.WithDebounce(debounce),
			gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
				if filter.accept(evt.Timestamp) {
					ind.logger.Info("Shutter button pressed")
					onPress()
				}
			}),
		)
		if err != nil {
			led.Close()
			c.Close()
			return nil, fmt.Errorf("failed to request button line %d: %w", cfg.Button, err)
		}
		ind.closers = append(ind.closers, button.Close)
	}

	ind.closers = append(ind.closers, c.Close)
	return ind, nil
}

// Package indicator drives a status LED and reads a shutter button.
package indicator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wachiwi/recarga/pkg/code"
)

const (
	blinkOn  = 150 * time.Millisecond
	blinkOff = 100 * time.Millisecond
	blinks   = 2

	debounce = 30 * time.Millisecond
)

// Config selects the GPIO chip and line offsets.
type Config struct {
	Chip   string
	LED    int
	Button int
}

type lineSetter interface {
	SetValue(int) error
}

// Indicator blinks the LED for every dialed code.
type Indicator struct {
	led      lineSetter
	closers  []func() error
	blinking atomic.Bool
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func newIndicator(led lineSetter, logger *slog.Logger) *Indicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indicator{led: led, logger: logger.With("component", "indicator")}
}

// Trigger blinks the LED without blocking the caller.
func (i *Indicator) Trigger(_ context.Context, c string, _ code.Template) error {
	if !i.blinking.CompareAndSwap(false, true) {
		return nil
	}
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer i.blinking.Store(false)
		for n := 0; n < blinks; n++ {
			if err := i.led.SetValue(1); err != nil {
				i.logger.Warn("Failed to switch LED on", "error", err)
				return
			}
			time.Sleep(blinkOn)
			i.led.SetValue(0)
			time.Sleep(blinkOff)
		}
	}()
	return nil
}

// Close waits for a running blink and releases the lines.
func (i *Indicator) Close() error {
	i.wg.Wait()
	i.led.SetValue(0)
	var first error
	for _, c := range i.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// pressFilter drops presses that arrive within debounce of the last one.
type pressFilter struct {
	mu    sync.Mutex
	last  time.Duration
	valid bool
}

func (f *pressFilter) accept(ts time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.valid && ts-f.last < debounce {
		return false
	}
	f.last = ts
	f.valid = true
	return true
}

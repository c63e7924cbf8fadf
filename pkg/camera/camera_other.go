//go:build !darwin && !linux

package camera

import (
	"fmt"

	"github.com/wachiwi/recarga/pkg/focus"
)

func (c *Camera) startStreamingProcess() (*stream, error) {
	return nil, fmt.Errorf("camera capture not available on this platform")
}

func (c *Camera) startAutoFocus() error {
	return fmt.Errorf("autofocus not available on this platform")
}

func (c *Camera) stopAutoFocus() error { return nil }

func (c *Camera) focusSucceeded() bool { return false }

func pipelineFocusMode(cfg Config) focus.Mode { return cfg.FocusMode }

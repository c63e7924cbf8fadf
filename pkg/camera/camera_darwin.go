//go:build darwin

package camera

import (
	"bytes"
	"fmt"
	"os/exec"
	"sync"

	"github.com/wachiwi/recarga/pkg/focus"
)

// startStreamingProcess streams the default macOS webcam through ffmpeg so
// the scanner can be developed locally.
func (c *Camera) startStreamingProcess() (*stream, error) {
	device := c.cfg.Device
	if device == "" {
		device = "0"
	}

	// Most built-in cameras only accept 30 fps.
	cmd := exec.Command(
		"ffmpeg",
		"-f", "avfoundation",
		"-framerate", "30",
		"-video_size", fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
		"-i", device,
		"-f", "mjpeg",
		"-q:v", "5",
		"-hide_banner",
		"-loglevel", "error",
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	c.logger.Info("Started camera streaming process (ffmpeg)", "device", device, "width", c.cfg.Width, "height", c.cfg.Height)

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		err := cmd.Wait()
		c.logger.Warn("Camera streaming process exited", "error", err, "stderr", stderr.String())
	}()

	var once sync.Once
	return &stream{
		pipe: stdout,
		stop: func() {
			once.Do(func() {
				cmd.Process.Kill()
				<-exited
			})
		},
		done: make(chan struct{}),
	}, nil
}

// AVFoundation webcams focus continuously; sweeps always report success.
func (c *Camera) startAutoFocus() error { return nil }

func (c *Camera) stopAutoFocus() error { return nil }

func (c *Camera) focusSucceeded() bool { return true }

func pipelineFocusMode(cfg Config) focus.Mode { return cfg.FocusMode }

//go:build linux

package camera

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/wachiwi/recarga/pkg/focus"
)

// startStreamingProcess launches an MJPEG capture process writing to stdout.
// Without a device it uses rpicam-vid (or libcamera-vid on older images) for
// the Raspberry Pi camera; with a device it reads the V4L2 node via ffmpeg.
func (c *Camera) startStreamingProcess() (*stream, error) {
	var cmd *exec.Cmd
	if c.cfg.Device == "" {
		cmdName := "rpicam-vid"
		if _, err := exec.LookPath(cmdName); err != nil {
			cmdName = "libcamera-vid"
			if _, err := exec.LookPath(cmdName); err != nil {
				return nil, fmt.Errorf("neither rpicam-vid nor libcamera-vid found")
			}
		}
		args := []string{
			"--width", strconv.Itoa(c.cfg.Width),
			"--height", strconv.Itoa(c.cfg.Height),
			"--timeout", "0",
			"--nopreview",
			"--codec", "mjpeg",
			"--output", "-",
			"--framerate", strconv.Itoa(c.cfg.FPS),
			"--awb", "auto",
			"--metering", "average",
		}
		args = append(args, "--autofocus-mode", rpicamFocusMode(c.cfg.FocusMode))
		cmd = exec.Command(cmdName, args...)
	} else {
		cmd = exec.Command(
			"ffmpeg",
			"-f", "v4l2",
			"-input_format", "mjpeg",
			"-framerate", strconv.Itoa(c.cfg.FPS),
			"-video_size", fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
			"-i", c.cfg.Device,
			"-f", "mjpeg",
			"-q:v", "5",
			"-hide_banner",
			"-loglevel", "error",
			"-",
		)
	}
	return c.runStreamingCommand(cmd)
}

// pipelineFocusMode maps the configured mode onto what the pipeline supports.
// rpicam-vid exposes no V4L2 focus controls, so on the Pi camera stack
// requested sweeps become the camera's own continuous autofocus.
func pipelineFocusMode(cfg Config) focus.Mode {
	if cfg.Device == "" && !cfg.Placeholder && cfg.FocusMode.CallsAutoFocus() {
		return focus.ModeContinuousPicture
	}
	return cfg.FocusMode
}

func rpicamFocusMode(m focus.Mode) string {
	switch m {
	case focus.ModeFixed, focus.ModeInfinity:
		return "manual"
	default:
		return "continuous"
	}
}

func (c *Camera) runStreamingCommand(cmd *exec.Cmd) (*stream, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w, stderr: %s", cmd.Path, err, stderr.String())
	}
	c.logger.Info("Started camera streaming process", "command", cmd.Path, "device", c.cfg.Device)

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		if err := cmd.Wait(); err != nil {
			c.logger.Warn("Camera streaming process exited", "error", err, "stderr", stderr.String())
		} else {
			c.logger.Info("Camera streaming process exited cleanly")
		}
	}()

	var once sync.Once
	return &stream{
		pipe: stdout,
		stop: func() {
			once.Do(func() {
				if cmd.Process != nil {
					cmd.Process.Kill()
				}
				<-exited
			})
		},
		done: make(chan struct{}),
	}, nil
}

// v4l2Ctl runs v4l2-ctl against the configured device.
func (c *Camera) v4l2Ctl(args ...string) (string, error) {
	if c.cfg.Device == "" {
		return "", fmt.Errorf("autofocus control needs a V4L2 device")
	}
	out, err := exec.Command("v4l2-ctl", append([]string{"-d", c.cfg.Device}, args...)...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("v4l2-ctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (c *Camera) startAutoFocus() error {
	_, err := c.v4l2Ctl("--set-ctrl=auto_focus_start=1")
	return err
}

func (c *Camera) stopAutoFocus() error {
	_, err := c.v4l2Ctl("--set-ctrl=auto_focus_stop=1")
	return err
}

// focusSucceeded reads V4L2_CID_AUTO_FOCUS_STATUS; bit 2 flags a failed sweep.
func (c *Camera) focusSucceeded() bool {
	out, err := c.v4l2Ctl("--get-ctrl=auto_focus_status")
	if err != nil {
		return false
	}
	_, value, ok := strings.Cut(out, ":")
	if !ok {
		return false
	}
	status, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return false
	}
	return status&0x4 == 0
}

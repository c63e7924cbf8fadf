//go:build linux

package camera

import (
	"testing"

	"github.com/wachiwi/recarga/pkg/focus"
)

func TestPiCameraFocusMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want focus.Mode
	}{
		{"pi camera default", Config{}, focus.ModeContinuousPicture},
		{"pi camera macro", Config{FocusMode: focus.ModeMacro}, focus.ModeContinuousPicture},
		{"pi camera fixed", Config{FocusMode: focus.ModeFixed}, focus.ModeFixed},
		{"v4l2 device", Config{Device: "/dev/video0"}, focus.ModeAuto},
		{"placeholder", Config{Placeholder: true}, focus.ModeAuto},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam := New(tt.cfg)
			if got := cam.FocusMode(); got != tt.want {
				t.Errorf("FocusMode() = %s, want %s", got, tt.want)
			}
			if tt.cfg.Device == "" && !tt.cfg.Placeholder && cam.FocusMode().CallsAutoFocus() {
				t.Error("device-less camera would schedule autofocus sweeps")
			}
		})
	}
}

func TestRpicamFocusMode(t *testing.T) {
	if got := rpicamFocusMode(focus.ModeContinuousPicture); got != "continuous" {
		t.Errorf("continuous-picture -> %q", got)
	}
	if got := rpicamFocusMode(focus.ModeInfinity); got != "manual" {
		t.Errorf("infinity -> %q", got)
	}
}

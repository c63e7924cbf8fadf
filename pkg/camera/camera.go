package camera

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/wachiwi/recarga/pkg/focus"
)

// ErrClosed is returned by operations that need an open camera.
var ErrClosed = errors.New("camera is not open")

// focusSettle is how long an autofocus sweep is given before its status is read.
const focusSettle = 400 * time.Millisecond

// Surface is the preview sink frames are mirrored to while the camera is open.
type Surface interface {
	Present(frame []byte)
}

type discard struct{}

func (discard) Present([]byte) {}

// Discard is a Surface for headless operation.
var Discard Surface = discard{}

// Config holds camera configuration
type Config struct {
	// Device is the V4L2 node, e.g. /dev/video0. Empty selects the Raspberry
	// Pi camera stack when it is installed.
	Device    string
	Width     int
	Height    int
	FPS       int
	FocusMode focus.Mode
	// Placeholder produces synthetic frames instead of opening hardware.
	Placeholder bool
}

// stream is a running frame producer.
type stream struct {
	pipe io.ReadCloser
	stop func()
	done chan struct{}
}

// Camera is the capture handle: it owns the streaming process, the latest
// frame and the preview surface.
type Camera struct {
	mu      sync.RWMutex
	cfg     Config
	open    bool
	surface Surface
	stream  *stream
	frames  frameBuffer
	logger  *slog.Logger
}

// New creates a closed camera with the given configuration
func New(cfg Config) *Camera {
	if cfg.Width == 0 {
		cfg.Width = 640
	}
	if cfg.Height == 0 {
		cfg.Height = 480
	}
	if cfg.FPS == 0 {
		cfg.FPS = 30
	}
	if cfg.FocusMode == "" {
		cfg.FocusMode = focus.ModeAuto
	}
	cfg.FocusMode = pipelineFocusMode(cfg)
	return &Camera{
		cfg:    cfg,
		logger: slog.Default().With("component", "camera"),
	}
}

// FocusMode returns the focus mode the capture pipeline runs in. It differs
// from the configured mode when the pipeline cannot honor that mode.
func (c *Camera) FocusMode() focus.Mode {
	return c.cfg.FocusMode
}

// IsOpen reports whether the camera is streaming.
func (c *Camera) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// Open starts streaming and mirrors every frame to surface.
func (c *Camera) Open(surface Surface) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open {
		return fmt.Errorf("camera is already open")
	}
	if surface == nil {
		surface = Discard
	}

	var (
		s   *stream
		err error
	)
	if c.cfg.Placeholder {
		s = c.startPlaceholderStream()
	} else {
		s, err = c.startStreamingProcess()
		if err != nil {
			return fmt.Errorf("open camera: %w", err)
		}
	}

	c.open = true
	c.surface = surface
	c.stream = s
	c.frames.reset()

	go func() {
		defer close(s.done)
		err := pumpFrames(s.pipe, c.onFrame)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
			c.logger.Warn("Frame stream ended", "error", err)
		}
	}()

	c.logger.Info("Camera opened", "width", c.cfg.Width, "height", c.cfg.Height, "fps", c.cfg.FPS, "placeholder", c.cfg.Placeholder)
	return nil
}

func (c *Camera) onFrame(frame []byte) {
	c.frames.set(frame)
	c.mu.RLock()
	surface := c.surface
	c.mu.RUnlock()
	if surface != nil {
		surface.Present(frame)
	}
}

// Close stops streaming. It is safe to call on a closed camera.
func (c *Camera) Close() {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	s := c.stream
	c.open = false
	c.stream = nil
	c.surface = nil
	c.mu.Unlock()

	s.stop()
	<-s.done
	c.frames.reset()
	c.logger.Info("Camera closed")
}

// Frame returns a copy of the latest JPEG frame.
func (c *Camera) Frame() ([]byte, error) {
	if !c.IsOpen() {
		return nil, ErrClosed
	}
	return c.frames.get(staleAfter)
}

// AutoFocus starts one focus sweep and reports its outcome to done from a
// separate goroutine.
func (c *Camera) AutoFocus(done func(success bool)) error {
	if !c.IsOpen() {
		return ErrClosed
	}
	if c.cfg.Placeholder {
		time.AfterFunc(focusSettle, func() { done(true) })
		return nil
	}
	if err := c.startAutoFocus(); err != nil {
		return err
	}
	time.AfterFunc(focusSettle, func() { done(c.focusSucceeded()) })
	return nil
}

// CancelAutoFocus aborts a sweep in progress.
func (c *Camera) CancelAutoFocus() error {
	if c.cfg.Placeholder || !c.IsOpen() {
		return nil
	}
	return c.stopAutoFocus()
}

// startPlaceholderStream encodes synthetic frames into an in-memory MJPEG
// stream so the rest of the pipeline can run without hardware.
func (c *Camera) startPlaceholderStream() *stream {
	pr, pw := io.Pipe()
	quit := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(time.Second / time.Duration(c.cfg.FPS))
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				pw.Close()
				return
			case <-ticker.C:
				frame, err := generatePlaceholderFrame(c.cfg.Width, c.cfg.Height)
				if err != nil {
					pw.CloseWithError(err)
					return
				}
				if _, err := pw.Write(frame); err != nil {
					return
				}
			}
		}
	}()

	return &stream{
		pipe: pr,
		stop: func() {
			once.Do(func() {
				close(quit)
				pr.Close()
			})
		},
		done: make(chan struct{}),
	}
}

// generatePlaceholderFrame creates a simple gradient frame for testing
func generatePlaceholderFrame(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	shade := byte(time.Now().Unix() % 256)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			offset := y*img.Stride + x*4
			img.Pix[offset] = shade
			img.Pix[offset+1] = byte((x * 255) / width)
			img.Pix[offset+2] = byte((y * 255) / height)
			img.Pix[offset+3] = 255
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

package focus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultInterval is the pause between the end of one focus cycle and the
// start of the next.
const DefaultInterval = 2000 * time.Millisecond

// ErrTransientFocus marks a driver failure during a focus cycle. It is
// logged and the cycle is retried after the interval.
var ErrTransientFocus = errors.New("transient focus failure")

var (
	cyclesCounter metric.Int64Counter
	errorsCounter metric.Int64Counter
)

func init() {
	var err error
	meter := otel.Meter("github.com/wachiwi/recarga/pkg/focus")
	cyclesCounter, err = meter.Int64Counter("recarga.focus.cycles",
		metric.WithDescription("Completed autofocus cycles"),
		metric.WithUnit("{cycles}"),
	)
	if err != nil {
		slog.Error("Failed to create focus cycle counter", "error", err)
	}
	errorsCounter, err = meter.Int64Counter("recarga.focus.errors",
		metric.WithDescription("Driver errors while starting or cancelling autofocus"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		slog.Error("Failed to create focus error counter", "error", err)
	}
}

// Mode is the focus mode reported by the camera driver.
type Mode string

const (
	ModeAuto               Mode = "auto"
	ModeMacro              Mode = "macro"
	ModeContinuousPicture  Mode = "continuous-picture"
	ModeContinuousVideo    Mode = "continuous-video"
	ModeExtendedDepthField Mode = "edof"
	ModeFixed              Mode = "fixed"
	ModeInfinity           Mode = "infinity"
)

// CallsAutoFocus reports whether the mode needs explicit autofocus requests.
// Continuous modes focus on their own; fixed and infinity cannot focus.
func (m Mode) CallsAutoFocus() bool {
	return m == ModeAuto || m == ModeMacro
}

// ParseMode validates a configured focus mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAuto, ModeMacro, ModeContinuousPicture, ModeContinuousVideo,
		ModeExtendedDepthField, ModeFixed, ModeInfinity:
		return m, nil
	}
	return "", fmt.Errorf("unknown focus mode %q", s)
}

// Focuser is the part of the camera the scheduler drives.
//
// AutoFocus starts one focus cycle and arranges for done to be called once
// the cycle settles. CancelAutoFocus aborts a cycle in progress.
type Focuser interface {
	AutoFocus(done func(success bool)) error
	CancelAutoFocus() error
}

// task is one pending "wait interval, then focus" unit.
type task struct {
	timer *time.Timer
	stop  chan struct{}
}

func (t *task) cancel() {
	t.timer.Stop()
	close(t.stop)
}

// Scheduler keeps an autofocus-capable camera refocusing every interval.
// Every method is safe to call from any goroutine.
type Scheduler struct {
	mu           sync.Mutex
	focuser      Focuser
	mode         Mode
	useAutoFocus bool
	interval     time.Duration
	logger       *slog.Logger

	stopped     bool
	focusing    bool
	outstanding *task
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger used for driver errors.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler binds a scheduler to a camera. Whether the camera needs
// explicit autofocus requests is decided here, once, from mode; later
// changes of the camera's mode are not observed.
func NewScheduler(f Focuser, mode Mode, opts ...Option) *Scheduler {
	s := &Scheduler{
		focuser:      f,
		mode:         mode,
		useAutoFocus: mode.CallsAutoFocus(),
		interval:     DefaultInterval,
		logger:       slog.Default().With("component", "focus"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Info("Focus scheduler created", "mode", mode, "autofocus", s.useAutoFocus)
	return s
}

// Enabled reports whether the scheduler will ever issue autofocus requests.
func (s *Scheduler) Enabled() bool {
	return s.useAutoFocus
}

// Start issues an autofocus request unless one is already in flight or the
// scheduler was stopped. Calling it again while focusing is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	if !s.useAutoFocus || s.stopped || s.focusing {
		return
	}
	if s.outstanding != nil {
		s.outstanding.cancel()
		s.outstanding = nil
	}

	// done may be invoked synchronously by some drivers; hop to a fresh
	// goroutine so the callback never runs under s.mu.
	err := s.focuser.AutoFocus(func(success bool) {
		go s.onFocusComplete(success)
	})
	if err != nil {
		s.logger.Warn("Autofocus request failed, retrying later", "error", fmt.Errorf("%w: %v", ErrTransientFocus, err))
		errorsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", "start")))
		s.scheduleNextLocked()
		return
	}
	s.focusing = true
}

func (s *Scheduler) onFocusComplete(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.focusing = false
	cyclesCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("success", success)))
	s.logger.Debug("Autofocus cycle complete", "success", success)
	s.scheduleNextLocked()
}

// scheduleNextLocked arms exactly one pending task. s.mu must be held.
func (s *Scheduler) scheduleNextLocked() {
	if s.stopped || s.outstanding != nil {
		return
	}
	t := &task{
		timer: time.NewTimer(s.interval),
		stop:  make(chan struct{}),
	}
	s.outstanding = t
	go s.runTask(t)
}

func (s *Scheduler) runTask(t *task) {
	select {
	case <-t.stop:
		return
	case <-t.timer.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding != t {
		// Superseded or cancelled after the timer fired.
		return
	}
	s.outstanding = nil
	s.startLocked()
}

// Stop cancels the pending cycle and any focus operation in progress.
// Once Stop returns the scheduler never issues another autofocus request.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if !s.useAutoFocus {
		return
	}
	if s.outstanding != nil {
		s.outstanding.cancel()
		s.outstanding = nil
	}
	if err := s.focuser.CancelAutoFocus(); err != nil {
		s.logger.Warn("Cancel autofocus failed", "error", err)
		errorsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", "cancel")))
	}
	s.focusing = false
}

// Outstanding returns the number of pending scheduled tasks, 0 or 1.
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding != nil {
		return 1
	}
	return 0
}

package decode

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wachiwi/recarga/pkg/ocr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultInterval is the pause between decodes in continuous mode.
const DefaultInterval = 500 * time.Millisecond

// ErrNoText is reported when the engine ran but found no text.
var ErrNoText = errors.New("no text recognized")

var framesCounter metric.Int64Counter

func init() {
	var err error
	meter := otel.Meter("github.com/wachiwi/recarga/pkg/decode")
	framesCounter, err = meter.Int64Counter("recarga.decode.frames",
		metric.WithDescription("Frames handed to the OCR engine"),
		metric.WithUnit("{frames}"),
	)
	if err != nil {
		slog.Error("Failed to create decode frame counter", "error", err)
	}
}

// FrameSource yields the latest preview frame as JPEG bytes.
type FrameSource interface {
	Frame() ([]byte, error)
}

// Handler receives decode outcomes on the dispatcher's goroutine.
type Handler interface {
	HandleResult(res *ocr.Result)
	HandleFailure(f *ocr.Failure)
}

// Loop pulls frames from a camera and feeds them to the engine on a worker
// goroutine. A Loop runs at most once; create a new one after Stop.
type Loop struct {
	engine   ocr.Engine
	src      FrameSource
	dispatch func(func())
	handler  Handler
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	exited  chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithInterval sets the pause between continuous decodes.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) {
		if log != nil {
			l.logger = log
		}
	}
}

// NewLoop creates a stopped decode loop.
func NewLoop(engine ocr.Engine, src FrameSource, dispatch func(func()), h Handler, opts ...Option) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		engine:   engine,
		src:      src,
		dispatch: dispatch,
		handler:  h,
		interval: DefaultInterval,
		logger:   slog.Default().With("component", "decode"),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the worker. In continuous mode it decodes a frame every
// interval; otherwise it decodes one frame now and one per ResetState.
func (l *Loop) Start(continuous bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	l.logger.Info("Decode loop started", "continuous", continuous, "interval", l.interval)
	go l.run(continuous)
	l.ResetState()
}

// ResetState requests a fresh decode. In continuous mode it skips the
// remaining wait before the next frame.
func (l *Loop) ResetState() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop signals the worker to exit without waiting for it.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	l.cancel()
	if !l.started {
		close(l.exited)
	}
}

// QuitSynchronously stops the worker and blocks until it has exited. No
// result is dispatched after it returns.
func (l *Loop) QuitSynchronously() {
	l.Stop()
	<-l.exited
	l.logger.Info("Decode loop stopped")
}

func (l *Loop) run(continuous bool) {
	defer close(l.exited)

	var timer *time.Timer
	if continuous {
		timer = time.NewTimer(l.interval)
		defer timer.Stop()
	}

	for {
		if continuous {
			select {
			case <-l.ctx.Done():
				return
			case <-l.wake:
			case <-timer.C:
			}
		} else {
			select {
			case <-l.ctx.Done():
				return
			case <-l.wake:
			}
		}

		l.decodeOnce()

		if continuous {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(l.interval)
		}
	}
}

func (l *Loop) decodeOnce() {
	frame, err := l.src.Frame()
	if err != nil {
		l.logger.Debug("No frame to decode", "error", err)
		framesCounter.Add(l.ctx, 1, metric.WithAttributes(attribute.String("outcome", "no_frame")))
		return
	}

	res, err := l.engine.Decode(l.ctx, frame)
	if l.ctx.Err() != nil {
		return
	}

	if err == nil && strings.TrimSpace(res.Text) == "" {
		err = ErrNoText
	}
	if err != nil {
		framesCounter.Add(l.ctx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
		failure := &ocr.Failure{Err: err, Timestamp: time.Now()}
		l.dispatch(func() { l.handler.HandleFailure(failure) })
		return
	}
	framesCounter.Add(l.ctx, 1, metric.WithAttributes(attribute.String("outcome", "text")))
	l.dispatch(func() { l.handler.HandleResult(res) })
}

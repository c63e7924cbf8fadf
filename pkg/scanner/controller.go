package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wachiwi/recarga/pkg/action"
	"github.com/wachiwi/recarga/pkg/bootstrap"
	"github.com/wachiwi/recarga/pkg/camera"
	"github.com/wachiwi/recarga/pkg/code"
	"github.com/wachiwi/recarga/pkg/decode"
	"github.com/wachiwi/recarga/pkg/focus"
	"github.com/wachiwi/recarga/pkg/ocr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrResourceUnavailable is reported when the camera cannot be opened.
var ErrResourceUnavailable = errors.New("camera unavailable")

// DefaultActionTimeout bounds a single action trigger.
const DefaultActionTimeout = 10 * time.Second

var (
	recognitionsCounter metric.Int64Counter
	actionsCounter      metric.Int64Counter
)

func init() {
	var err error
	meter := otel.Meter("github.com/wachiwi/recarga/pkg/scanner")
	recognitionsCounter, err = meter.Int64Counter("recarga.scanner.recognitions",
		metric.WithDescription("Decoded frames routed through the normalizer"),
		metric.WithUnit("{frames}"),
	)
	if err != nil {
		slog.Error("Failed to create recognition counter", "error", err)
	}
	actionsCounter, err = meter.Int64Counter("recarga.scanner.actions",
		metric.WithDescription("Actions triggered for recognized codes"),
		metric.WithUnit("{actions}"),
	)
	if err != nil {
		slog.Error("Failed to create action counter", "error", err)
	}
}

// Camera is the capture handle the controller opens and closes.
type Camera interface {
	focus.Focuser
	decode.FrameSource
	Open(surface camera.Surface) error
	Close()
	FocusMode() focus.Mode
}

// Bootstrapper brings the engine up in the background.
type Bootstrapper interface {
	Start(ctx context.Context, req bootstrap.Request, dispatch bootstrap.Dispatcher, obs bootstrap.Observer) *bootstrap.Task
}

// DecodeLoop is the frame decoding worker.
type DecodeLoop interface {
	Start(continuous bool)
	ResetState()
	Stop()
	QuitSynchronously()
}

// FocusScheduler keeps the camera focused while scanning.
type FocusScheduler interface {
	Start()
	Stop()
}

// Session is the configuration a scanning session starts with.
type Session struct {
	ID string
	// FirstLaunch is set when no language data has been installed yet.
	FirstLaunch   bool
	StorageRoot   string
	Language      string
	EngineMode    ocr.EngineMode
	PageSegMode   ocr.PageSegMode
	Continuous    bool
	Template      code.Template
	// ActionTimeout bounds each action trigger. Actions run one at a time
	// off the controller loop, so a slow action delays the next action but
	// never a lifecycle event.
	ActionTimeout time.Duration
}

// Deps are the collaborators of a Controller. NewDecodeLoop and
// NewFocusScheduler default to pkg/decode and pkg/focus.
type Deps struct {
	Camera            Camera
	Engine            ocr.Engine
	Bootstrapper      Bootstrapper
	Presenter         Presenter
	Action            action.Action
	NewDecodeLoop     func(engine ocr.Engine, src decode.FrameSource, dispatch func(func()), h decode.Handler) DecodeLoop
	NewFocusScheduler func(f focus.Focuser, mode focus.Mode) FocusScheduler
	Logger            *slog.Logger
}

// Status is a point-in-time view of the controller.
type Status struct {
	SessionID       string              `json:"session_id"`
	State           CaptureState        `json:"state"`
	Engine          EngineState         `json:"engine"`
	EngineMode      string              `json:"engine_mode"`
	Visible         bool                `json:"visible"`
	HasSurface      bool                `json:"has_surface"`
	CameraOpen      bool                `json:"camera_open"`
	Progress        *bootstrap.Progress `json:"progress,omitempty"`
	LastRecognition *Recognition        `json:"last_recognition,omitempty"`
	LastError       string              `json:"last_error,omitempty"`
}

// Controller owns the scanning lifecycle. All of its state lives on the
// goroutine running Run; public methods post an event there and wait for it
// to be processed.
type Controller struct {
	deps    Deps
	session Session
	logger  *slog.Logger
	mb      *mailbox
	exited  chan struct{}
	runCtx  context.Context

	actions     *mailbox
	actionsStop chan struct{}
	actionsDone chan struct{}

	// Loop-owned.
	state           CaptureState
	engine          EngineState
	visible         bool
	hasSurface      bool
	surface         camera.Surface
	cameraOpen      bool
	requestedMode   ocr.EngineMode
	pendingMode     ocr.EngineMode
	initializedMode ocr.EngineMode
	failedMode      ocr.EngineMode
	task            *bootstrap.Task
	decoder         DecodeLoop
	decodeGen       int
	focus           FocusScheduler
	engineEnded     bool
	progress        *bootstrap.Progress
	lastRecognition *Recognition
	lastErr         error

	statusMu sync.RWMutex
	status   Status
}

// New creates a controller in StateIdle. Call Run to start its loop.
func New(deps Deps, session Session) *Controller {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Template == (code.Template{}) {
		session.Template = code.DefaultTemplate
	}
	if session.ActionTimeout <= 0 {
		session.ActionTimeout = DefaultActionTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Presenter == nil {
		deps.Presenter = LogPresenter{Logger: deps.Logger}
	}
	if deps.Action == nil {
		deps.Action = action.Chain{}
	}
	if deps.NewDecodeLoop == nil {
		deps.NewDecodeLoop = func(engine ocr.Engine, src decode.FrameSource, dispatch func(func()), h decode.Handler) DecodeLoop {
			return decode.NewLoop(engine, src, dispatch, h, decode.WithLogger(deps.Logger.With("component", "decode")))
		}
	}
	if deps.NewFocusScheduler == nil {
		deps.NewFocusScheduler = func(f focus.Focuser, mode focus.Mode) FocusScheduler {
			return focus.NewScheduler(f, mode, focus.WithLogger(deps.Logger.With("component", "focus")))
		}
	}

	c := &Controller{
		deps:          deps,
		session:       session,
		logger:        deps.Logger.With("component", "scanner", "session", session.ID),
		mb:            newMailbox(),
		exited:        make(chan struct{}),
		actions:       newMailbox(),
		actionsStop:   make(chan struct{}),
		actionsDone:   make(chan struct{}),
		runCtx:        context.Background(),
		requestedMode: session.EngineMode,
	}
	c.publish()
	return c
}

// Run processes events until Destroy is handled or ctx is cancelled, in which
// case the controller destroys itself first. Queued actions finish before Run
// returns.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.exited)
	c.runCtx = ctx
	go c.runActions()
	defer c.stopActions()
	c.logger.Info("Scanner loop started")

	for {
		for _, fn := range c.mb.drain() {
			fn()
			c.publish()
			if c.state == StateDestroyed {
				c.mb.close()
				c.logger.Info("Scanner loop stopped")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			c.destroy()
			c.publish()
			c.mb.close()
			return ctx.Err()
		case <-c.mb.wake:
		}
	}
}

// do runs fn on the loop and waits for it. It returns at once when the loop
// has exited.
func (c *Controller) do(fn func()) {
	done := make(chan struct{})
	if !c.mb.post(func() {
		defer close(done)
		fn()
	}) {
		return
	}
	select {
	case <-done:
	case <-c.exited:
	}
}

// runActions executes triggered actions in order on their own goroutine.
func (c *Controller) runActions() {
	defer close(c.actionsDone)
	for {
		for _, fn := range c.actions.drain() {
			fn()
		}
		select {
		case <-c.actions.wake:
		case <-c.actionsStop:
			for _, fn := range c.actions.drain() {
				fn()
			}
			return
		}
	}
}

func (c *Controller) stopActions() {
	close(c.actionsStop)
	<-c.actionsDone
	c.actions.close()
}

// dispatch hands work from background goroutines to the loop.
func (c *Controller) dispatch(fn func()) {
	c.mb.post(fn)
}

// Status returns the latest published snapshot.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

func (c *Controller) publish() {
	s := Status{
		SessionID:       c.session.ID,
		State:           c.state,
		Engine:          c.engine,
		EngineMode:      c.requestedMode.String(),
		Visible:         c.visible,
		HasSurface:      c.hasSurface,
		CameraOpen:      c.cameraOpen,
		Progress:        c.progress,
		LastRecognition: c.lastRecognition,
	}
	if c.lastErr != nil {
		s.LastError = UserMessage(c.lastErr)
	}
	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
}

// Start begins the session.
func (c *Controller) Start() { c.do(c.start) }

// Visible reports that the scanner came to the foreground.
func (c *Controller) Visible() { c.do(c.becomeVisible) }

// Hidden reports that the scanner left the foreground. Decoding, focusing
// and the camera are stopped before it returns.
func (c *Controller) Hidden() { c.do(c.becomeHidden) }

// SurfaceCreated reports that a preview surface is available.
func (c *Controller) SurfaceCreated(s camera.Surface) {
	c.do(func() { c.surfaceCreated(s) })
}

// SurfaceDestroyed reports that the preview surface is gone.
func (c *Controller) SurfaceDestroyed() { c.do(c.surfaceDestroyed) }

// RequestEngineMode selects the engine mode; a ready engine in another mode
// is re-initialized the next time the scanner is visible.
func (c *Controller) RequestEngineMode(m ocr.EngineMode) {
	c.do(func() { c.requestEngineMode(m) })
}

// Destroy ends the session and releases the engine. Later events are ignored.
func (c *Controller) Destroy() { c.do(c.destroy) }

// Done is closed when the loop has exited.
func (c *Controller) Done() <-chan struct{} { return c.exited }

func (c *Controller) setState(s CaptureState) {
	if c.state != s {
		c.logger.Debug("Capture state", "from", c.state, "to", s)
		c.state = s
	}
}

func (c *Controller) start() {
	if c.state != StateIdle {
		return
	}
	c.logger.Info("Session started", "first_launch", c.session.FirstLaunch, "language", c.session.Language, "mode", c.requestedMode)
	if c.session.FirstLaunch {
		c.deps.Presenter.ShowNotice(fmt.Sprintf("First launch: %s language data will be installed.", c.session.Language))
	}
	if !c.hasSurface {
		c.setState(StateAwaitingEngine)
	}
}

func (c *Controller) becomeVisible() {
	if c.state == StateDestroyed {
		return
	}
	c.visible = true
	c.lastRecognition = nil
	c.deps.Presenter.ClearResult()

	switch c.engine {
	case EngineBootstrapping:
		c.setState(StateAwaitingEngine)
	case EngineReady:
		if c.initializedMode == c.requestedMode {
			c.resume(false)
		} else {
			c.startBootstrap()
		}
	case EngineFailed:
		if c.failedMode != c.requestedMode {
			c.startBootstrap()
			return
		}
		c.setState(StateAwaitingEngine)
		c.deps.Presenter.ShowError(c.lastErr)
	default:
		c.startBootstrap()
	}
}

func (c *Controller) becomeHidden() {
	if c.state == StateDestroyed {
		return
	}
	c.visible = false
	c.stopCapture()
	c.setState(StatePaused)
}

func (c *Controller) surfaceCreated(s camera.Surface) {
	if c.state == StateDestroyed {
		return
	}
	if s == nil {
		c.logger.Error("Surface created without a surface")
		return
	}
	c.surface = s
	c.hasSurface = true
	// openCamera is a no-op while the camera is open, so a replacement
	// surface retries an open that failed earlier.
	if c.visible && c.engine == EngineReady && c.initializedMode == c.requestedMode {
		c.openCamera()
	}
}

func (c *Controller) surfaceDestroyed() {
	if c.state == StateDestroyed {
		return
	}
	c.hasSurface = false
	c.surface = nil
	if c.state == StateScanning {
		c.stopCapture()
		c.setState(StateAwaitingSurface)
	}
}

func (c *Controller) requestEngineMode(m ocr.EngineMode) {
	if c.state == StateDestroyed || m == c.requestedMode {
		return
	}
	c.logger.Info("Engine mode requested", "mode", m)
	c.requestedMode = m
	if c.visible && c.engine != EngineBootstrapping {
		c.startBootstrap()
	}
}

// resume continues after the engine became ready.
func (c *Controller) resume(afterBootstrap bool) {
	if !c.visible {
		return
	}
	c.deps.Engine.SetPageSegMode(c.session.PageSegMode)
	if c.decoder != nil {
		c.decoder.ResetState()
	}
	switch {
	case c.hasSurface:
		c.openCamera()
	case afterBootstrap:
		// Engine ready, no surface yet; the surface callback opens the camera.
		c.setState(StateAwaitingEngine)
	default:
		c.setState(StateAwaitingSurface)
	}
}

// openCamera starts scanning. It opens the camera at most once per
// visible period regardless of which readiness event arrived last.
func (c *Controller) openCamera() {
	if c.cameraOpen {
		return
	}
	if err := c.deps.Camera.Open(c.surface); err != nil {
		err = fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
		c.logger.Error("Failed to open camera", "error", err)
		c.lastErr = err
		c.deps.Presenter.ShowError(err)
		c.setState(StateAwaitingEngine)
		return
	}
	c.cameraOpen = true
	c.lastErr = nil

	c.focus = c.deps.NewFocusScheduler(c.deps.Camera, c.deps.Camera.FocusMode())
	c.focus.Start()

	c.decodeGen++
	c.decoder = c.deps.NewDecodeLoop(c.deps.Engine, c.deps.Camera, c.dispatch, decodeHandler{c: c, gen: c.decodeGen})
	c.decoder.Start(c.session.Continuous)

	c.setState(StateScanning)
}

// stopCapture tears scanning down in order: decoding, focusing, camera.
func (c *Controller) stopCapture() {
	if c.decoder != nil {
		c.decoder.QuitSynchronously()
		c.decoder = nil
	}
	if c.focus != nil {
		c.focus.Stop()
		c.focus = nil
	}
	if c.cameraOpen {
		c.deps.Camera.Close()
		c.cameraOpen = false
	}
}

func (c *Controller) startBootstrap() {
	// The engine is single-owner: nothing may decode while it is re-initialized.
	c.stopCapture()

	c.engine = EngineBootstrapping
	c.pendingMode = c.requestedMode
	c.setState(StateAwaitingEngine)

	req := bootstrap.Request{
		StorageRoot: c.session.StorageRoot,
		Language:    c.session.Language,
		Mode:        c.pendingMode,
	}
	c.logger.Info("Bootstrapping OCR engine", "language", req.Language, "mode", req.Mode)
	c.task = c.deps.Bootstrapper.Start(c.runCtx, req, c.dispatch, bootstrapObserver{c: c})
}

func (c *Controller) bootstrapDone(err error) {
	c.task = nil
	c.progress = nil
	c.deps.Presenter.DismissProgress()
	if c.state == StateDestroyed {
		return
	}

	if err != nil {
		c.engine = EngineFailed
		c.failedMode = c.pendingMode
		c.lastErr = err
		c.logger.Error("OCR engine bootstrap failed", "error", err)
		c.deps.Presenter.ShowError(err)
		return
	}

	c.engine = EngineReady
	c.initializedMode = c.pendingMode
	c.lastErr = nil
	if c.visible && c.requestedMode != c.initializedMode {
		c.startBootstrap()
		return
	}
	c.resume(true)
}

func (c *Controller) destroy() {
	if c.state == StateDestroyed {
		return
	}
	c.visible = false
	c.stopCapture()
	if c.task != nil {
		c.task.Cancel()
		c.task.Wait()
		c.task = nil
	}
	if !c.engineEnded && c.engine != EngineUninitialized {
		c.deps.Engine.End()
		c.engineEnded = true
	}
	c.setState(StateDestroyed)
	c.logger.Info("Session destroyed")
}

func (c *Controller) handleResult(gen int, res *ocr.Result) {
	if gen != c.decodeGen || c.state != StateScanning {
		return
	}
	digits, ok := code.Normalize(res.Text)
	rec := Recognition{
		Code:           digits,
		Matched:        ok,
		Text:           res.Text,
		MeanConfidence: res.MeanConfidence,
		Timestamp:      res.Timestamp,
	}
	c.lastRecognition = &rec
	c.deps.Presenter.ShowResult(rec)
	recognitionsCounter.Add(c.runCtx, 1, metric.WithAttributes(attribute.Bool("matched", ok)))
	if !ok {
		return
	}

	// Every qualifying frame triggers the action; there is no debounce.
	c.actions.post(func() { c.trigger(digits) })
}

// trigger runs on the action goroutine and must not touch loop-owned state.
func (c *Controller) trigger(digits string) {
	ctx, cancel := context.WithTimeout(c.runCtx, c.session.ActionTimeout)
	defer cancel()
	if err := c.deps.Action.Trigger(ctx, digits, c.session.Template); err != nil {
		c.logger.Warn("Action failed", "code", digits, "error", err)
		actionsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		return
	}
	actionsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
}

func (c *Controller) handleFailure(gen int, f *ocr.Failure) {
	if gen != c.decodeGen || c.state != StateScanning {
		return
	}
	c.logger.Debug("Decode failed", "error", f.Err)
	c.lastRecognition = nil
	c.deps.Presenter.ClearResult()
}

// decodeHandler tags decode results with the loop that produced them so
// results from a stopped loop are dropped.
type decodeHandler struct {
	c   *Controller
	gen int
}

func (h decodeHandler) HandleResult(res *ocr.Result) { h.c.handleResult(h.gen, res) }

func (h decodeHandler) HandleFailure(f *ocr.Failure) { h.c.handleFailure(h.gen, f) }

type bootstrapObserver struct {
	c *Controller
}

func (o bootstrapObserver) OnProgress(p bootstrap.Progress) {
	o.c.progress = &p
	o.c.deps.Presenter.ShowProgress(p)
}

func (o bootstrapObserver) OnDismissProgress() {
	o.c.progress = nil
	o.c.deps.Presenter.DismissProgress()
}

func (o bootstrapObserver) OnBootstrapDone(err error) {
	o.c.bootstrapDone(err)
}

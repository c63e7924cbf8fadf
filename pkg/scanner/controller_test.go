package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/wachiwi/recarga/pkg/action"
	"github.com/wachiwi/recarga/pkg/bootstrap"
	"github.com/wachiwi/recarga/pkg/camera"
	"github.com/wachiwi/recarga/pkg/code"
	"github.com/wachiwi/recarga/pkg/decode"
	"github.com/wachiwi/recarga/pkg/focus"
	"github.com/wachiwi/recarga/pkg/ocr"
)

type gatedEngine struct {
	mu    sync.Mutex
	gate  chan struct{}
	err   error
	inits []ocr.EngineMode
	ends  int
	psm   ocr.PageSegMode
}

func (e *gatedEngine) Init(_, _ string, mode ocr.EngineMode) error {
	if e.gate != nil {
		<-e.gate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inits = append(e.inits, mode)
	return e.err
}

func (e *gatedEngine) SetPageSegMode(m ocr.PageSegMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.psm = m
}

func (e *gatedEngine) Decode(context.Context, []byte) (*ocr.Result, error) {
	return &ocr.Result{}, nil
}

func (e *gatedEngine) End() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ends++
}

func (e *gatedEngine) initCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inits)
}

func (e *gatedEngine) endCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ends
}

type fakeCamera struct {
	mu      sync.Mutex
	openErr error
	opens   int
	closes  int
	open    bool
}

func (c *fakeCamera) Open(camera.Surface) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.opens++
	c.open = true
	return nil
}

func (c *fakeCamera) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.open = false
}

func (c *fakeCamera) Frame() ([]byte, error) { return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil }

func (c *fakeCamera) FocusMode() focus.Mode { return focus.ModeAuto }

func (c *fakeCamera) AutoFocus(func(bool)) error { return nil }

func (c *fakeCamera) CancelAutoFocus() error { return nil }

func (c *fakeCamera) counts() (opens, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.closes
}

func (c *fakeCamera) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeCamera) setOpenErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErr = err
}

type fakeDecoder struct {
	dispatch func(func())
	handler  decode.Handler
	started  bool
	resets   int
	quit     bool
}

func (d *fakeDecoder) Start(bool) { d.started = true }

func (d *fakeDecoder) ResetState() { d.resets++ }

func (d *fakeDecoder) Stop() { d.quit = true }

func (d *fakeDecoder) QuitSynchronously() { d.quit = true }

type fakeFocus struct {
	started, stopped bool
}

func (f *fakeFocus) Start() { f.started = true }
func (f *fakeFocus) Stop()  { f.stopped = true }

type recordingPresenter struct {
	mu       sync.Mutex
	results  []Recognition
	clears   int
	errs     []error
	notices  []string
	progress []bootstrap.Progress
}

func (p *recordingPresenter) ShowProgress(pr bootstrap.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, pr)
}

func (p *recordingPresenter) DismissProgress() {}

func (p *recordingPresenter) ShowResult(r Recognition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, r)
}

func (p *recordingPresenter) ClearResult() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
}

func (p *recordingPresenter) ShowError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
}

func (p *recordingPresenter) ShowNotice(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, msg)
}

type harness struct {
	t         *testing.T
	ctrl      *Controller
	engine    *gatedEngine
	cam       *fakeCamera
	presenter *recordingPresenter
	cancel    context.CancelFunc
	runErr    chan error

	mu       sync.Mutex
	decoders []*fakeDecoder
	focusers []*fakeFocus
	dialed   []string

	// actionGate, when set, holds every action until it is closed.
	actionGate chan struct{}
}

func newHarness(t *testing.T, engine *gatedEngine) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		engine:    engine,
		cam:       &fakeCamera{},
		presenter: &recordingPresenter{},
		runErr:    make(chan error, 1),
	}
	assets := fstest.MapFS{"tessdata/eng.traineddata": &fstest.MapFile{Data: []byte("model")}}

	deps := Deps{
		Camera:       h.cam,
		Engine:       engine,
		Bootstrapper: bootstrap.New(engine, assets, nil),
		Presenter:    h.presenter,
		Action: action.Func(func(ctx context.Context, c string, tmpl code.Template) error {
			h.mu.Lock()
			gate := h.actionGate
			h.mu.Unlock()
			if gate != nil {
				select {
				case <-gate:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			h.dialed = append(h.dialed, tmpl.Format(c))
			return nil
		}),
		NewDecodeLoop: func(_ ocr.Engine, _ decode.FrameSource, dispatch func(func()), handler decode.Handler) DecodeLoop {
			d := &fakeDecoder{dispatch: dispatch, handler: handler}
			h.mu.Lock()
			h.decoders = append(h.decoders, d)
			h.mu.Unlock()
			return d
		},
		NewFocusScheduler: func(focus.Focuser, focus.Mode) FocusScheduler {
			f := &fakeFocus{}
			h.mu.Lock()
			h.focusers = append(h.focusers, f)
			h.mu.Unlock()
			return f
		},
	}
	session := Session{
		StorageRoot: t.TempDir(),
		Language:    "eng",
		EngineMode:  ocr.TesseractOnly,
		PageSegMode: ocr.AutoOSD,
		Continuous:  true,
	}
	h.ctrl = New(deps, session)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.ctrl.Done():
		case <-time.After(2 * time.Second):
			t.Error("controller loop did not exit")
		}
	})
	return h
}

func (h *harness) waitFor(desc string, cond func(Status) bool) Status {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := h.ctrl.Status()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s; status %+v", desc, s)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) lastDecoder() *fakeDecoder {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.decoders) == 0 {
		h.t.Fatal("no decode loop created")
	}
	return h.decoders[len(h.decoders)-1]
}

// emit delivers a decode outcome through the loop and waits until it has
// been handled.
func (h *harness) emit(d *fakeDecoder, text string) {
	d.dispatch(func() { d.handler.HandleResult(&ocr.Result{Text: text, Timestamp: time.Now()}) })
	h.ctrl.do(func() {})
}

func (h *harness) emitFailure(d *fakeDecoder) {
	d.dispatch(func() { d.handler.HandleFailure(&ocr.Failure{Err: errors.New("blur"), Timestamp: time.Now()}) })
	h.ctrl.do(func() {})
}

func (h *harness) dialedCodes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.dialed...)
}

// waitDialed waits until n actions have completed.
func (h *harness) waitDialed(n int) []string {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := h.dialedCodes()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %d dials; got %v", n, got)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func scanning(s Status) bool { return s.State == StateScanning }

func (h *harness) startScanning() {
	h.t.Helper()
	h.ctrl.Start()
	h.ctrl.SurfaceCreated(camera.Discard)
	h.ctrl.Visible()
	h.waitFor("scanning", scanning)
}

func TestSurfaceBeforeEngine(t *testing.T) {
	engine := &gatedEngine{gate: make(chan struct{})}
	h := newHarness(t, engine)

	h.ctrl.Start()
	if s := h.ctrl.Status(); s.State != StateAwaitingEngine {
		t.Fatalf("after Start: %s, want awaiting_engine", s.State)
	}
	h.ctrl.SurfaceCreated(camera.Discard)
	h.ctrl.Visible()

	s := h.ctrl.Status()
	if s.State != StateAwaitingEngine || s.Engine != EngineBootstrapping {
		t.Fatalf("before engine ready: %s/%s", s.State, s.Engine)
	}
	if opens, _ := h.cam.counts(); opens != 0 {
		t.Fatalf("camera opened before engine ready")
	}

	close(engine.gate)
	s = h.waitFor("scanning", scanning)
	if s.Engine != EngineReady || !s.HasSurface || !s.CameraOpen {
		t.Errorf("scanning without preconditions: %+v", s)
	}
	if opens, _ := h.cam.counts(); opens != 1 {
		t.Errorf("camera opened %d times, want 1", opens)
	}
	engine.mu.Lock()
	psm := engine.psm
	engine.mu.Unlock()
	if psm != ocr.AutoOSD {
		t.Errorf("page seg mode = %s, want auto_osd", psm)
	}
}

func TestEngineBeforeSurface(t *testing.T) {
	engine := &gatedEngine{}
	h := newHarness(t, engine)

	h.ctrl.Start()
	h.ctrl.Visible()
	s := h.waitFor("engine ready", func(s Status) bool { return s.Engine == EngineReady })
	if s.State != StateAwaitingEngine || s.HasSurface {
		t.Fatalf("engine ready without surface: %s", s.State)
	}
	if opens, _ := h.cam.counts(); opens != 0 {
		t.Fatal("camera opened without surface")
	}

	h.ctrl.SurfaceCreated(camera.Discard)
	if s := h.ctrl.Status(); s.State != StateScanning {
		t.Fatalf("after surface: %s, want scanning", s.State)
	}
	h.ctrl.SurfaceCreated(camera.Discard)
	if opens, _ := h.cam.counts(); opens != 1 {
		t.Errorf("camera opened %d times, want 1", opens)
	}
}

func TestHiddenDuringBootstrapResumesWithoutReinit(t *testing.T) {
	engine := &gatedEngine{gate: make(chan struct{})}
	h := newHarness(t, engine)

	h.ctrl.Start()
	h.ctrl.SurfaceCreated(camera.Discard)
	h.ctrl.Visible()
	h.ctrl.Hidden()
	if s := h.ctrl.Status(); s.State != StatePaused {
		t.Fatalf("after Hidden: %s, want paused", s.State)
	}

	close(engine.gate)
	s := h.waitFor("engine ready", func(s Status) bool { return s.Engine == EngineReady })
	if s.State != StatePaused || s.CameraOpen {
		t.Fatalf("scanning started while hidden: %+v", s)
	}

	h.ctrl.Visible()
	if s := h.ctrl.Status(); s.State != StateScanning {
		t.Fatalf("after Visible: %s, want scanning", s.State)
	}
	if n := engine.initCount(); n != 1 {
		t.Errorf("engine initialized %d times, want 1", n)
	}
}

func TestHiddenStopsEverythingSynchronously(t *testing.T) {
	h := newHarness(t, &gatedEngine{})
	h.startScanning()
	d := h.lastDecoder()

	h.ctrl.Hidden()

	if !d.quit {
		t.Error("decode loop still running after Hidden")
	}
	h.mu.Lock()
	f := h.focusers[len(h.focusers)-1]
	h.mu.Unlock()
	if !f.stopped {
		t.Error("focus scheduler still running after Hidden")
	}
	if h.cam.isOpen() {
		t.Error("camera still open after Hidden")
	}
	if s := h.ctrl.Status(); s.State != StatePaused || s.CameraOpen {
		t.Errorf("status after Hidden: %+v", s)
	}

	// A result that was in flight when the loop stopped is dropped.
	h.emit(d, "1234567890123456")
	if got := h.dialedCodes(); len(got) != 0 {
		t.Errorf("stale result dialed %v", got)
	}

	h.ctrl.Visible()
	if s := h.ctrl.Status(); s.State != StateScanning {
		t.Fatalf("after Visible: %s", s.State)
	}
	if opens, closes := h.cam.counts(); opens != 2 || closes != 1 {
		t.Errorf("opens=%d closes=%d, want 2/1", opens, closes)
	}
}

func TestRecognitionRouting(t *testing.T) {
	h := newHarness(t, &gatedEngine{})
	h.startScanning()
	d := h.lastDecoder()

	h.emit(d, "PIN 1234 5678 9012 3456")
	h.emit(d, "1234-5678-9012-3456")
	h.emit(d, "12345")
	h.emitFailure(d)

	want := []string{"*662*1234567890123456#", "*662*1234567890123456#"}
	got := h.waitDialed(len(want))
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("dialed %v, want %v", got, want)
	}

	h.presenter.mu.Lock()
	defer h.presenter.mu.Unlock()
	if len(h.presenter.results) != 3 {
		t.Fatalf("rendered %d results, want 3", len(h.presenter.results))
	}
	if r := h.presenter.results[2]; r.Matched || r.Code != "" || r.Text != "12345" {
		t.Errorf("non-matching result rendered as %+v", r)
	}
	if r := h.presenter.results[0]; !r.Matched || r.Code != "1234567890123456" {
		t.Errorf("matching result rendered as %+v", r)
	}
	// One clear on becoming visible, one for the failure.
	if h.presenter.clears != 2 {
		t.Errorf("clears = %d, want 2", h.presenter.clears)
	}
}

func TestCameraOpenFailureIsReported(t *testing.T) {
	h := newHarness(t, &gatedEngine{})
	h.cam.setOpenErr(errors.New("device busy"))

	h.ctrl.Start()
	h.ctrl.SurfaceCreated(camera.Discard)
	h.ctrl.Visible()
	h.waitFor("engine ready", func(s Status) bool { return s.Engine == EngineReady })
	s := h.ctrl.Status()
	if s.State == StateScanning || s.CameraOpen {
		t.Fatalf("scanning without a camera: %+v", s)
	}
	if s.LastError == "" {
		t.Error("status carries no error")
	}

	h.presenter.mu.Lock()
	errs := append([]error(nil), h.presenter.errs...)
	h.presenter.mu.Unlock()
	if len(errs) != 1 || !errors.Is(errs[0], ErrResourceUnavailable) {
		t.Fatalf("errors shown = %v, want ErrResourceUnavailable", errs)
	}

	// The controller keeps working: the camera recovers on the next resume.
	h.ctrl.Hidden()
	h.cam.setOpenErr(nil)
	h.ctrl.Visible()
	if s := h.ctrl.Status(); s.State != StateScanning {
		t.Errorf("after recovery: %s, want scanning", s.State)
	}
}

func TestCameraOpenFailureOnResume(t *testing.T) {
	h := newHarness(t, &gatedEngine{})
	h.startScanning()

	h.ctrl.Hidden()
	h.cam.setOpenErr(errors.New("device busy"))
	h.ctrl.Visible()

	s := h.ctrl.Status()
	if s.State != StateAwaitingEngine {
		t.Errorf("state after failed resume = %s, want awaiting_engine", s.State)
	}
	if !s.Visible || s.CameraOpen {
		t.Errorf("visible=%v camera_open=%v, want true/false", s.Visible, s.CameraOpen)
	}
	h.presenter.mu.Lock()
	errs := append([]error(nil), h.presenter.errs...)
	h.presenter.mu.Unlock()
	if len(errs) != 1 || !errors.Is(errs[0], ErrResourceUnavailable) {
		t.Errorf("errors shown = %v, want ErrResourceUnavailable", errs)
	}
}

func TestReplacementSurfaceRetriesCamera(t *testing.T) {
	h := newHarness(t, &gatedEngine{})
	h.cam.setOpenErr(errors.New("device busy"))

	h.ctrl.Start()
	h.ctrl.SurfaceCreated(camera.Discard)
	h.ctrl.Visible()
	h.waitFor("engine ready", func(s Status) bool { return s.Engine == EngineReady })
	if s := h.ctrl.Status(); s.CameraOpen {
		t.Fatalf("camera open despite error: %+v", s)
	}

	h.cam.setOpenErr(nil)
	h.ctrl.SurfaceCreated(camera.Discard)
	s := h.ctrl.Status()
	if s.State != StateScanning || !s.CameraOpen {
		t.Fatalf("after replacement surface: %+v", s)
	}
	if s.LastError != "" {
		t.Errorf("stale error %q after recovery", s.LastError)
	}

	// Another surface while scanning does not reopen the camera.
	h.ctrl.SurfaceCreated(camera.Discard)
	if opens, _ := h.cam.counts(); opens != 1 {
		t.Errorf("opens = %d, want 1", opens)
	}
}

func TestSlowActionDoesNotBlockHidden(t *testing.T) {
	h := newHarness(t, &gatedEngine{})
	gate := make(chan struct{})
	h.mu.Lock()
	h.actionGate = gate
	h.mu.Unlock()

	h.startScanning()
	d := h.lastDecoder()
	h.emit(d, "1234567890123456")

	hidden := make(chan struct{})
	go func() {
		h.ctrl.Hidden()
		close(hidden)
	}()
	select {
	case <-hidden:
	case <-time.After(time.Second):
		t.Fatal("Hidden waited for the action")
	}
	if got := h.dialedCodes(); len(got) != 0 {
		t.Fatalf("action finished before release: %v", got)
	}

	close(gate)
	if got := h.waitDialed(1); got[0] != "*662*1234567890123456#" {
		t.Errorf("dialed %v", got)
	}
}

func TestBootstrapFailureIsTerminal(t *testing.T) {
	engine := &gatedEngine{err: errors.New("corrupt data")}
	h := newHarness(t, engine)

	h.ctrl.Start()
	h.ctrl.SurfaceCreated(camera.Discard)
	h.ctrl.Visible()
	s := h.waitFor("engine failed", func(s Status) bool { return s.Engine == EngineFailed })
	if s.State == StateScanning {
		t.Fatal("scanning with a failed engine")
	}

	h.ctrl.Hidden()
	h.ctrl.Visible()
	if n := engine.initCount(); n != 1 {
		t.Errorf("engine init retried: %d attempts", n)
	}
	if opens, _ := h.cam.counts(); opens != 0 {
		t.Error("camera opened with failed engine")
	}

	h.presenter.mu.Lock()
	defer h.presenter.mu.Unlock()
	if len(h.presenter.errs) == 0 || !errors.Is(h.presenter.errs[0], bootstrap.ErrEngineInit) {
		t.Errorf("errors shown = %v", h.presenter.errs)
	}
}

func TestEngineModeChangeReinitializes(t *testing.T) {
	engine := &gatedEngine{}
	h := newHarness(t, engine)
	h.startScanning()
	first := h.lastDecoder()

	h.ctrl.RequestEngineMode(ocr.DefaultEngineMode)
	if !first.quit {
		t.Fatal("decode loop not stopped before re-initializing the engine")
	}
	s := h.waitFor("scanning in new mode", func(s Status) bool {
		return s.State == StateScanning && s.EngineMode == ocr.DefaultEngineMode.String()
	})
	if !s.CameraOpen {
		t.Error("camera not reopened")
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.inits) != 2 || engine.inits[1] != ocr.DefaultEngineMode {
		t.Errorf("inits = %v", engine.inits)
	}
}

func TestSurfaceDestroyedWhileScanning(t *testing.T) {
	h := newHarness(t, &gatedEngine{})
	h.startScanning()

	h.ctrl.SurfaceDestroyed()
	if s := h.ctrl.Status(); s.State != StateAwaitingSurface || s.CameraOpen || s.HasSurface {
		t.Fatalf("after surface destroyed: %+v", s)
	}
	h.ctrl.SurfaceCreated(camera.Discard)
	if s := h.ctrl.Status(); s.State != StateScanning {
		t.Fatalf("after new surface: %s", s.State)
	}
}

func TestDestroyEndsEngineOnce(t *testing.T) {
	engine := &gatedEngine{}
	h := newHarness(t, engine)
	h.startScanning()

	h.ctrl.Destroy()
	h.ctrl.Destroy()
	h.ctrl.Visible()

	select {
	case <-h.ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop still running after Destroy")
	}
	if n := engine.endCount(); n != 1 {
		t.Errorf("engine ended %d times, want 1", n)
	}
	if s := h.ctrl.Status(); s.State != StateDestroyed || s.CameraOpen {
		t.Errorf("status after Destroy: %+v", s)
	}
	if h.cam.isOpen() {
		t.Error("camera left open")
	}
}

func TestDestroyDuringBootstrapWaitsForEngine(t *testing.T) {
	engine := &gatedEngine{gate: make(chan struct{})}
	h := newHarness(t, engine)
	h.ctrl.Start()
	h.ctrl.Visible()

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(engine.gate)
	}()
	h.ctrl.Destroy()

	if n := engine.endCount(); n != 1 {
		t.Errorf("engine ended %d times, want 1", n)
	}
	if opens, _ := h.cam.counts(); opens != 0 {
		t.Error("camera opened during destroy")
	}
}

func TestCancelledRunDestroys(t *testing.T) {
	engine := &gatedEngine{}
	h := newHarness(t, engine)
	h.startScanning()

	h.cancel()
	if err := <-h.runErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}
	if n := engine.endCount(); n != 1 {
		t.Errorf("engine ended %d times, want 1", n)
	}
}

func TestFirstLaunchNotice(t *testing.T) {
	h := newHarness(t, &gatedEngine{})
	h.ctrl.session.FirstLaunch = true
	h.ctrl.Start()

	h.presenter.mu.Lock()
	defer h.presenter.mu.Unlock()
	if len(h.presenter.notices) != 1 {
		t.Errorf("notices = %v", h.presenter.notices)
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrResourceUnavailable, "Could not initialize camera. Please try restarting device."},
		{bootstrap.ErrInstall, "Could not install language data. Check free storage and network access."},
		{errors.New("other"), "other"},
	}
	for _, tt := range tests {
		if got := UserMessage(tt.err); got != tt.want {
			t.Errorf("UserMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

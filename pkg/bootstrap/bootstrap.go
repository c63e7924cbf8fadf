package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/wachiwi/recarga/pkg/ocr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrInstall covers data directory creation, asset copy and download failures.
	ErrInstall = errors.New("language data install failed")
	// ErrEngineInit is returned when the engine rejects the installed data.
	ErrEngineInit = errors.New("ocr engine init failed")
)

const (
	// MsgChecking is shown while looking for installed language data.
	MsgChecking = "Checking for data installation..."
	// MsgInitializing is shown while the engine loads its data.
	MsgInitializing = "Initializing OCR engine..."
)

var (
	durationHistogram metric.Float64Histogram
	outcomeCounter    metric.Int64Counter
)

func init() {
	var err error
	meter := otel.Meter("github.com/wachiwi/recarga/pkg/bootstrap")
	durationHistogram, err = meter.Float64Histogram("recarga.bootstrap.duration",
		metric.WithDescription("Time spent bringing the OCR engine up"),
		metric.WithUnit("s"),
	)
	if err != nil {
		slog.Error("Failed to create bootstrap duration histogram", "error", err)
	}
	outcomeCounter, err = meter.Int64Counter("recarga.bootstrap.outcomes",
		metric.WithDescription("Bootstrap runs by outcome"),
		metric.WithUnit("{runs}"),
	)
	if err != nil {
		slog.Error("Failed to create bootstrap outcome counter", "error", err)
	}
}

// Request names the data an engine should be brought up with.
type Request struct {
	StorageRoot string
	Language    string
	Mode        ocr.EngineMode
}

// DataDir is the directory holding language data under root.
func DataDir(root string) string {
	return filepath.Join(root, "tessdata")
}

// ModelPath is the installed language data file.
func ModelPath(root, lang string) string {
	return filepath.Join(DataDir(root), lang+".traineddata")
}

// MarkerPath flags an install of lang that has not finished yet.
func MarkerPath(root, lang string) string {
	return ModelPath(root, lang) + ".download"
}

// AssetPath is the location of the bundled language data inside the assets FS.
func AssetPath(lang string) string {
	return path.Join("tessdata", lang+".traineddata")
}

// Progress is one user-visible step of the bootstrap.
type Progress struct {
	Message string `json:"message"`
	Percent int    `json:"percent"`
}

// Observer receives bootstrap notifications. All calls arrive through the
// Dispatcher passed to Start.
type Observer interface {
	OnProgress(p Progress)
	// OnDismissProgress hides the progress indicator. It may be called when
	// the indicator is already gone and must tolerate that.
	OnDismissProgress()
	OnBootstrapDone(err error)
}

// Dispatcher runs fn on the observer's goroutine.
type Dispatcher func(fn func())

// Downloader fetches language data from the network into dest.
type Downloader interface {
	Download(ctx context.Context, lang, dest string, progress func(percent int)) error
}

// Bootstrapper installs language data and initializes an engine.
type Bootstrapper struct {
	engine     ocr.Engine
	assets     fs.FS
	downloader Downloader
	logger     *slog.Logger
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bootstrapper) {
		if l != nil {
			b.logger = l
		}
	}
}

// New returns a Bootstrapper. assets and downloader may be nil, in which case
// that install source is skipped.
func New(engine ocr.Engine, assets fs.FS, downloader Downloader, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		engine:     engine,
		assets:     assets,
		downloader: downloader,
		logger:     slog.Default().With("component", "bootstrap"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Task is a bootstrap running in the background.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Cancel asks the bootstrap to stop between phases. An engine Init already
// in progress runs to completion.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed once the bootstrap has finished and its completion has been
// handed to the dispatcher.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the bootstrap finishes and returns its result.
func (t *Task) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Start runs Initialize on a new goroutine. Progress and completion reach
// the observer only through dispatch.
func (b *Bootstrapper) Start(ctx context.Context, req Request, dispatch Dispatcher, obs Observer) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		defer cancel()

		started := time.Now()
		last := -1
		report := func(p Progress) {
			if p.Percent < last {
				p.Percent = last
			}
			last = p.Percent
			dispatch(func() { obs.OnProgress(p) })
		}

		err := b.Initialize(ctx, req, report, func() {
			dispatch(obs.OnDismissProgress)
		})

		outcome := "ready"
		switch {
		case errors.Is(err, ErrInstall):
			outcome = "install_failed"
		case errors.Is(err, ErrEngineInit):
			outcome = "init_failed"
		case err != nil:
			outcome = "cancelled"
		}
		durationHistogram.Record(context.Background(), time.Since(started).Seconds())
		outcomeCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))

		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		dispatch(func() { obs.OnBootstrapDone(err) })
	}()
	return t
}

// Initialize runs the bootstrap phases in order on the calling goroutine:
// data directory creation, stale partial install cleanup, install from the
// bundled assets or the network, and engine initialization. report and
// dismiss may be nil.
func (b *Bootstrapper) Initialize(ctx context.Context, req Request, report func(Progress), dismiss func()) error {
	if report == nil {
		report = func(Progress) {}
	}
	if dismiss == nil {
		dismiss = func() {}
	}
	log := b.logger.With("language", req.Language, "root", req.StorageRoot)

	report(Progress{Message: MsgChecking, Percent: 0})

	dataDir := DataDir(req.StorageRoot)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Error("Failed to create data directory", "dir", dataDir, "error", err)
		return fmt.Errorf("%w: create %s: %v", ErrInstall, dataDir, err)
	}

	model := ModelPath(req.StorageRoot, req.Language)
	marker := MarkerPath(req.StorageRoot, req.Language)
	if _, err := os.Stat(marker); err == nil {
		log.Warn("Removing incomplete language data install", "marker", marker)
		if err := os.Remove(model); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: remove partial %s: %v", ErrInstall, model, err)
		}
		if err := os.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: remove marker %s: %v", ErrInstall, marker, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := os.Stat(model); errors.Is(err, os.ErrNotExist) {
		if err := b.install(ctx, req, model, marker, report, log); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrInstall, model, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	report(Progress{Message: MsgInitializing, Percent: 100})
	dismiss()

	if err := b.initEngine(req); err != nil {
		log.Error("Engine init failed", "mode", req.Mode, "error", err)
		return err
	}
	log.Info("OCR engine ready", "mode", req.Mode)
	return nil
}

func (b *Bootstrapper) initEngine(req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: engine panicked: %v", ErrEngineInit, r)
		}
	}()
	if err := b.engine.Init(req.StorageRoot, req.Language, req.Mode); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineInit, err)
	}
	return nil
}

// install writes the model file while holding the marker, trying the bundled
// assets before the network.
func (b *Bootstrapper) install(ctx context.Context, req Request, model, marker string, report func(Progress), log *slog.Logger) error {
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		return fmt.Errorf("%w: create marker: %v", ErrInstall, err)
	}

	var errs []error
	installed := false

	if b.assets != nil {
		err := b.installFromAssets(req.Language, model, report)
		switch {
		case err == nil:
			installed = true
			log.Info("Installed language data from bundled assets")
		case errors.Is(err, fs.ErrNotExist):
			log.Info("No bundled language data, trying download")
		default:
			log.Warn("Bundled language data install failed", "error", err)
			errs = append(errs, err)
		}
	}

	if !installed && b.downloader != nil {
		os.Remove(model)
		msg := fmt.Sprintf("Downloading %s language data...", req.Language)
		err := b.downloader.Download(ctx, req.Language, model, func(percent int) {
			report(Progress{Message: msg, Percent: percent})
		})
		if err != nil {
			log.Warn("Language data download failed", "error", err)
			errs = append(errs, err)
		} else {
			installed = true
			log.Info("Downloaded language data")
		}
	}

	if !installed {
		os.Remove(model)
		os.Remove(marker)
		if len(errs) == 0 {
			errs = append(errs, errors.New("no install source available"))
		}
		return fmt.Errorf("%w: %v", ErrInstall, errors.Join(errs...))
	}

	if err := os.Remove(marker); err != nil {
		return fmt.Errorf("%w: remove marker: %v", ErrInstall, err)
	}
	return nil
}

func (b *Bootstrapper) installFromAssets(lang, model string, report func(Progress)) error {
	src, err := b.assets.Open(AssetPath(lang))
	if err != nil {
		return err
	}
	defer src.Close()

	var total int64
	if info, err := src.Stat(); err == nil {
		total = info.Size()
	}

	dst, err := os.Create(model)
	if err != nil {
		return fmt.Errorf("create %s: %w", model, err)
	}

	msg := fmt.Sprintf("Installing %s language data...", lang)
	w := &progressWriter{w: dst, total: total, report: func(percent int) {
		report(Progress{Message: msg, Percent: percent})
	}}
	if _, err := io.Copy(w, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy asset: %w", err)
	}
	return dst.Close()
}

type progressWriter struct {
	w       io.Writer
	total   int64
	written int64
	last    int
	report  func(int)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.total > 0 {
		percent := int(p.written * 100 / p.total)
		if percent > p.last {
			p.last = percent
			p.report(percent)
		}
	}
	return n, err
}

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/wachiwi/recarga/pkg/action"
	"github.com/wachiwi/recarga/pkg/beep"
	"github.com/wachiwi/recarga/pkg/bootstrap"
	"github.com/wachiwi/recarga/pkg/camera"
	"github.com/wachiwi/recarga/pkg/config"
	"github.com/wachiwi/recarga/pkg/decode"
	"github.com/wachiwi/recarga/pkg/download"
	"github.com/wachiwi/recarga/pkg/emitter"
	"github.com/wachiwi/recarga/pkg/focus"
	"github.com/wachiwi/recarga/pkg/history"
	"github.com/wachiwi/recarga/pkg/indicator"
	"github.com/wachiwi/recarga/pkg/logger"
	"github.com/wachiwi/recarga/pkg/ocr"
	"github.com/wachiwi/recarga/pkg/scanner"
	"github.com/wachiwi/recarga/pkg/server"
	"github.com/wachiwi/recarga/pkg/telemetry"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("RECARGA_CONFIG"), "Path to the YAML config file")
	flag.Parse()

	logger.Setup(os.Getenv("RECARGA_LOG_LEVEL"))
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}
	logger.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
		if err != nil {
			slog.Error("Failed to set up telemetry", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					slog.Error("Error shutting down telemetry", "error", err)
				}
			}()
		}
	}

	engineMode, psm, focusMode := cfg.Modes()
	sessionID := uuid.NewString()
	log := slog.Default().With("session", sessionID)

	cam := camera.New(camera.Config{
		Device:      cfg.Camera.Device,
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		FPS:         cfg.Camera.FPS,
		FocusMode:   focusMode,
		Placeholder: cfg.Camera.Placeholder,
	})
	engine := ocr.NewEngine()
	boot := bootstrap.New(engine, os.DirFS(cfg.AssetsDir), download.NewClient(cfg.Download.BaseURL),
		bootstrap.WithLogger(log.With("component", "bootstrap")))

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("Error during cleanup", "error", err)
			}
		}
	}()

	var actions action.Chain
	if len(cfg.Dial.Command) > 0 {
		actions = append(actions, &action.Dialer{Command: cfg.Dial.Command, Logger: log.With("component", "dialer")})
	} else {
		slog.Warn("No dial command configured, recognized codes are only recorded")
	}

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(ctx, cfg.History.Path)
		if err != nil {
			logger.Fatal("Failed to open dial history", "path", cfg.History.Path, "error", err)
		}
		closers = append(closers, store.Close)
		actions = append(actions, &history.Recorder{Store: store, SessionID: sessionID})
	}

	if cfg.Sound.Path != "" {
		player, err := beep.New(cfg.Sound.Path, log)
		if err != nil {
			slog.Warn("Confirmation sound disabled", "path", cfg.Sound.Path, "error", err)
		} else {
			actions = append(actions, player)
		}
	}

	if cfg.MQTT.Broker != "" {
		em := emitter.NewMQTTEmitter(emitter.Config{
			Broker:    cfg.MQTT.Broker,
			Topic:     cfg.MQTT.Topic,
			ClientID:  cfg.MQTT.ClientID,
			QoS:       cfg.MQTT.QoS,
			SessionID: sessionID,
		})
		if err := em.Connect(ctx); err != nil {
			slog.Warn("MQTT not connected yet, will keep retrying", "error", err)
		}
		closers = append(closers, em.Close)
		actions = append(actions, em)
	}

	// The button handler needs the controller, which needs the action chain.
	var ctrl *scanner.Controller
	if cfg.GPIO.Enabled {
		ind, err := indicator.Open(indicator.Config{Chip: cfg.GPIO.Chip, LED: cfg.GPIO.LED, Button: cfg.GPIO.Button},
			func() { toggleVisibility(ctrl) }, log)
		if err != nil {
			slog.Warn("GPIO indicator disabled", "error", err)
		} else {
			closers = append(closers, ind.Close)
			actions = append(actions, ind)
		}
	}

	deps := scanner.Deps{
		Camera:       cam,
		Engine:       engine,
		Bootstrapper: boot,
		Presenter:    scanner.LogPresenter{Logger: log},
		Action:       actions,
		Logger:       log,
		NewDecodeLoop: func(e ocr.Engine, src decode.FrameSource, dispatch func(func()), h decode.Handler) scanner.DecodeLoop {
			return decode.NewLoop(e, src, dispatch, h,
				decode.WithInterval(cfg.Decode.Interval),
				decode.WithLogger(log.With("component", "decode")))
		},
		NewFocusScheduler: func(f focus.Focuser, mode focus.Mode) scanner.FocusScheduler {
			return focus.NewScheduler(f, mode,
				focus.WithInterval(cfg.Focus.Interval),
				focus.WithLogger(log.With("component", "focus")))
		},
	}
	_, statErr := os.Stat(bootstrap.ModelPath(cfg.StorageRoot, cfg.Language))
	session := scanner.Session{
		ID:            sessionID,
		FirstLaunch:   errors.Is(statErr, os.ErrNotExist),
		StorageRoot:   cfg.StorageRoot,
		Language:      cfg.Language,
		EngineMode:    engineMode,
		PageSegMode:   psm,
		Continuous:    cfg.Continuous,
		Template:      cfg.Template(),
		ActionTimeout: cfg.Dial.Timeout,
	}
	ctrl = scanner.New(deps, session)

	// The controller is torn down explicitly below, not by signal.
	go ctrl.Run(context.Background())
	ctrl.Start()

	srv := server.New(server.Config{
		Addr:          cfg.Server.Addr,
		User:          cfg.Server.User,
		Password:      cfg.Server.Password,
		SessionSecret: cfg.Server.SessionSecret,
		Headless:      cfg.Server.Headless,
	}, ctrl, historyStore(store), log)

	if cfg.Server.Headless || cfg.Server.Addr == "" {
		ctrl.SurfaceCreated(srv.Preview())
	}
	ctrl.Visible()

	var c *cron.Cron
	if store != nil {
		c = cron.New(cron.WithChain(cron.SkipIfStillRunning(&logger.CronLogger{Logger: slog.Default()})))
		_, err := c.AddFunc(cfg.History.PruneSchedule, func() {
			n, err := store.Prune(ctx, cfg.History.Retention)
			if err != nil {
				slog.Error("Failed to prune dial history", "error", err)
				return
			}
			if n > 0 {
				slog.Info("Pruned dial history", "removed", n)
			}
		})
		if err != nil {
			logger.Fatal("Invalid history prune schedule", "schedule", cfg.History.PruneSchedule, "error", err)
		}
		c.Start()
	}

	go monitor(ctx, ctrl, srv.Preview())

	serverErr := make(chan error, 1)
	if cfg.Server.Addr != "" {
		go func() { serverErr <- srv.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case err := <-serverErr:
		slog.Error("HTTP server stopped", "error", err)
		stop()
	}

	if c != nil {
		<-c.Stop().Done()
	}
	ctrl.Hidden()
	ctrl.Destroy()
	<-ctrl.Done()
	slog.Info("Scanner stopped")
}

func toggleVisibility(ctrl *scanner.Controller) {
	if ctrl == nil {
		return
	}
	if ctrl.Status().Visible {
		ctrl.Hidden()
	} else {
		ctrl.Visible()
	}
}

// historyStore keeps a nil *history.Store from becoming a non-nil interface.
func historyStore(s *history.Store) server.HistoryStore {
	if s == nil {
		return nil
	}
	return s
}

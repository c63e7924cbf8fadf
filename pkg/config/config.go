package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wachiwi/recarga/pkg/code"
	"github.com/wachiwi/recarga/pkg/focus"
	"github.com/wachiwi/recarga/pkg/ocr"
	"gopkg.in/yaml.v3"
)

// Config represents the complete scanner configuration
type Config struct {
	StorageRoot string          `yaml:"storage_root"`
	Language    string          `yaml:"language"`
	EngineMode  string          `yaml:"engine_mode"`   // tesseract_only, cube_only, tesseract_cube_combined
	PageSegMode string          `yaml:"page_seg_mode"` // auto_osd, single_line, ...
	Continuous  bool            `yaml:"continuous"`
	AssetsDir   string          `yaml:"assets_dir"` // directory holding tessdata/<lang>.traineddata
	LogLevel    string          `yaml:"log_level"`
	Camera      CameraConfig    `yaml:"camera"`
	Focus       FocusConfig     `yaml:"focus"`
	Decode      DecodeConfig    `yaml:"decode"`
	Dial        DialConfig      `yaml:"dial"`
	Download    DownloadConfig  `yaml:"download"`
	History     HistoryConfig   `yaml:"history"`
	Sound       SoundConfig     `yaml:"sound"`
	GPIO        GPIOConfig      `yaml:"gpio"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
	Server      ServerConfig    `yaml:"server"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

type CameraConfig struct {
	Device      string `yaml:"device"` // empty selects rpicam-vid on linux
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
	FocusMode   string `yaml:"focus_mode"`
	Placeholder bool   `yaml:"placeholder"` // synthetic frames, no hardware
}

type FocusConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type DecodeConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DialConfig is the dial template and the command that places the call.
type DialConfig struct {
	Prefix  string        `yaml:"prefix"`
	Suffix  string        `yaml:"suffix"`
	Command []string      `yaml:"command"` // supports {{uri}}, {{dial}}, {{code}}
	Timeout time.Duration `yaml:"timeout"`
}

type DownloadConfig struct {
	BaseURL string `yaml:"base_url"`
}

type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"` // defaults to <storage_root>/history.db
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

type SoundConfig struct {
	Path string `yaml:"path"` // wav or mp3; empty disables the beep
}

type GPIOConfig struct {
	Enabled bool   `yaml:"enabled"`
	Chip    string `yaml:"chip"`
	LED     int    `yaml:"led"`
	Button  int    `yaml:"button"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"` // empty disables publishing
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

type ServerConfig struct {
	Addr          string `yaml:"addr"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	SessionSecret string `yaml:"session_secret"`
	Headless      bool   `yaml:"headless"` // keep a surface attached without preview viewers
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		StorageRoot: "/var/lib/recarga",
		Language:    "eng",
		EngineMode:  ocr.TesseractOnly.String(),
		PageSegMode: ocr.AutoOSD.String(),
		Continuous:  true,
		AssetsDir:   "assets",
		LogLevel:    "info",
		Camera: CameraConfig{
			Width:     640,
			Height:    480,
			FPS:       30,
			FocusMode: string(focus.ModeAuto),
		},
		Focus:  FocusConfig{Interval: focus.DefaultInterval},
		Decode: DecodeConfig{Interval: 500 * time.Millisecond},
		Dial: DialConfig{
			Prefix:  code.DefaultTemplate.Prefix,
			Suffix:  code.DefaultTemplate.Suffix,
			Timeout: 10 * time.Second,
		},
		History: HistoryConfig{
			Enabled:       true,
			Retention:     30 * 24 * time.Hour,
			PruneSchedule: "@every 1h",
		},
		GPIO: GPIOConfig{
			Chip:   "gpiochip0",
			LED:    17,
			Button: 27,
		},
		MQTT: MQTTConfig{
			Topic:    "recarga/codes",
			ClientID: "recarga",
			QoS:      1,
		},
		Server: ServerConfig{
			Addr: ":8080",
			User: "admin",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "recarga",
		},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.StorageRoot, "RECARGA_STORAGE_ROOT")
	set(&c.Language, "RECARGA_LANGUAGE")
	set(&c.Server.User, "RECARGA_USER")
	set(&c.Server.Password, "RECARGA_PASSWORD")
	set(&c.Server.SessionSecret, "RECARGA_SESSION_SECRET")
	set(&c.MQTT.Broker, "RECARGA_MQTT_BROKER")
	set(&c.LogLevel, "RECARGA_LOG_LEVEL")
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
}

// Validate checks the configuration and fills in derived defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.StorageRoot == "" {
		errs = append(errs, errors.New("storage_root is required"))
	}
	if c.Language == "" {
		errs = append(errs, errors.New("language is required"))
	}
	if _, err := ocr.ParseEngineMode(c.EngineMode); err != nil {
		errs = append(errs, fmt.Errorf("engine_mode: %w", err))
	}
	if _, err := ocr.ParsePageSegMode(c.PageSegMode); err != nil {
		errs = append(errs, fmt.Errorf("page_seg_mode: %w", err))
	}
	if _, err := focus.ParseMode(c.Camera.FocusMode); err != nil {
		errs = append(errs, fmt.Errorf("camera.focus_mode: %w", err))
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		errs = append(errs, errors.New("camera.width and camera.height must be > 0"))
	}
	if c.Camera.FPS <= 0 {
		errs = append(errs, errors.New("camera.fps must be > 0"))
	}
	if c.Focus.Interval <= 0 {
		errs = append(errs, errors.New("focus.interval must be > 0"))
	}
	if c.Decode.Interval <= 0 {
		errs = append(errs, errors.New("decode.interval must be > 0"))
	}
	if c.History.Enabled && c.History.Retention <= 0 {
		errs = append(errs, errors.New("history.retention must be > 0"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos must be 0, 1 or 2"))
	}
	if c.Server.Addr != "" && c.Server.Password == "" {
		errs = append(errs, errors.New("server.password is required when the server is enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if c.History.Path == "" {
		c.History.Path = filepath.Join(c.StorageRoot, "history.db")
	}
	if c.Server.SessionSecret == "" {
		c.Server.SessionSecret = c.Server.Password
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "recarga"
	}
	return nil
}

// Template returns the dial template.
func (c *Config) Template() code.Template {
	return code.Template{Prefix: c.Dial.Prefix, Suffix: c.Dial.Suffix}
}

// Modes returns the parsed engine, page segmentation and focus modes.
// Validate must have succeeded.
func (c *Config) Modes() (ocr.EngineMode, ocr.PageSegMode, focus.Mode) {
	em, _ := ocr.ParseEngineMode(c.EngineMode)
	psm, _ := ocr.ParsePageSegMode(c.PageSegMode)
	fm, _ := focus.ParseMode(c.Camera.FocusMode)
	return em, psm, fm
}

// Package config loads wallcastd's process-wide configuration: the listen
// address, the headless-browser endpoint, default per-device stream
// parameters, and logging/runtime knobs. Values are sourced via spf13/viper
// from a YAML file and from environment variables (WALLCAST_ prefix), with
// environment values taking precedence over the file. The only command-line
// flag, --config, selects which file is read.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration for wallcastd.
type Config struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	BrowserEndpoint string `mapstructure:"browser_endpoint"` // CDP HTTP endpoint, e.g. http://127.0.0.1:9222

	// PrefersReducedMotion mirrors the PREFERS_REDUCED_MOTION process-wide
	// flag from spec.md §6; when set, every new DeviceSession instructs the
	// browser to emulate prefers-reduced-motion: reduce.
	PrefersReducedMotion bool `mapstructure:"prefers_reduced_motion"`

	IdleTTLSeconds       int `mapstructure:"idle_ttl_seconds"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`

	// Default per-device stream parameters, used when a client omits a
	// DeviceConfig field at connect time (§3).
	DefaultTileSize               int     `mapstructure:"default_tile_size"`
	DefaultJPEGQuality            int     `mapstructure:"default_jpeg_quality"`
	DefaultEveryNthFrame          int     `mapstructure:"default_every_nth_frame"`
	DefaultMinFrameIntervalMs     int     `mapstructure:"default_min_frame_interval_ms"`
	DefaultMaxBytesPerMessage     int     `mapstructure:"default_max_bytes_per_message"`
	DefaultFullFrameTileCount     int     `mapstructure:"default_full_frame_tile_count"`
	DefaultFullFrameAreaThreshold float64 `mapstructure:"default_full_frame_area_threshold"`
	DefaultFullFrameEvery         int     `mapstructure:"default_full_frame_every"`

	FrameWorkerPoolSize int `mapstructure:"frame_worker_pool_size"`
	FrameWorkerQueueSize int `mapstructure:"frame_worker_queue_size"`
	MaxConcurrentDevices int `mapstructure:"max_concurrent_devices"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Default returns the baseline configuration, matching spec.md's named
// constants where it specifies them (MIN_FRAME_GAP_MS etc. live in
// internal/broadcast, not here — those are protocol constants, not
// per-deployment tuning).
func Default() *Config {
	return &Config{
		ListenAddr:      ":8787",
		BrowserEndpoint: "http://127.0.0.1:9222",

		IdleTTLSeconds:         300,
		CleanupIntervalSeconds: 60,

		DefaultTileSize:               64,
		DefaultJPEGQuality:            75,
		DefaultEveryNthFrame:          1,
		DefaultMinFrameIntervalMs:     100,
		DefaultMaxBytesPerMessage:     4096,
		DefaultFullFrameTileCount:     64,
		DefaultFullFrameAreaThreshold: 0.6,
		DefaultFullFrameEvery:         300,

		FrameWorkerPoolSize:  4,
		FrameWorkerQueueSize: 64,
		MaxConcurrentDevices: 64,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads configuration from cfgFile (or the platform default search
// path when empty), overlays environment variables, validates the result,
// and returns it. Fatal validation errors abort startup; warnings are
// logged and the offending field is clamped to a safe value.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("wallcast")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("WALLCAST")
	// Unmarshal only sees keys viper already knows, so bind every field's
	// key to its WALLCAST_ variable explicitly.
	t := reflect.TypeOf(*cfg)
	for i := 0; i < t.NumField(); i++ {
		if key := t.Field(i).Tag.Get("mapstructure"); key != "" {
			_ = viper.BindEnv(key)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv("PREFERS_REDUCED_MOTION"); ok {
		cfg.PrefersReducedMotion = ParseReducedMotionEnv(v)
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "wallcast")
	case "darwin":
		return "/Library/Application Support/wallcast"
	default:
		return "/etc/wallcast"
	}
}

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/wallcast/wallcast-server/internal/logging"
)

var log = logging.L("config")

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates validation problems by severity: Fatals block
// startup, Warnings are logged and the field is clamped in place to a safe
// value.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings, for callers that want to
// log or display every validation problem regardless of severity.
func (r *ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

func (r *ValidationResult) fatal(format string, args ...any) {
	r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
}

// ValidateTiered checks the config for invalid values. Malformed endpoints
// are fatal (the process cannot usefully start); out-of-range per-device
// defaults are clamped to a safe value with a warning, since a client can
// still override them per-session.
func (c *Config) ValidateTiered() *ValidationResult {
	r := &ValidationResult{}

	if c.ListenAddr == "" {
		r.fatal("listen_addr must not be empty")
	}

	if c.BrowserEndpoint != "" {
		u, err := url.Parse(c.BrowserEndpoint)
		if err != nil {
			r.fatal("browser_endpoint %q is not a valid URL: %w", c.BrowserEndpoint, err)
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.fatal("browser_endpoint scheme must be http or https, got %q", u.Scheme)
		}
	} else {
		r.fatal("browser_endpoint must not be empty")
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.warn("log_level %q is not valid (use debug, info, warn, error), defaulting to info", c.LogLevel)
		c.LogLevel = "info"
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.warn("log_format %q is not valid (use text or json), defaulting to text", c.LogFormat)
		c.LogFormat = "text"
	}

	if c.IdleTTLSeconds < 10 {
		r.warn("idle_ttl_seconds %d is below minimum 10, clamping", c.IdleTTLSeconds)
		c.IdleTTLSeconds = 10
	}
	if c.CleanupIntervalSeconds < 1 {
		r.warn("cleanup_interval_seconds %d is below minimum 1, clamping", c.CleanupIntervalSeconds)
		c.CleanupIntervalSeconds = 1
	}

	if c.DefaultTileSize < 8 || c.DefaultTileSize > 512 {
		r.warn("default_tile_size %d out of range [8,512], clamping to 64", c.DefaultTileSize)
		c.DefaultTileSize = 64
	}
	if c.DefaultJPEGQuality < 1 || c.DefaultJPEGQuality > 100 {
		r.warn("default_jpeg_quality %d out of range [1,100], clamping to 75", c.DefaultJPEGQuality)
		c.DefaultJPEGQuality = 75
	}
	if c.DefaultEveryNthFrame < 1 {
		r.warn("default_every_nth_frame %d below minimum 1, clamping", c.DefaultEveryNthFrame)
		c.DefaultEveryNthFrame = 1
	}
	if c.DefaultMinFrameIntervalMs < 0 {
		r.warn("default_min_frame_interval_ms %d is negative, clamping to 0", c.DefaultMinFrameIntervalMs)
		c.DefaultMinFrameIntervalMs = 0
	}
	if c.DefaultMaxBytesPerMessage < 256 {
		r.warn("default_max_bytes_per_message %d below minimum 256, clamping", c.DefaultMaxBytesPerMessage)
		c.DefaultMaxBytesPerMessage = 256
	}
	if c.DefaultFullFrameTileCount < 1 {
		r.warn("default_full_frame_tile_count %d below minimum 1, clamping", c.DefaultFullFrameTileCount)
		c.DefaultFullFrameTileCount = 1
	}
	if c.DefaultFullFrameAreaThreshold < 0 || c.DefaultFullFrameAreaThreshold > 1 {
		r.warn("default_full_frame_area_threshold %f out of range [0,1], clamping to 0.6", c.DefaultFullFrameAreaThreshold)
		c.DefaultFullFrameAreaThreshold = 0.6
	}
	if c.DefaultFullFrameEvery < 1 {
		r.warn("default_full_frame_every %d below minimum 1, clamping", c.DefaultFullFrameEvery)
		c.DefaultFullFrameEvery = 1
	}

	if c.FrameWorkerPoolSize < 1 {
		r.warn("frame_worker_pool_size %d below minimum 1, clamping", c.FrameWorkerPoolSize)
		c.FrameWorkerPoolSize = 1
	}
	if c.FrameWorkerQueueSize < 1 {
		r.warn("frame_worker_queue_size %d below minimum 1, clamping", c.FrameWorkerQueueSize)
		c.FrameWorkerQueueSize = 1
	}
	if c.MaxConcurrentDevices < 1 {
		r.warn("max_concurrent_devices %d below minimum 1, clamping", c.MaxConcurrentDevices)
		c.MaxConcurrentDevices = 1
	}

	return r
}

// ParseReducedMotionEnv parses the PREFERS_REDUCED_MOTION env value per
// spec.md §6: truthy values are 1, true, yes, on (case-insensitive).
func ParseReducedMotionEnv(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

package config

import (
	"fmt"
	"strings"
	"testing"
)

func TestValidateTieredFatalOnMissingBrowserEndpoint(t *testing.T) {
	cfg := Default()
	cfg.BrowserEndpoint = ""

	result := cfg.ValidateTiered()

	if !result.HasFatals() {
		t.Fatal("expected fatal error for empty browser_endpoint")
	}
}

func TestValidateTieredFatalOnBadScheme(t *testing.T) {
	cfg := Default()
	cfg.BrowserEndpoint = "ws://127.0.0.1:9222"

	result := cfg.ValidateTiered()

	if !result.HasFatals() {
		t.Fatal("expected fatal error for non-http(s) browser_endpoint scheme")
	}
}

func TestValidateTieredFatalOnMissingListenAddr(t *testing.T) {
	cfg := Default()
	cfg.ListenAddr = ""

	result := cfg.ValidateTiered()

	if !result.HasFatals() {
		t.Fatal("expected fatal error for empty listen_addr")
	}
}

func TestValidateTieredClampsOutOfRangeTunables(t *testing.T) {
	cfg := Default()
	cfg.DefaultJPEGQuality = 500
	cfg.DefaultTileSize = 0
	cfg.DefaultFullFrameAreaThreshold = 2.0
	cfg.FrameWorkerPoolSize = 0

	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("out-of-range tunables should warn, not fail: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warnings for out-of-range tunables")
	}
	if cfg.DefaultJPEGQuality != 75 {
		t.Errorf("default_jpeg_quality = %d, want 75 (clamped)", cfg.DefaultJPEGQuality)
	}
	if cfg.DefaultTileSize != 64 {
		t.Errorf("default_tile_size = %d, want 64 (clamped)", cfg.DefaultTileSize)
	}
	if cfg.DefaultFullFrameAreaThreshold != 0.6 {
		t.Errorf("default_full_frame_area_threshold = %f, want 0.6 (clamped)", cfg.DefaultFullFrameAreaThreshold)
	}
	if cfg.FrameWorkerPoolSize != 1 {
		t.Errorf("frame_worker_pool_size = %d, want 1 (clamped)", cfg.FrameWorkerPoolSize)
	}
}

func TestValidateTieredIdleTTLClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.IdleTTLSeconds = 1

	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped idle_ttl_seconds should be a warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped idle_ttl_seconds")
	}
	if cfg.IdleTTLSeconds != 10 {
		t.Fatalf("IdleTTLSeconds = %d, want 10 (clamped)", cfg.IdleTTLSeconds)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"

	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	found := false
	for _, err := range result.Warnings {
		if strings.Contains(err.Error(), "verbose") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected warning mentioning the bad log level")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want %q (defaulted)", cfg.LogLevel, "info")
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"

	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("LogFormat = %q, want %q (defaulted)", cfg.LogFormat, "text")
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error present")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.BrowserEndpoint = "ftp://bad" // fatal
	cfg.LogLevel = "verbose"          // warning

	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatal + warning)", len(all))
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := Default()

	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("default config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("default config has warnings: %v", result.Warnings)
	}
}

func TestParseReducedMotionEnv(t *testing.T) {
	cases := map[string]bool{
		"1":     true,
		"true":  true,
		"TRUE":  true,
		"yes":   true,
		"on":    true,
		"0":     false,
		"false": false,
		"":      false,
		"nope":  false,
	}
	for in, want := range cases {
		if got := ParseReducedMotionEnv(in); got != want {
			t.Errorf("ParseReducedMotionEnv(%q) = %v, want %v", in, got, want)
		}
	}
}

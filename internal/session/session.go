// Package session implements the DeviceSession: the component that owns a
// browser target, the screencast subscription, the fallback screenshot
// timer, the pending-frame slot, and the handoff to the broadcaster. It is
// grounded on the teacher's session_stream.go/session_capture.go
// goroutine-per-session pattern and session_control.go's timer-owning
// lifecycle, but restructured per the source's own re-architecture note
// (spec §9): a per-session single-consumer event loop replaces the
// original's nested mutable-timer callbacks, which makes the "at most one
// in-flight frame" and "at most one armed timer" invariants structural
// instead of enforced by a boolean flag.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wallcast/wallcast-server/internal/broadcast"
	"github.com/wallcast/wallcast-server/internal/cdp"
	"github.com/wallcast/wallcast-server/internal/codec"
	"github.com/wallcast/wallcast-server/internal/frame"
	"github.com/wallcast/wallcast-server/internal/hash"
	"github.com/wallcast/wallcast-server/internal/logging"
	"github.com/wallcast/wallcast-server/internal/transport"
	"github.com/wallcast/wallcast-server/internal/workerpool"
)

const (
	FallbackDelay = 800 * time.Millisecond
	FallbackRepeat = 2000 * time.Millisecond
	fallbackIdleRecheck = 5 * time.Second
)

type eventKind int

const (
	evScreencastFrame eventKind = iota
	evThrottleTick
	evFallbackTick
	evMutationHint
)

type sessionEvent struct {
	kind eventKind
	data []byte
}

// Session is the server-side state for one logical device. Exactly one
// goroutine (run) mutates its fields after construction; everything else
// communicates with it by posting to events.
type Session struct {
	ID           string // client-chosen device identifier
	TargetID     string // opaque browser target id
	cdpSessionID string // opaque CDP flat-session id

	cfg DeviceConfig
	url string

	browser *cdp.Browser
	bc      *broadcast.Broadcaster
	proc    *frame.Processor

	lastActiveMs    atomic.Int64
	lastProcessedMs atomic.Int64
	frameID         uint32 // mutated only on the run() goroutine
	prevFrameHash   uint32
	prevHashSet     bool

	pendingMu   sync.Mutex
	pendingData []byte
	pendingHas  bool

	throttleMu    sync.Mutex
	throttleTimer *time.Timer
	throttleArmed bool

	fallbackMu    sync.Mutex
	fallbackTimer *time.Timer
	fallbackArmed bool

	events  chan sessionEvent
	done    chan struct{}
	closed  atomic.Bool
	metrics *Metrics
}

// New creates a browser target at about:blank sized to cfg, attaches a
// flat session, enables page events, applies device metrics and the
// process-wide reduced-motion preference, starts the screencast, and
// begins the event loop. The caller is responsible for registering the
// returned Session so ensureDevice semantics (spec §4.4) can find it.
func New(ctx context.Context, id string, cfg DeviceConfig, browser *cdp.Browser, bc *broadcast.Broadcaster, pool *workerpool.Pool, reducedMotion bool) (*Session, error) {
	targetID, err := browser.CreateTarget(ctx, "about:blank", cfg.Width, cfg.Height)
	if err != nil {
		return nil, fmt.Errorf("session: create target: %w", err)
	}
	cdpSessionID, err := browser.AttachToTarget(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("session: attach target: %w", err)
	}
	if err := browser.PageEnable(ctx, cdpSessionID); err != nil {
		return nil, fmt.Errorf("session: page enable: %w", err)
	}
	if err := browser.SetDeviceMetricsOverride(ctx, cdpSessionID, cfg.Width, cfg.Height, 1, true); err != nil {
		return nil, fmt.Errorf("session: set device metrics: %w", err)
	}
	if reducedMotion {
		if err := browser.SetReducedMotion(ctx, cdpSessionID, true); err != nil {
			log.Warn("set reduced motion failed", logging.KeyDeviceID, id, logging.KeyError, err)
		}
	}
	if err := browser.EnableMutationHints(ctx, cdpSessionID); err != nil {
		log.Warn("enable mutation hints failed, DOM-only changes will wait for the fallback poll", logging.KeyDeviceID, id, logging.KeyError, err)
	}
	if err := browser.StartScreencast(ctx, cdpSessionID, cfg.Width, cfg.Height, cfg.EveryNthFrame); err != nil {
		return nil, fmt.Errorf("session: start screencast: %w", err)
	}

	s := &Session{
		ID:           id,
		TargetID:     targetID,
		cdpSessionID: cdpSessionID,
		cfg:          cfg,
		browser:      browser,
		bc:           bc,
		proc:         frame.New(processorConfig(cfg), pool),
		events:       make(chan sessionEvent, 32),
		done:         make(chan struct{}),
		metrics:      newMetrics(),
	}
	s.proc.RequestFullFrame()
	s.touchActive()

	go s.readScreencast()
	go s.run()
	s.armFallback(FallbackDelay)

	return s, nil
}

var log = logging.L("session")

func processorConfig(cfg DeviceConfig) frame.Config {
	return frame.Config{
		Width:                  cfg.Width,
		Height:                 cfg.Height,
		TileSize:               cfg.TileSize,
		JPEGQuality:            cfg.JPEGQuality,
		FullFrameTileCount:     cfg.FullFrameTileCount,
		FullFrameAreaThreshold: cfg.FullFrameAreaThreshold,
		FullFrameEvery:         cfg.FullFrameEvery,
	}
}

// Config returns the DeviceConfig this session was built with.
func (s *Session) Config() DeviceConfig { return s.cfg }

// LastActive returns the wall-clock time of the session's last observed
// activity, in unix milliseconds.
func (s *Session) LastActive() int64 { return s.lastActiveMs.Load() }

func (s *Session) touchActive() {
	s.lastActiveMs.Store(time.Now().UnixMilli())
}

// RequestFullFrame latches a one-shot full-frame request, used when a new
// client joins an already-running session (spec §3 Lifecycles).
func (s *Session) RequestFullFrame() {
	s.proc.RequestFullFrame()
}

func (s *Session) post(ev sessionEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// readScreencast relays the browser's screencast stream and mutation hints
// into the session's event loop, ACKing each screencast frame immediately
// so the browser keeps pushing (spec §4.4 step 1: ack failures are
// silently ignored).
func (s *Session) readScreencast() {
	sub := s.browser.Events(s.cdpSessionID)
	frames, mutations := sub.Frames, sub.Mutations
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.browser.AckScreencastFrame(ctx, s.cdpSessionID, f.ScreencastSessionID)
			cancel()
			s.post(sessionEvent{kind: evScreencastFrame, data: f.Data})
		case _, ok := <-mutations:
			if !ok {
				return
			}
			s.post(sessionEvent{kind: evMutationHint})
		case <-s.done:
			return
		}
	}
}

// run is the session's single consumer: every state mutation other than
// lastActiveMs (read concurrently by idle cleanup) and the timer-armed
// flags (set from timer callback goroutines) happens here.
func (s *Session) run() {
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.done:
			return
		}
	}
}

func (s *Session) handle(ev sessionEvent) {
	switch ev.kind {
	case evScreencastFrame:
		s.onScreencastFrame(ev.data)
	case evThrottleTick:
		s.flushPending()
	case evFallbackTick:
		s.onFallbackTick()
	case evMutationHint:
		s.onMutationHint()
	}
}

func (s *Session) onScreencastFrame(data []byte) {
	s.armFallback(FallbackDelay) // the screencast is demonstrably live
	s.metrics.recordReceived()

	if s.bc.ClientCount(s.ID) == 0 {
		s.metrics.recordSkipped()
		return // no work, but ACKing already happened in readScreencast
	}

	s.touchActive()
	s.setPending(data)
	s.armThrottleIfIdle()
}

func (s *Session) setPending(data []byte) {
	s.pendingMu.Lock()
	s.pendingData = data
	s.pendingHas = true
	s.pendingMu.Unlock()
}

func (s *Session) takePending() ([]byte, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if !s.pendingHas {
		return nil, false
	}
	data := s.pendingData
	s.pendingData = nil
	s.pendingHas = false
	return data, true
}

func (s *Session) hasPending() bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.pendingHas
}

// armThrottleIfIdle arms the throttle timer only if none is currently
// outstanding (spec invariant: at most one armed throttle timer).
func (s *Session) armThrottleIfIdle() {
	s.throttleMu.Lock()
	if s.throttleArmed {
		s.throttleMu.Unlock()
		return
	}
	s.throttleArmed = true
	delay := s.nextThrottleDelay()
	s.throttleTimer = time.AfterFunc(delay, func() {
		s.throttleMu.Lock()
		s.throttleArmed = false
		s.throttleMu.Unlock()
		s.post(sessionEvent{kind: evThrottleTick})
	})
	s.throttleMu.Unlock()
}

func (s *Session) nextThrottleDelay() time.Duration {
	elapsed := time.Duration(time.Now().UnixMilli()-s.lastProcessedMs.Load()) * time.Millisecond
	remaining := s.cfg.MinFrameInterval - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// armThrottleNow forces an immediate (zero-delay) throttle firing,
// clearing any previously armed timer first (spec invariant: re-arming
// requires clearing the previous).
func (s *Session) armThrottleNow() {
	s.throttleMu.Lock()
	if s.throttleTimer != nil {
		s.throttleTimer.Stop()
	}
	s.throttleArmed = true
	s.throttleTimer = time.AfterFunc(0, func() {
		s.throttleMu.Lock()
		s.throttleArmed = false
		s.throttleMu.Unlock()
		s.post(sessionEvent{kind: evThrottleTick})
	})
	s.throttleMu.Unlock()
}

// flushPending implements the throttle-timer callback (spec §4.4). Because
// it only ever runs on the single consumer goroutine, the source's
// "processing" reentrance guard collapses to nothing: by construction a
// second flushPending cannot run concurrently with this one.
func (s *Session) flushPending() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("flushPending panicked", logging.KeyDeviceID, s.ID, "panic", r)
		}
		s.lastProcessedMs.Store(time.Now().UnixMilli())
		if s.hasPending() {
			s.armThrottleNow()
		}
	}()

	data, ok := s.takePending()
	if !ok {
		return
	}

	h := hash.Sum32(data)
	if s.prevHashSet && h == s.prevFrameHash {
		return // identical to last processed frame; dropped before decode
	}
	s.prevFrameHash = h
	s.prevHashSet = true

	raster, err := codec.DecodePNG(data)
	if err != nil {
		log.Warn("decode failed, dropping frame", logging.KeyDeviceID, s.ID, logging.KeyError, err)
		return
	}
	raster = codec.Rotate(raster, s.cfg.Rotation)
	codec.EnsureOpaque(raster)

	encodeStart := time.Now()
	out := s.proc.ProcessFrame(raster)
	if len(out.Rects) == 0 {
		return
	}
	s.metrics.recordEncoded(time.Since(encodeStart), len(out.Rects))

	s.frameID++
	if s.frameID >= broadcast.ReservedFrameIDBase {
		s.frameID = 0 // wrap before the reserved control-frame range
	}
	packets := transport.BuildFramePackets(out.Rects, s.frameID, out.IsFullFrame, s.cfg.MaxBytesPerMessage)
	for _, p := range packets {
		s.metrics.recordBytesSent(len(p))
	}
	s.bc.SendFrameChunked(s.ID, s.frameID, packets)
}

func (s *Session) armFallback(delay time.Duration) {
	s.fallbackMu.Lock()
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
	}
	s.fallbackArmed = true
	s.fallbackTimer = time.AfterFunc(delay, func() {
		s.fallbackMu.Lock()
		s.fallbackArmed = false
		s.fallbackMu.Unlock()
		s.post(sessionEvent{kind: evFallbackTick})
	})
	s.fallbackMu.Unlock()
}

func (s *Session) onFallbackTick() {
	if s.bc.ClientCount(s.ID) == 0 {
		s.armFallback(fallbackIdleRecheck)
		return
	}

	if !s.captureFallbackScreenshot() {
		return // any capture error stops the fallback; do not re-arm
	}

	s.armFallback(FallbackRepeat)
}

// onMutationHint cuts the fallback's idle wait short: a DOM-bound callback
// observed a change, so capture now instead of waiting out FallbackDelay.
func (s *Session) onMutationHint() {
	if s.bc.ClientCount(s.ID) == 0 {
		return
	}
	if s.captureFallbackScreenshot() {
		s.armFallback(FallbackRepeat)
	}
}

// captureFallbackScreenshot requests a synchronous screenshot and, on
// success, latches a full frame and arms an immediate throttle tick. It
// returns false on any capture error, timeouts and other transient
// failures included; callers then leave the fallback timer un-armed.
func (s *Session) captureFallbackScreenshot() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := s.browser.CaptureScreenshot(ctx, s.cdpSessionID)
	if err != nil {
		log.Warn("fallback screenshot failed", logging.KeyDeviceID, s.ID, logging.KeyError, err)
		return false
	}

	s.proc.RequestFullFrame()
	s.setPending(data)
	s.armThrottleNow()
	return true
}

// Destroy tears the session down: registry removal is the caller's
// responsibility (idempotent there); this cancels timers and best-effort
// releases browser resources. Safe to call more than once.
func (s *Session) Destroy() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.throttleMu.Lock()
	if s.throttleTimer != nil {
		s.throttleTimer.Stop()
	}
	s.throttleMu.Unlock()

	s.fallbackMu.Lock()
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
	}
	s.fallbackMu.Unlock()

	close(s.done)
	s.browser.UnsubscribeEvents(s.cdpSessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.browser.StopScreencast(ctx, s.cdpSessionID); err != nil {
		log.Warn("stop screencast failed during teardown", logging.KeyDeviceID, s.ID, logging.KeyError, err)
	}
	if err := s.browser.CloseTarget(ctx, s.TargetID); err != nil {
		log.Warn("close target failed during teardown, browser target may leak", logging.KeyDeviceID, s.ID, logging.KeyError, err)
	}
}

package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wallcast/wallcast-server/internal/httputil"
)

// Browser is the high-level browser-control contract the core's
// DeviceSession consumes (spec §6): target lifecycle, device emulation,
// screencast subscription, and the synchronous screenshot fallback. A
// single Browser multiplexes one websocket across every attached target,
// so event delivery is demultiplexed by a dispatcher goroutine into
// per-session channels handed out by Events.
type Browser struct {
	httpEndpoint string
	httpClient   *http.Client
	ws           *Client

	mu          sync.Mutex
	subscribers map[string]chan Event
}

// Connect creates the browser-level CDP connection. httpEndpoint is the
// browser's HTTP debugging root, e.g. http://127.0.0.1:9222.
func Connect(ctx context.Context, httpEndpoint string) (*Browser, error) {
	versionURL := strings.TrimRight(httpEndpoint, "/") + "/json/version"

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := httputil.Do(ctx, client, http.MethodGet, versionURL, nil, nil, httputil.DefaultRetryConfig())
	if err != nil {
		return nil, fmt.Errorf("cdp: fetch browser version: %w", err)
	}
	defer resp.Body.Close()

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return nil, fmt.Errorf("cdp: decode browser version: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("cdp: browser did not report a webSocketDebuggerUrl")
	}

	ws, err := Dial(ctx, version.WebSocketDebuggerURL)
	if err != nil {
		return nil, err
	}

	b := &Browser{
		httpEndpoint: httpEndpoint,
		httpClient:   client,
		ws:           ws,
		subscribers:  make(map[string]chan Event),
	}
	go b.dispatch()
	return b, nil
}

// dispatch fans the browser's single event stream out to the per-session
// channels handed out by Events, keyed by CDP sessionId. Without this, two
// concurrently attached targets would race to consume the same shared
// channel and silently steal each other's frames.
//
// The lookup and send happen while b.mu is held, and UnsubscribeEvents
// deletes the channel from subscribers under b.mu before closing it, so
// once a channel can be closed dispatch can no longer find it and a send
// can never land on an already-closed channel.
func (b *Browser) dispatch() {
	for ev := range b.ws.Events() {
		b.mu.Lock()
		ch, ok := b.subscribers[ev.SessionID]
		if ok {
			select {
			case ch <- ev:
			default:
				log.Warn("cdp: subscriber channel full, dropping event", "sessionId", ev.SessionID, "method", ev.Method)
			}
		}
		b.mu.Unlock()
	}
	b.mu.Lock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
	b.mu.Unlock()
}

// Close shuts down the underlying websocket connection.
func (b *Browser) Close() error {
	return b.ws.Close()
}

// CreateTarget opens a new page at url sized to width×height and returns
// its opaque targetId.
func (b *Browser) CreateTarget(ctx context.Context, url string, width, height int) (string, error) {
	result, err := b.ws.Call(ctx, "", "Target.createTarget", map[string]any{
		"url":    url,
		"width":  width,
		"height": height,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("cdp: decode Target.createTarget result: %w", err)
	}
	return out.TargetID, nil
}

// AttachToTarget attaches a flat session to targetID and returns the
// opaque sessionId used to scope all subsequent commands and events for
// that target.
func (b *Browser) AttachToTarget(ctx context.Context, targetID string) (string, error) {
	result, err := b.ws.Call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("cdp: decode Target.attachToTarget result: %w", err)
	}
	return out.SessionID, nil
}

// PageEnable enables the Page domain for sessionID, a prerequisite for
// screenshot and navigation commands.
func (b *Browser) PageEnable(ctx context.Context, sessionID string) error {
	_, err := b.ws.Call(ctx, sessionID, "Page.enable", nil)
	return err
}

// SetDeviceMetricsOverride pins the viewport to width×height at the given
// scale factor, optionally emulating a mobile viewport.
func (b *Browser) SetDeviceMetricsOverride(ctx context.Context, sessionID string, width, height int, scaleFactor float64, mobile bool) error {
	_, err := b.ws.Call(ctx, sessionID, "Emulation.setDeviceMetricsOverride", map[string]any{
		"width":             width,
		"height":            height,
		"deviceScaleFactor": scaleFactor,
		"mobile":            mobile,
	})
	return err
}

// SetReducedMotion instructs the page to emulate prefers-reduced-motion:
// reduce when on is true, matching the PREFERS_REDUCED_MOTION process-wide
// flag (spec §6).
func (b *Browser) SetReducedMotion(ctx context.Context, sessionID string, on bool) error {
	value := "no-preference"
	if on {
		value = "reduce"
	}
	_, err := b.ws.Call(ctx, sessionID, "Emulation.setEmulatedMedia", map[string]any{
		"features": []map[string]string{
			{"name": "prefers-reduced-motion", "value": value},
		},
	})
	return err
}

// StartScreencast begins the browser-pushed PNG frame stream.
func (b *Browser) StartScreencast(ctx context.Context, sessionID string, maxWidth, maxHeight, everyNthFrame int) error {
	_, err := b.ws.Call(ctx, sessionID, "Page.startScreencast", map[string]any{
		"format":        "png",
		"maxWidth":      maxWidth,
		"maxHeight":     maxHeight,
		"everyNthFrame": everyNthFrame,
	})
	return err
}

// StopScreencast halts the screencast stream. Failures are expected to be
// swallowed by callers during best-effort teardown.
func (b *Browser) StopScreencast(ctx context.Context, sessionID string) error {
	_, err := b.ws.Call(ctx, sessionID, "Page.stopScreencast", nil)
	return err
}

// AckScreencastFrame acknowledges a received screencast frame so the
// browser continues pushing new ones.
func (b *Browser) AckScreencastFrame(ctx context.Context, sessionID string, screencastSessionID int) error {
	_, err := b.ws.Call(ctx, sessionID, "Page.screencastFrameAck", map[string]any{
		"sessionId": screencastSessionID,
	})
	return err
}

// CaptureScreenshot synchronously requests a PNG screenshot of the current
// page and returns the decoded (non-base64) bytes.
func (b *Browser) CaptureScreenshot(ctx context.Context, sessionID string) ([]byte, error) {
	result, err := b.ws.Call(ctx, sessionID, "Page.captureScreenshot", map[string]any{
		"format": "png",
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("cdp: decode Page.captureScreenshot result: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil {
		return nil, fmt.Errorf("cdp: decode screenshot base64: %w", err)
	}
	return data, nil
}

// CloseTarget closes a browser target outright, releasing its resources.
func (b *Browser) CloseTarget(ctx context.Context, targetID string) error {
	_, err := b.ws.Call(ctx, "", "Target.closeTarget", map[string]any{
		"targetId": targetID,
	})
	return err
}

// mutationBindingName is the name of the page-world function installed by
// EnableMutationHints; Runtime.bindingCalled events carrying this name are
// demultiplexed onto a Subscription's Mutations channel.
const mutationBindingName = "wallcastMutationHint"

// EnableMutationHints installs a page-level MutationObserver that calls
// back into Go whenever the document changes, so a DOM-only update (no new
// screencast frame) can cut the fallback timer's idle wait short instead of
// waiting out FallbackDelay (spec §4.4). The observer self-throttles to one
// callback per 250ms so a flurry of mutations posts at most one hint per
// window.
func (b *Browser) EnableMutationHints(ctx context.Context, sessionID string) error {
	if _, err := b.ws.Call(ctx, sessionID, "Runtime.enable", nil); err != nil {
		return err
	}
	if _, err := b.ws.Call(ctx, sessionID, "Runtime.addBinding", map[string]any{
		"name": mutationBindingName,
	}); err != nil {
		return err
	}
	script := fmt.Sprintf(`(() => {
		let last = 0;
		new MutationObserver(() => {
			const now = Date.now();
			if (now - last < 250) return;
			last = now;
			window.%s();
		}).observe(document, {childList: true, subtree: true, attributes: true, characterData: true});
	})();`, mutationBindingName)
	_, err := b.ws.Call(ctx, sessionID, "Page.addScriptToEvaluateOnNewDocument", map[string]any{
		"source": script,
	})
	return err
}

// ScreencastFrame is a decoded Page.screencastFrame event.
type ScreencastFrame struct {
	ScreencastSessionID int
	Data                []byte // decoded PNG bytes
	TimestampMs         float64
}

// Subscription is a session's demultiplexed event stream: decoded
// screencast frames and DOM-mutation hints. Both channels close when the
// underlying connection closes or UnsubscribeEvents is called for the
// session they were obtained from.
type Subscription struct {
	Frames    <-chan ScreencastFrame
	Mutations <-chan struct{}
}

// Events subscribes to the browser's raw event stream for sessionID,
// demultiplexing Page.screencastFrame (decoding its base64 payload) and
// Runtime.bindingCalled (filtered to mutationBindingName) onto the
// returned Subscription's two channels.
func (b *Browser) Events(sessionID string) *Subscription {
	raw := make(chan Event, 8)
	b.mu.Lock()
	b.subscribers[sessionID] = raw
	b.mu.Unlock()

	frames := make(chan ScreencastFrame, 8)
	mutations := make(chan struct{}, 1)
	go func() {
		defer close(frames)
		defer close(mutations)
		for ev := range raw {
			switch ev.Method {
			case "Page.screencastFrame":
				var params struct {
					Data     string `json:"data"`
					Metadata struct {
						Timestamp float64 `json:"timestamp"`
					} `json:"metadata"`
					SessionID int `json:"sessionId"`
				}
				if err := json.Unmarshal(ev.Params, &params); err != nil {
					log.Warn("cdp: malformed screencastFrame event", "error", err)
					continue
				}
				data, err := base64.StdEncoding.DecodeString(params.Data)
				if err != nil {
					log.Warn("cdp: malformed screencastFrame base64", "error", err)
					continue
				}
				frames <- ScreencastFrame{
					ScreencastSessionID: params.SessionID,
					Data:                data,
					TimestampMs:         params.Metadata.Timestamp * 1000,
				}
			case "Runtime.bindingCalled":
				var params struct {
					Name string `json:"name"`
				}
				if err := json.Unmarshal(ev.Params, &params); err != nil || params.Name != mutationBindingName {
					continue
				}
				select {
				case mutations <- struct{}{}:
				default: // a hint is already pending; the observer itself throttles to 250ms
				}
			}
		}
	}()
	return &Subscription{Frames: frames, Mutations: mutations}
}

// UnsubscribeEvents stops routing events to the channel returned by
// Events(sessionID) and closes it. Safe to call once during session
// teardown; a second call is a no-op.
func (b *Browser) UnsubscribeEvents(sessionID string) {
	b.mu.Lock()
	ch, ok := b.subscribers[sessionID]
	if ok {
		delete(b.subscribers, sessionID)
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

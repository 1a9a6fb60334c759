package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallcast/wallcast-server/internal/broadcast"
	"github.com/wallcast/wallcast-server/internal/cdp"
	"github.com/wallcast/wallcast-server/internal/codec"
)

// wireMessage mirrors the shape cdp.Client exchanges over the wire; kept
// local to avoid exporting it from internal/cdp just for tests.
type wireMessage struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func mockBrowserServer(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	srv, connected, _ := mockBrowserServerWithCalls(t)
	return srv, connected
}

// mockBrowserServerWithCalls is mockBrowserServer plus a channel that
// receives every CDP method name the mock server handles, so a test can
// observe which commands a session sent without inspecting its internals.
func mockBrowserServerWithCalls(t *testing.T) (*httptest.Server, chan *websocket.Conn, chan string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connected := make(chan *websocket.Conn, 1)
	calls := make(chan string, 64)

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		wsURL := "ws://" + r.Host + "/devtools/browser"
		json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/devtools/browser", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		connected <- conn
		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case calls <- msg.Method:
			default:
			}
			switch msg.Method {
			case "Target.createTarget":
				conn.WriteJSON(wireMessage{ID: msg.ID, Result: json.RawMessage(`{"targetId":"tgt-1"}`)})
			case "Target.attachToTarget":
				conn.WriteJSON(wireMessage{ID: msg.ID, Result: json.RawMessage(`{"sessionId":"sess-1"}`)})
			default:
				conn.WriteJSON(wireMessage{ID: msg.ID, Result: json.RawMessage(`{}`)})
			}
		}
	})

	srv := httptest.NewServer(mux)
	return srv, connected, calls
}

func testDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Width: 32, Height: 32,
		TileSize:               16,
		Rotation:                codec.Rotate0,
		JPEGQuality:             80,
		FullFrameTileCount:      1000,
		FullFrameAreaThreshold:  1.1,
		FullFrameEvery:          0,
		EveryNthFrame:           1,
		MinFrameInterval:        10 * time.Millisecond,
		MaxBytesPerMessage:      16 * 1024,
	}
}

func encodePNG(t *testing.T, w, h int, fill color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

type stubConn struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *stubConn) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, p)
	return nil
}
func (s *stubConn) BufferedAmount() int { return 0 }
func (s *stubConn) Close() error        { return nil }
func (s *stubConn) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewCreatesSessionAgainstBrowserTarget(t *testing.T) {
	srv, _ := mockBrowserServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	browser, err := cdp.Connect(ctx, srv.URL)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer browser.Close()

	bc := broadcast.New()
	s, err := New(ctx, "dev1", testDeviceConfig(), browser, bc, nil, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Destroy()

	if s.TargetID != "tgt-1" {
		t.Fatalf("TargetID = %q, want tgt-1", s.TargetID)
	}
	if s.cdpSessionID != "sess-1" {
		t.Fatalf("cdpSessionID = %q, want sess-1", s.cdpSessionID)
	}
}

func TestSessionBroadcastsDecodedScreencastFrame(t *testing.T) {
	srv, connected := mockBrowserServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	browser, err := cdp.Connect(ctx, srv.URL)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer browser.Close()

	bc := broadcast.New()
	cfg := testDeviceConfig()
	s, err := New(ctx, "dev1", cfg, browser, bc, nil, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Destroy()

	conn := &stubConn{}
	bc.AddClient("dev1", conn)

	serverConn := <-connected
	pngBytes := encodePNG(t, cfg.Width, cfg.Height, color.RGBA{R: 200, G: 10, B: 10, A: 255})

	payload := map[string]any{
		"sessionId": "sess-1",
		"method":    "Page.screencastFrame",
		"params": map[string]any{
			"sessionId": 1,
			"data":      base64.StdEncoding.EncodeToString(pngBytes),
			"metadata":  map[string]any{"timestamp": 1.0},
		},
	}
	raw, _ := json.Marshal(payload)
	if err := serverConn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("server write: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return conn.count() > 0 })
}

func TestMutationHintTriggersFallbackCapture(t *testing.T) {
	srv, connected, calls := mockBrowserServerWithCalls(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	browser, err := cdp.Connect(ctx, srv.URL)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer browser.Close()

	bc := broadcast.New()
	s, err := New(ctx, "dev1", testDeviceConfig(), browser, bc, nil, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Destroy()

	conn := &stubConn{}
	bc.AddClient("dev1", conn)

	serverConn := <-connected

	payload := map[string]any{
		"sessionId": "sess-1",
		"method":    "Runtime.bindingCalled",
		"params": map[string]any{
			"name":    "wallcastMutationHint",
			"payload": "",
		},
	}
	raw, _ := json.Marshal(payload)
	if err := serverConn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("server write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case method := <-calls:
			if method == "Page.captureScreenshot" {
				return
			}
		case <-deadline:
			t.Fatal("mutation hint did not trigger a fallback screenshot capture")
		}
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	srv, _ := mockBrowserServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	browser, err := cdp.Connect(ctx, srv.URL)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer browser.Close()

	bc := broadcast.New()
	s, err := New(ctx, "dev1", testDeviceConfig(), browser, bc, nil, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Destroy()
	s.Destroy() // must not panic or block
}

func TestNextThrottleDelayNeverNegative(t *testing.T) {
	s := &Session{cfg: DeviceConfig{MinFrameInterval: 50 * time.Millisecond}}
	s.lastProcessedMs.Store(time.Now().UnixMilli() - 1000)

	if d := s.nextThrottleDelay(); d != 0 {
		t.Fatalf("expected zero delay for long-elapsed last process, got %v", d)
	}
}

func TestPendingSlotOverwritesRatherThanQueues(t *testing.T) {
	s := &Session{}
	s.setPending([]byte("first"))
	s.setPending([]byte("second"))

	data, ok := s.takePending()
	if !ok {
		t.Fatal("expected pending data present")
	}
	if string(data) != "second" {
		t.Fatalf("pending = %q, want second (overwrite semantics)", data)
	}
	if _, ok := s.takePending(); ok {
		t.Fatal("expected pending slot empty after take")
	}
}

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallcast/wallcast-server/internal/broadcast"
	"github.com/wallcast/wallcast-server/internal/cdp"
	"github.com/wallcast/wallcast-server/internal/codec"
	"github.com/wallcast/wallcast-server/internal/session"
)

type wireMessage struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// mockBrowserServer answers target lifecycle calls with distinct ids per
// call so concurrently created sessions don't collide.
func mockBrowserServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var targetSeq, sessionSeq int

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
		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Method {
			case "Target.createTarget":
				targetSeq++
				result, _ := json.Marshal(map[string]string{"targetId": idFor("tgt", targetSeq)})
				conn.WriteJSON(wireMessage{ID: msg.ID, Result: result})
			case "Target.attachToTarget":
				sessionSeq++
				result, _ := json.Marshal(map[string]string{"sessionId": idFor("sess", sessionSeq)})
				conn.WriteJSON(wireMessage{ID: msg.ID, Result: result})
			default:
				conn.WriteJSON(wireMessage{ID: msg.ID, Result: json.RawMessage(`{}`)})
			}
		}
	})

	return httptest.NewServer(mux)
}

func idFor(prefix string, n int) string {
	return fmt.Sprintf("%s-%d", prefix, n)
}

func testCfg() session.DeviceConfig {
	return session.DeviceConfig{
		Width: 32, Height: 32,
		TileSize:               16,
		Rotation:               codec.Rotate0,
		JPEGQuality:            80,
		FullFrameTileCount:     1000,
		FullFrameAreaThreshold: 1.1,
		EveryNthFrame:          1,
		MinFrameInterval:       10 * time.Millisecond,
		MaxBytesPerMessage:     16 * 1024,
	}
}

func newTestRegistry(t *testing.T) (*Registry, func()) {
	t.Helper()
	srv := mockBrowserServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	browser, err := cdp.Connect(ctx, srv.URL)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	bc := broadcast.New()
	r := New(browser, bc, nil, false)
	cleanup := func() {
		r.StopAll()
		browser.Close()
		srv.Close()
	}
	return r, cleanup
}

func TestEnsureDeviceCreatesSession(t *testing.T) {
	r, cleanup := newTestRegistry(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := r.EnsureDevice(ctx, "dev1", testCfg())
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	if s == nil {
		t.Fatal("expected non-nil session")
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", r.ActiveCount())
	}
}

func TestEnsureDeviceReturnsExistingForSameConfig(t *testing.T) {
	r, cleanup := newTestRegistry(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testCfg()
	first, err := r.EnsureDevice(ctx, "dev1", cfg)
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	second, err := r.EnsureDevice(ctx, "dev1", cfg)
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	if first != second {
		t.Fatal("expected the same session to be returned for an identical config")
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", r.ActiveCount())
	}
}

func TestEnsureDeviceReplacesSessionOnConfigChange(t *testing.T) {
	r, cleanup := newTestRegistry(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testCfg()
	first, err := r.EnsureDevice(ctx, "dev1", cfg)
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}

	changed := cfg
	changed.JPEGQuality = 50
	second, err := r.EnsureDevice(ctx, "dev1", changed)
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	if first == second {
		t.Fatal("expected a new session after a config change")
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1 after replacement", r.ActiveCount())
	}
}

func TestRemoveDeviceIsSafeForUnknownID(t *testing.T) {
	r, cleanup := newTestRegistry(t)
	defer cleanup()
	r.RemoveDevice("does-not-exist") // must not panic
}

func TestCleanupIdleDestroysStaleSessions(t *testing.T) {
	r, cleanup := newTestRegistry(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := r.EnsureDevice(ctx, "dev1", testCfg()); err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}

	r.CleanupIdle(0) // everything is "stale" against a zero TTL

	if r.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0 after cleanup", r.ActiveCount())
	}
}

func TestCleanupIdleKeepsRecentlyActiveSessions(t *testing.T) {
	r, cleanup := newTestRegistry(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := r.EnsureDevice(ctx, "dev1", testCfg()); err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}

	r.CleanupIdle(time.Hour)

	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1 (session is fresh)", r.ActiveCount())
	}
}

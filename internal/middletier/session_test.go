package middletier

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newUpstreamTestServer starts a test server that accepts one websocket
// connection and hands it to handle for the test to script upstream
// behavior, mirroring how a real realtime endpoint would be dialed.
func newUpstreamTestServer(t *testing.T, handle func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upstream upgrade failed: %v", err)
			return
		}
		handle(conn)
	}))
	return srv
}

func dialClient(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial client conn: %v", err)
	}
	return conn
}

// TestSession_ForwardsSessionCreatedWithBlankedFields exercises the full
// Session.Run path end to end: a fake upstream sends session.created, and
// the real client-facing websocket must see it with instructions/tools
// blanked by the processor.
func TestSession_ForwardsSessionCreatedWithBlankedFields(t *testing.T) {
	upstream := newUpstreamTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{
			"type": "session.created",
			"session": map[string]any{
				"instructions": "secret",
				"tools":        []any{map[string]any{"name": "search"}},
			},
		})
		time.Sleep(50 * time.Millisecond)
	})
	defer upstream.Close()

	srv := NewServer(upstream.URL, "gpt-realtime", StaticKeyCredential{Key: "k"}, NewSessionConfig(), nil, nil)

	frontend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("client upgrade failed: %v", err)
			return
		}
		_ = srv.Run(r.Context(), conn, false, "req-1")
	}))
	defer frontend.Close()

	client := dialClient(t, frontend.URL)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client ReadMessage() error = %v", err)
	}

	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decoding client event: %v", err)
	}
	session := event["session"].(map[string]any)
	if session["instructions"] != "" {
		t.Errorf("instructions leaked to client: %v", session["instructions"])
	}
	if tools, ok := session["tools"].([]any); !ok || len(tools) != 0 {
		t.Errorf("tools leaked to client: %v", session["tools"])
	}
}

// TestSession_ClientTrafficForwardedUpstream verifies a client-originated
// session.update reaches the upstream connection with server-enforced
// fields applied.
func TestSession_ClientTrafficForwardedUpstream(t *testing.T) {
	received := make(chan map[string]any, 1)
	upstream := newUpstreamTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var event map[string]any
		if err := conn.ReadJSON(&event); err == nil {
			received <- event
		}
	})
	defer upstream.Close()

	cfg := NewSessionConfig()
	cfg.SetVoice("shimmer")
	srv := NewServer(upstream.URL, "gpt-realtime", StaticKeyCredential{Key: "k"}, cfg, nil, nil)

	frontend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("client upgrade failed: %v", err)
			return
		}
		_ = srv.Run(r.Context(), conn, false, "")
	}))
	defer frontend.Close()

	client := dialClient(t, frontend.URL)
	defer client.Close()

	if err := client.WriteJSON(map[string]any{
		"type":    "session.update",
		"session": map[string]any{"voice": "client-requested"},
	}); err != nil {
		t.Fatalf("client WriteJSON() error = %v", err)
	}

	select {
	case event := <-received:
		session := event["session"].(map[string]any)
		if session["voice"] != "shimmer" {
			t.Errorf("voice = %v, want server-enforced shimmer", session["voice"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream to receive forwarded event")
	}
}

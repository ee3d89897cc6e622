package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

type capturedHooks struct {
	mu        sync.Mutex
	started   []string
	media     [][]byte
	marks     []string
	stopCount int
}

func (c *capturedHooks) hooks() Hooks {
	return Hooks{
		OnStart: func(callID, streamID string, _ json.RawMessage) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.started = append(c.started, callID+"/"+streamID)
		},
		OnMedia: func(mulaw []byte, track string, _ int64) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.media = append(c.media, mulaw)
		},
		OnMark: func(name string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.marks = append(c.marks, name)
		},
		OnStop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.stopCount++
		},
	}
}

func newTestPeerServer(t *testing.T, hooks Hooks) (*httptest.Server, chan *Peer) {
	t.Helper()
	peerCh := make(chan *Peer, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := Accept(w, r, hooks, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		peerCh <- p
		p.Run(context.Background())
	}))
	t.Cleanup(srv.Close)
	return srv, peerCh
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStartFrameInvokesOnStartAndBindsCallID(t *testing.T) {
	var c capturedHooks
	srv, peerCh := newTestPeerServer(t, c.hooks())
	conn := dial(t, wsURL(srv.URL))

	sendJSON(t, conn, map[string]any{
		"event": "start",
		"start": map[string]string{"callId": "CA1", "streamId": "MZ1"},
	})

	p := <-peerCh
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.started) == 1
	})
	if p.callID != "CA1" {
		t.Fatalf("callID = %q, want CA1", p.callID)
	}
}

func TestMediaBeforeStartIsRejected(t *testing.T) {
	var c capturedHooks
	srv, peerCh := newTestPeerServer(t, c.hooks())
	conn := dial(t, wsURL(srv.URL))

	sendJSON(t, conn, map[string]any{
		"event": "media",
		"media": map[string]string{"payload": base64.StdEncoding.EncodeToString([]byte("x"))},
	})
	sendJSON(t, conn, map[string]any{"event": "mark", "mark": map[string]string{"name": "sentinel"}})

	p := <-peerCh
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.marks) == 1
	})
	waitFor(t, func() bool { return !p.started })
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.media) != 0 {
		t.Fatalf("expected media before start to be rejected, got %d frames", len(c.media))
	}
}

func TestMediaFrameDecodesMulawAndInvokesHook(t *testing.T) {
	var c capturedHooks
	srv, peerCh := newTestPeerServer(t, c.hooks())
	conn := dial(t, wsURL(srv.URL))

	sendJSON(t, conn, map[string]any{
		"event": "start",
		"start": map[string]string{"callId": "CA1", "streamId": "MZ1"},
	})
	<-peerCh

	payload := []byte{0x01, 0x02, 0x03}
	sendJSON(t, conn, map[string]any{
		"event": "media",
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(payload),
			"track":   "inbound",
		},
	})

	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.media) == 1
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if string(c.media[0]) != string(payload) {
		t.Fatalf("decoded payload = %v, want %v", c.media[0], payload)
	}
}

func TestOutboundTrackIsIgnored(t *testing.T) {
	var c capturedHooks
	srv, peerCh := newTestPeerServer(t, c.hooks())
	conn := dial(t, wsURL(srv.URL))

	sendJSON(t, conn, map[string]any{
		"event": "start",
		"start": map[string]string{"callId": "CA1", "streamId": "MZ1"},
	})
	<-peerCh

	sendJSON(t, conn, map[string]any{
		"event": "media",
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString([]byte("x")),
			"track":   "outbound",
		},
	})
	sendJSON(t, conn, map[string]any{"event": "mark", "mark": map[string]string{"name": "sentinel"}})

	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.marks) == 1
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.media) != 0 {
		t.Fatalf("expected outbound-track media to be ignored, got %d frames", len(c.media))
	}
}

func TestStopFrameInvokesOnStop(t *testing.T) {
	var c capturedHooks
	srv, peerCh := newTestPeerServer(t, c.hooks())
	conn := dial(t, wsURL(srv.URL))

	sendJSON(t, conn, map[string]any{"event": "stop"})

	<-peerCh
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.stopCount == 1
	})
}

func TestSendMediaEncodesBase64Payload(t *testing.T) {
	srv, peerCh := newTestPeerServer(t, Hooks{})
	conn := dial(t, wsURL(srv.URL))
	sendJSON(t, conn, map[string]any{"event": "connected"})
	p := <-peerCh

	if err := p.SendMedia([]byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame outboundMediaFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Event != "media" {
		t.Fatalf("event = %q, want media", frame.Event)
	}
	decoded, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != "\xaa\xbb" {
		t.Fatalf("decoded payload = %x, want aabb", decoded)
	}
}

func TestSendClearFrame(t *testing.T) {
	srv, peerCh := newTestPeerServer(t, Hooks{})
	conn := dial(t, wsURL(srv.URL))
	sendJSON(t, conn, map[string]any{"event": "connected"})
	p := <-peerCh

	if err := p.SendClear(); err != nil {
		t.Fatalf("SendClear: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame outboundClearFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Event != "clear" {
		t.Fatalf("event = %q, want clear", frame.Event)
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

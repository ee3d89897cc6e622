package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/jwillz7667/voiceaipro-sub000/pkg/eventlog"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/session"
)

var testUpgrader = websocket.Upgrader{}

// fakeServer upgrades exactly one connection and exposes it to the test for
// scripted sends/receives.
func fakeServer(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- conn
	}))
	t.Cleanup(srv.Close)
	return srv, connCh
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newTestSession(t *testing.T, reg *session.Registry, callID string) *session.CallSession {
	t.Helper()
	sess, _ := reg.CreateOrGet(callID, session.DirectionInbound, func() string { return uuid.New().String() })
	sess.Config = session.Config{
		Voice: "alloy",
		TurnDetection: session.TurnDetectionConfig{
			Mode:              session.TurnDetectionServerVAD,
			InterruptResponse: true,
		},
	}
	return sess
}

func TestConnectSendsInitialSessionUpdate(t *testing.T) {
	srv, connCh := fakeServer(t)
	reg := session.NewRegistry()
	newTestSession(t, reg, "call-1")

	c := New("call-1", reg, wsURL(srv.URL), "", 0, Hooks{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	serverConn := <-connCh
	_, data, err := serverConn.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}

	var msg sessionUpdateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != outSessionUpdate {
		t.Fatalf("type = %q, want %q", msg.Type, outSessionUpdate)
	}
	if msg.Session.Voice != "alloy" {
		t.Fatalf("voice = %q, want alloy", msg.Session.Voice)
	}
	if msg.Session.TurnDetection == nil || msg.Session.TurnDetection.Type != "server_vad" {
		t.Fatalf("unexpected turn detection: %+v", msg.Session.TurnDetection)
	}
}

func TestBargeInCancelsAndNotifiesHook(t *testing.T) {
	srv, connCh := fakeServer(t)
	reg := session.NewRegistry()
	sess := newTestSession(t, reg, "call-2")

	bargeInFired := make(chan struct{}, 1)
	c := New("call-2", reg, wsURL(srv.URL), "", 0, Hooks{
		OnBargeIn: func() { bargeInFired <- struct{}{} },
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	serverConn := <-connCh
	// drain the initial session.update
	if _, _, err := serverConn.ReadMessage(); err != nil {
		t.Fatalf("server read (session.update): %v", err)
	}

	sess.SetAssistantSpeaking(true)

	mustSend(t, serverConn, serverEvent{Type: inSpeechStarted})

	select {
	case <-bargeInFired:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnBargeIn to fire")
	}

	// the client should have written a response.cancel in reaction.
	_, data, err := serverConn.ReadMessage()
	if err != nil {
		t.Fatalf("server read (expected cancel): %v", err)
	}
	var m simpleTypeMsg
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Type != outResponseCancel {
		t.Fatalf("type = %q, want %q", m.Type, outResponseCancel)
	}

	if sess.AssistantSpeaking() {
		t.Fatal("expected assistant speaking to be cleared on barge-in")
	}
}

// TestForwardSuppressedClearsOnResponseCancelled checks the gating flag
// pkg/bridge relies on to withhold telephony-bound audio while a barge-in
// cancel is in flight (spec.md §5 ordering guarantee 4, §8 scenario 2):
// set on barge-in, still set for any delta arriving before the matching
// response.cancelled, cleared once response.cancelled lands.
func TestForwardSuppressedClearsOnResponseCancelled(t *testing.T) {
	srv, connCh := fakeServer(t)
	reg := session.NewRegistry()
	sess := newTestSession(t, reg, "call-6")

	c := New("call-6", reg, wsURL(srv.URL), "", 0, Hooks{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	serverConn := <-connCh
	if _, _, err := serverConn.ReadMessage(); err != nil {
		t.Fatalf("server read (session.update): %v", err)
	}

	sess.SetAssistantSpeaking(true)
	mustSend(t, serverConn, serverEvent{Type: inSpeechStarted})

	// drain the resulting response.cancel
	if _, _, err := serverConn.ReadMessage(); err != nil {
		t.Fatalf("server read (expected cancel): %v", err)
	}

	deadline := time.After(2 * time.Second)
	for !sess.ForwardSuppressed() {
		select {
		case <-deadline:
			t.Fatal("expected ForwardSuppressed to be set after barge-in")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// a delta arriving before response.cancelled must not clear suppression.
	mustSend(t, serverConn, serverEvent{
		Type:  inResponseAudioDelta,
		Delta: base64.StdEncoding.EncodeToString([]byte{0x00, 0x00}),
	})
	time.Sleep(20 * time.Millisecond)
	if !sess.ForwardSuppressed() {
		t.Fatal("expected ForwardSuppressed to remain set while cancel is in flight")
	}

	mustSend(t, serverConn, serverEvent{Type: inResponseCancelled})

	deadline = time.After(2 * time.Second)
	for sess.ForwardSuppressed() {
		select {
		case <-deadline:
			t.Fatal("expected ForwardSuppressed to clear on response.cancelled")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestResponseAudioDeltaDecodesToPCM(t *testing.T) {
	srv, connCh := fakeServer(t)
	reg := session.NewRegistry()
	newTestSession(t, reg, "call-3")

	audioCh := make(chan []int16, 1)
	c := New("call-3", reg, wsURL(srv.URL), "", 0, Hooks{
		OnAssistantAudio: func(pcm []int16) { audioCh <- pcm },
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	serverConn := <-connCh
	if _, _, err := serverConn.ReadMessage(); err != nil {
		t.Fatalf("server read (session.update): %v", err)
	}

	raw := []byte{0xE8, 0x03, 0x18, 0xFC} // 1000, -1000 little-endian
	mustSend(t, serverConn, serverEvent{
		Type:  inResponseAudioDelta,
		Delta: base64.StdEncoding.EncodeToString(raw),
	})

	select {
	case pcm := <-audioCh:
		if len(pcm) != 2 || pcm[0] != 1000 || pcm[1] != -1000 {
			t.Fatalf("unexpected decoded pcm: %v", pcm)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected assistant audio delivery")
	}
}

func TestUnknownEventTypeRecordedVerbatim(t *testing.T) {
	srv, connCh := fakeServer(t)
	reg := session.NewRegistry()
	sess := newTestSession(t, reg, "call-4")

	c := New("call-4", reg, wsURL(srv.URL), "", 0, Hooks{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	serverConn := <-connCh
	if _, _, err := serverConn.ReadMessage(); err != nil {
		t.Fatalf("server read (session.update): %v", err)
	}

	mustSend(t, serverConn, map[string]string{"type": "some.future.event"})

	deadline := time.After(2 * time.Second)
	for {
		recent := sess.Events.Recent()
		for _, r := range recent {
			if string(r.Kind) == "some.future.event" {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("expected unknown event type to be recorded verbatim")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMalformedJSONRecordsProtocolWarn(t *testing.T) {
	srv, connCh := fakeServer(t)
	reg := session.NewRegistry()
	sess := newTestSession(t, reg, "call-5")

	c := New("call-5", reg, wsURL(srv.URL), "", 0, Hooks{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	serverConn := <-connCh
	if _, _, err := serverConn.ReadMessage(); err != nil {
		t.Fatalf("server read (session.update): %v", err)
	}

	if err := serverConn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		recent := sess.Events.Recent()
		for _, r := range recent {
			if r.Kind == eventlog.KindProtocolWarn {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("expected protocol.warn to be recorded")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func mustSend(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// Package realtime implements the AI peer adapter: an outbound WebSocket
// connection to the conversational AI's realtime endpoint, the
// session-config contract, outbound message builders, and the inbound
// event-to-session mapping (spec.md §4.5).
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jwillz7667/voiceaipro-sub000/pkg/eventlog"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/session"
)

// ============================================
// AI REALTIME CLIENT
// Outbound WS peer: connect, session-config, audio in/out, barge-in
// ============================================

const (
	defaultConnectTimeout = 10 * time.Second
	pongWait              = 60 * time.Second
	pingInterval          = 30 * time.Second
	writeWait             = 10 * time.Second
)

// Hooks are the orchestrator-supplied callbacks a Client drives as it maps
// inbound server events to bridge-level effects. No peer adapter holds a
// reference to another peer adapter directly — the orchestrator wires them
// together through these functions (spec.md §9 cyclic-reference redesign).
type Hooks struct {
	// OnAssistantAudio delivers decoded PCM16@24kHz assistant audio for
	// downstream transcoding to telephony and mixing into the recording.
	OnAssistantAudio func(pcm []int16)
	// OnBargeIn fires when user speech is detected while the assistant is
	// speaking and the session's turn-detection config allows interruption;
	// the orchestrator must clear the telephony playback buffer.
	OnBargeIn func()
	// OnSessionCreated fires the first time the server confirms
	// session.created, the signal the orchestrator uses to move the call
	// from connecting-ai to active (spec.md §4.9).
	OnSessionCreated func()
	// OnDisconnected fires when the underlying connection closes for any
	// reason other than a fatal protocol error; the orchestrator moves the
	// session to ai-disconnected rather than error (spec.md §4.9) — audio
	// keeps being decoded and recorded but stops being forwarded.
	OnDisconnected func()
	// OnFatalError fires on a fatal protocol error reported by the server;
	// the orchestrator moves the session to StateError.
	OnFatalError func(err error)
}

// Client is the AI peer adapter for a single call session. It looks its
// CallSession up through the Registry on every use rather than holding a
// pointer to it, so Client and CallSession never form a reference cycle.
type Client struct {
	callID   string
	registry *session.Registry
	hooks    Hooks

	url            string
	token          string
	connectTimeout time.Duration

	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Client for callID. url is the realtime endpoint; token is
// sent as a bearer credential on the upgrade request. connectTimeout caps
// the initial dial (spec.md §5); zero uses the 10-second default.
func New(callID string, registry *session.Registry, url, token string, connectTimeout time.Duration, hooks Hooks) *Client {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &Client{
		callID:         callID,
		registry:       registry,
		hooks:          hooks,
		url:            url,
		token:          token,
		connectTimeout: connectTimeout,
		closed:         make(chan struct{}),
	}
}

// Connect dials the realtime endpoint, sends the initial session.update
// built from the session's current Config, and starts the read pump. There
// is no auto-reconnect (spec.md §9 open question: decided no) — a dropped
// connection is terminal for the AI peer and the caller is notified via
// Hooks.OnDisconnected/OnFatalError from the read loop.
func (c *Client) Connect(ctx context.Context) error {
	sess := c.registry.Lookup(c.callID)
	if sess == nil {
		return fmt.Errorf("realtime: connect: call %s not found", c.callID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, header)
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}
	c.conn = conn

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := c.UpdateConfig(sess.GetConfig()); err != nil {
		conn.Close()
		return fmt.Errorf("realtime: initial session.update: %w", err)
	}

	go c.pingLoop()
	go c.readPump()

	return nil
}

// pingLoop keeps the connection alive the same way the teacher's telephony
// peer does: a periodic control-frame ping independent of traffic.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readPump reads inbound server events until the connection closes or a
// fatal error arrives, dispatching each one to handleEvent.
func (c *Client) readPump() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[realtime] call %s: read error: %v", c.callID, err)
			}
			if c.hooks.OnDisconnected != nil {
				c.hooks.OnDisconnected()
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.recordEvent(eventlog.KindProtocolWarn, eventlog.DirectionIncoming, string(data))
			continue
		}

		c.handleEvent(evt, data)
		if evt.Type == inError && evt.Error != nil && evt.Error.Fatal {
			return
		}
	}
}

// handleEvent maps one inbound server event onto session state, recorder
// hooks, and the event log (spec.md §4.5 event table).
func (c *Client) handleEvent(evt serverEvent, raw []byte) {
	sess := c.registry.Lookup(c.callID)
	if sess == nil {
		return
	}

	switch evt.Type {
	case inSessionCreated:
		c.recordEvent(eventlog.KindSessionCreated, eventlog.DirectionIncoming, evt)
		if c.hooks.OnSessionCreated != nil {
			c.hooks.OnSessionCreated()
		}

	case inSessionUpdated:
		c.recordEvent(eventlog.KindSessionUpdated, eventlog.DirectionIncoming, evt)

	case inSpeechStarted:
		c.recordEvent(eventlog.KindSpeechStarted, eventlog.DirectionIncoming, evt)
		if sess.AssistantSpeaking() && sess.InterruptAllowed() {
			c.handleBargeIn(sess)
		}

	case inSpeechStopped:
		c.recordEvent(eventlog.KindSpeechStopped, eventlog.DirectionIncoming, evt)

	case inUserTranscriptionCompleted:
		c.recordEvent(eventlog.KindUserTranscript, eventlog.DirectionIncoming, evt)
		sess.AppendTranscript(session.TranscriptFragment{
			Speaker:             session.SpeakerUser,
			Text:                evt.Transcript,
			RelativeTimestampMs: time.Since(sess.CreatedAt).Milliseconds(),
		})

	case inResponseCreated:
		sess.SetAssistantSpeaking(true)
		c.recordEvent(eventlog.KindResponseCreated, eventlog.DirectionIncoming, evt)

	case inResponseAudioDelta:
		c.recordEvent(eventlog.KindResponseAudioDelta, eventlog.DirectionIncoming, nil)
		c.deliverAudioDelta(evt.Delta)

	case inResponseAudioDone:
		c.recordEvent(eventlog.KindResponseAudioDone, eventlog.DirectionIncoming, evt)

	case inResponseTranscriptDelta:
		c.recordEvent(eventlog.KindResponseTranscriptDelta, eventlog.DirectionIncoming, nil)

	case inResponseTranscriptDone:
		c.recordEvent(eventlog.KindResponseTranscriptDone, eventlog.DirectionIncoming, evt)
		sess.AppendTranscript(session.TranscriptFragment{
			Speaker:             session.SpeakerAssistant,
			Text:                evt.Transcript,
			RelativeTimestampMs: time.Since(sess.CreatedAt).Milliseconds(),
		})

	case inResponseDone:
		sess.SetAssistantSpeaking(false)
		c.recordEvent(eventlog.KindResponseDone, eventlog.DirectionIncoming, evt)

	case inResponseCancelled:
		sess.SetAssistantSpeaking(false)
		sess.SetForwardSuppressed(false)
		c.recordEvent(eventlog.KindResponseCancelled, eventlog.DirectionIncoming, evt)

	case inRateLimitsUpdated:
		c.recordEvent(eventlog.KindRateLimitsUpdated, eventlog.DirectionIncoming, evt.RateLimits)

	case inError:
		c.recordEvent(eventlog.KindError, eventlog.DirectionIncoming, evt.Error)
		if evt.Error != nil && evt.Error.Fatal && c.hooks.OnFatalError != nil {
			c.hooks.OnFatalError(fmt.Errorf("realtime: server error: %s", evt.Error.Message))
		}

	default:
		// Unrecognised event type: recorded verbatim, not acted on.
		c.recordEvent(eventlog.Kind(evt.Type), eventlog.DirectionIncoming, json.RawMessage(raw))
	}
}

// handleBargeIn cancels the in-flight response and asks the orchestrator to
// clear the telephony playback buffer, in that order (spec.md §5
// interruption ordering guarantee).
func (c *Client) handleBargeIn(sess *session.CallSession) {
	sess.SetForwardSuppressed(true)
	if err := c.Cancel(); err != nil {
		log.Printf("[realtime] call %s: barge-in cancel failed: %v", c.callID, err)
	}
	sess.SetAssistantSpeaking(false)
	if c.hooks.OnBargeIn != nil {
		c.hooks.OnBargeIn()
	}
}

// deliverAudioDelta base64-decodes an output-audio delta and hands the
// resulting PCM16@24kHz samples to the orchestrator.
func (c *Client) deliverAudioDelta(b64 string) {
	if b64 == "" || c.hooks.OnAssistantAudio == nil {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		log.Printf("[realtime] call %s: malformed audio delta: %v", c.callID, err)
		return
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(uint16(raw[i*2]) | uint16(raw[i*2+1])<<8)
	}
	c.hooks.OnAssistantAudio(samples)
}

func (c *Client) recordEvent(kind eventlog.Kind, dir eventlog.Direction, payload any) {
	sess := c.registry.Lookup(c.callID)
	if sess == nil {
		return
	}
	sess.Events.Record(c.callID, kind, dir, payload)
	sess.IncrEventCount()
}

// AppendAudio sends one chunk of user audio upstream as an
// input_audio_buffer.append event. samples must be PCM16@24kHz (pkg/codec
// performs the 8kHz→24kHz conversion before this call).
func (c *Client) AppendAudio(samples []int16) error {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		raw[i*2] = byte(uint16(s))
		raw[i*2+1] = byte(uint16(s) >> 8)
	}
	return c.send(appendAudioMsg{
		Type:  outInputAudioBufferAppend,
		Audio: base64.StdEncoding.EncodeToString(raw),
	})
}

// Commit finalizes the current input audio buffer into a user turn.
func (c *Client) Commit() error {
	return c.send(simpleTypeMsg{Type: outInputAudioBufferCommit})
}

// Clear discards the current (uncommitted) input audio buffer.
func (c *Client) Clear() error {
	return c.send(simpleTypeMsg{Type: outInputAudioBufferClear})
}

// Cancel cancels the in-flight response, used both for explicit
// interruption requests and for automatic barge-in.
func (c *Client) Cancel() error {
	return c.send(simpleTypeMsg{Type: outResponseCancel})
}

// TriggerResponse asks the AI to generate a response for the current
// conversation state without waiting on server-side VAD.
func (c *Client) TriggerResponse() error {
	return c.send(simpleTypeMsg{Type: outResponseCreate})
}

// SendText injects a text conversation item (spec.md §4.7 observer command
// "call.send_text" and any programmatic prompt-seeding use).
func (c *Client) SendText(role, text string) error {
	return c.send(conversationItemCreateMsg{
		Type: outConversationItemCreate,
		Item: conversationItem{
			Type: "message",
			Role: role,
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// UpdateConfig pushes a new session.update, used both for the initial
// connect and for any later config change (spec.md §4.7 observer command
// "session.update").
func (c *Client) UpdateConfig(cfg session.Config) error {
	if sess := c.registry.Lookup(c.callID); sess != nil {
		sess.SetInterruptAllowed(interruptAllowed(cfg.TurnDetection))
	}
	return c.send(sessionUpdateMsg{
		Type:    outSessionUpdate,
		Session: buildSessionParams(cfg),
	})
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("realtime: not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.conn.Close()
		}
	})
}

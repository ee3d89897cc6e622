// Package telephony implements the telephony peer adapter: the inbound
// media-stream WebSocket from the telephony provider (spec.md §4.6, §6.1).
package telephony

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
)

// ============================================
// TELEPHONY PEER
// Inbound connected/start/media/mark/stop; outbound media/mark/clear
// ============================================

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingEvery     = 30 * time.Second

	// DefaultHighWaterMarkBytes is ~2s of 160-byte (20ms) µ-law frames
	// (spec.md §4.6 back-pressure recommendation).
	DefaultHighWaterMarkBytes = 100 * 160
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hooks are the orchestrator-supplied callbacks a Peer drives as it parses
// inbound telephony frames (spec.md §9 cyclic-reference redesign — no peer
// adapter holds another peer directly).
type Hooks struct {
	// OnStart fires on the `start` frame: callId, streamId, and the raw
	// customParameters/mediaFormat payload.
	OnStart func(callID, streamID string, mediaFormat json.RawMessage)
	// OnMedia fires on every inbound `media` frame carrying decoded
	// µ-law bytes for the named track ("inbound" is the caller's audio).
	OnMedia func(mulaw []byte, track string, timestampMs int64)
	// OnMark fires on a `mark` frame.
	OnMark func(name string)
	// OnStop fires on the `stop` frame, beginning graceful session teardown.
	OnStop func()
}

// Peer is one telephony media-stream connection. One Peer per call.
type Peer struct {
	conn   *websocket.Conn
	hooks  Hooks
	callID string

	highWaterMark int

	sendMu  sync.Mutex
	started bool

	onBackpressure func()
}

// Accept upgrades an inbound HTTP request to a WebSocket and returns the
// Peer. The caller must call Run to start the read pump.
func Accept(w http.ResponseWriter, r *http.Request, hooks Hooks, onBackpressure func()) (*Peer, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("telephony: upgrade: %w", err)
	}
	return &Peer{
		conn:           conn,
		hooks:          hooks,
		highWaterMark:  DefaultHighWaterMarkBytes,
		onBackpressure: onBackpressure,
	}, nil
}

// Run reads frames until the connection closes or ctx is cancelled. Blocks;
// call it in its own goroutine.
func (p *Peer) Run(ctx context.Context) error {
	defer p.conn.Close()

	p.conn.SetReadDeadline(time.Now().Add(readDeadline))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go p.pingLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[telephony] call %s: read error: %v", p.callID, err)
			}
			return fmt.Errorf("telephony: read: %w", err)
		}

		if err := p.handleFrame(data); err != nil {
			log.Printf("[telephony] call %s: frame handling error: %v", p.callID, err)
		}
	}
}

func (p *Peer) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.writeRaw(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type inboundFrame struct {
	Event string          `json:"event"`
	Start *startFrame     `json:"start,omitempty"`
	Media *mediaFrame     `json:"media,omitempty"`
	Mark  *markFrame      `json:"mark,omitempty"`
}

type startFrame struct {
	CallID           string          `json:"callId"`
	StreamID         string          `json:"streamId"`
	CustomParameters json.RawMessage `json:"customParameters,omitempty"`
	MediaFormat      json.RawMessage `json:"mediaFormat,omitempty"`
}

type mediaFrame struct {
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp,omitempty"`
	Track     string `json:"track,omitempty"`
}

type markFrame struct {
	Name string `json:"name"`
}

func (p *Peer) handleFrame(data []byte) error {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}

	switch f.Event {
	case "connected":
		// first message; nothing else to act on.
		return nil

	case "start":
		if f.Start == nil {
			return fmt.Errorf("start frame missing payload")
		}
		p.callID = f.Start.CallID
		p.started = true
		if p.hooks.OnStart != nil {
			p.hooks.OnStart(f.Start.CallID, f.Start.StreamID, f.Start.MediaFormat)
		}
		return nil

	case "media":
		if f.Media == nil {
			return fmt.Errorf("media frame missing payload")
		}
		if !p.started {
			return fmt.Errorf("media frame before start")
		}
		if f.Media.Track != "" && f.Media.Track != "inbound" {
			return nil
		}
		raw, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			return fmt.Errorf("malformed media payload: %w", err)
		}
		ts := parseTimestampMs(f.Media.Timestamp)
		if p.hooks.OnMedia != nil {
			p.hooks.OnMedia(raw, "inbound", ts)
		}
		return nil

	case "mark":
		if f.Mark == nil {
			return fmt.Errorf("mark frame missing payload")
		}
		if p.hooks.OnMark != nil {
			p.hooks.OnMark(f.Mark.Name)
		}
		return nil

	case "stop":
		if p.hooks.OnStop != nil {
			p.hooks.OnStop()
		}
		return nil

	default:
		return nil
	}
}

func parseTimestampMs(s string) int64 {
	var ms int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		ms = ms*10 + int64(c-'0')
	}
	return ms
}

// ============================================
// OUTBOUND FRAMING
// ============================================

type outboundMediaFrame struct {
	Event string            `json:"event"`
	Media outboundMediaBody `json:"media"`
}

type outboundMediaBody struct {
	Payload string `json:"payload"`
}

type outboundMarkFrame struct {
	Event string         `json:"event"`
	Mark  outboundMarkBody `json:"mark"`
}

type outboundMarkBody struct {
	Name string `json:"name"`
}

type outboundClearFrame struct {
	Event string `json:"event"`
}

// SendMedia sends one base64-encoded µ-law chunk to the telephony peer. If
// the underlying write queue is saturated this call still succeeds at the
// websocket layer (gorilla writes are synchronous); back-pressure is
// managed by the orchestrator's bounded mailbox, which records a
// backpressure event and drops the oldest chunk rather than calling
// SendMedia at all once the queue exceeds the high-water mark.
func (p *Peer) SendMedia(mulaw []byte) error {
	return p.send(outboundMediaFrame{
		Event: "media",
		Media: outboundMediaBody{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// SendMark sends a playback-position marker.
func (p *Peer) SendMark(name string) error {
	return p.send(outboundMarkFrame{Event: "mark", Mark: outboundMarkBody{Name: name}})
}

// SendClear discards the telephony provider's remaining unplayed audio
// (spec.md §4.6, used on barge-in and on response.cancelled).
func (p *Peer) SendClear() error {
	return p.send(outboundClearFrame{Event: "clear"})
}

func (p *Peer) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("telephony: marshal: %w", err)
	}
	return p.writeRaw(websocket.TextMessage, data)
}

func (p *Peer) writeRaw(messageType int, data []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return p.conn.WriteMessage(messageType, data)
}

// Close closes the underlying connection with the given close code
// (spec.md §7: 1000 on normal end, 1011 on internal error).
func (p *Peer) Close(code int) {
	p.writeRaw(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	p.conn.Close()
}

// HighWaterMarkBytes returns the configured back-pressure threshold.
func (p *Peer) HighWaterMarkBytes() int {
	return p.highWaterMark
}

// SetHighWaterMarkBytes overrides the back-pressure threshold (spec.md
// §4.10 configuration surface).
func (p *Peer) SetHighWaterMarkBytes(n int) {
	p.highWaterMark = n
}

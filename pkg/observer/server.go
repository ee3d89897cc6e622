// Package observer implements the observer WebSocket: authentication,
// subscribe/unsubscribe, command dispatch, and event replay (spec.md §4.7).
package observer

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"

	"github.com/jwillz7667/voiceaipro-sub000/pkg/eventlog"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/session"
)

// ============================================
// OBSERVER SERVER
// ============================================

const (
	readDeadline        = 60 * time.Second
	writeDeadline       = 10 * time.Second
	pingEvery           = 30 * time.Second
	commandSoftDeadline = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SessionSummary is the read-only projection returned by get.sessions/
// get.session.
type SessionSummary struct {
	CallID    string            `json:"callId"`
	State     session.State     `json:"state"`
	Direction session.Direction `json:"direction"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Dispatcher is implemented by the bridge orchestrator. The observer server
// never touches a CallSession, Peer, or realtime.Client directly — every
// mutating command crosses this interface (spec.md §9 cyclic-reference
// redesign).
type Dispatcher interface {
	UpdateConfig(callID string, cfg session.Config) error
	Interrupt(callID string) error
	TriggerResponse(callID string) error
	SendText(callID, text, role string) error
	EndCall(callID, reason string) error
	ListSessions() []SessionSummary
	GetSession(callID string) (SessionSummary, bool)
}

// Server accepts observer connections and dispatches their commands.
type Server struct {
	registry   *session.Registry
	dispatcher Dispatcher
	jwtKey     []byte // empty disables signature verification
}

// New creates a Server. jwtKey may be nil/empty, in which case the `auth`
// handshake is still required but its token's signature is not verified
// (spec.md §4.10 configuration surface).
func New(registry *session.Registry, dispatcher Dispatcher, jwtKey []byte) *Server {
	return &Server{registry: registry, dispatcher: dispatcher, jwtKey: jwtKey}
}

// ServeHTTP upgrades the connection and runs its command loop until close.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[observer] upgrade failed: %v", err)
		return
	}

	p := &peerConn{
		conn:          conn,
		server:        s,
		subscriptions: make(map[string]struct{}),
	}
	p.run()
}

// ServeEvents handles the secondary subscribe-only path `/events/{callId}`
// (spec.md §6.3): the same auth handshake applies, but the connection is
// auto-subscribed to the call named in the path and may not issue any
// mutating command.
func (s *Server) ServeEvents(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimPrefix(r.URL.Path, "/events/")
	if callID == "" {
		http.Error(w, "callId required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[observer] upgrade failed: %v", err)
		return
	}

	p := &peerConn{
		conn:          conn,
		server:        s,
		subscriptions: make(map[string]struct{}),
		readOnlyCall:  callID,
	}
	p.run()
}

// peerConn is one observer connection. It implements session.Subscriber so
// the registry can notify it of terminal events without holding a concrete
// type from this package.
type peerConn struct {
	conn   *websocket.Conn
	server *Server

	authedMu sync.Mutex
	authed   bool
	deviceID string

	subMu         sync.Mutex
	subscriptions map[string]struct{}

	// readOnlyCall is set by ServeEvents to the call this connection is
	// pinned to; non-empty means the connection auto-subscribes on auth
	// and rejects every mutating command.
	readOnlyCall string

	writeMu sync.Mutex
}

func (p *peerConn) run() {
	defer p.cleanup()

	p.conn.SetReadDeadline(time.Now().Add(readDeadline))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go p.pingLoop(stopPing)

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[observer] read error: %v", err)
			}
			return
		}
		p.handle(data)
	}
}

func (p *peerConn) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.writeRaw(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *peerConn) cleanup() {
	p.subMu.Lock()
	calls := make([]string, 0, len(p.subscriptions))
	for callID := range p.subscriptions {
		calls = append(calls, callID)
	}
	p.subMu.Unlock()

	for _, callID := range calls {
		p.server.registry.Unsubscribe(callID, p)
	}
	p.conn.Close()
}

// Notify implements session.Subscriber. Server-pushed frames carry
// { type, timestamp, callSid, data } (spec.md §6.3), distinct from the
// { type, callId, success|code|message, payload } shape of command replies.
func (p *peerConn) Notify(callID, kind string, payload any) {
	data, err := json.Marshal(eventFrame{
		Type:      kind,
		Timestamp: time.Now().Unix(),
		CallSid:   callID,
		Data:      payload,
	})
	if err != nil {
		log.Printf("[observer] marshal event frame: %v", err)
		return
	}
	if err := p.writeRaw(websocket.TextMessage, data); err != nil {
		log.Printf("[observer] write error: %v", err)
	}
}

func (p *peerConn) handle(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.sendError("", ErrInvalidPayload, "malformed json")
		return
	}

	if msg.Type != cmdAuth {
		p.authedMu.Lock()
		authed := p.authed
		p.authedMu.Unlock()
		if !authed {
			p.sendError(msg.CallID, ErrAuthFailed, "auth required before other commands")
			return
		}
	}

	if p.readOnlyCall != "" && mutatingCommands[msg.Type] {
		p.sendError(msg.CallID, ErrUnknownType, "connection is subscribe-only")
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.dispatch(msg)
	}()
	select {
	case <-done:
	case <-time.After(commandSoftDeadline):
		log.Printf("[observer] command %q for call %q exceeded %s soft deadline", msg.Type, msg.CallID, commandSoftDeadline)
	}
}

// dispatch runs the command identified by msg.Type. It is called on its own
// goroutine by handle, which only enforces the soft deadline as a logging
// signal: a command that overruns still completes and replies, since the
// underlying dispatcher call has no safe way to be aborted mid-flight.
func (p *peerConn) dispatch(msg inboundMessage) {
	switch msg.Type {
	case cmdAuth:
		p.handleAuth(msg)
	case cmdSubscribe:
		p.handleSubscribe(msg)
	case cmdUnsubscribe:
		p.handleUnsubscribe(msg)
	case cmdSessionUpdate:
		p.handleSessionUpdate(msg)
	case cmdCallInterrupt:
		p.handleSimpleCommand(msg, p.server.dispatcher.Interrupt)
	case cmdCallTriggerResponse:
		p.handleSimpleCommand(msg, p.server.dispatcher.TriggerResponse)
	case cmdCallSendText:
		p.handleSendText(msg)
	case cmdCallEnd:
		p.handleCallEnd(msg)
	case cmdGetSessions:
		p.handleGetSessions(msg)
	case cmdGetSession:
		p.handleGetSession(msg)
	case cmdGetEvents:
		p.handleGetEvents(msg)
	case cmdPing:
		p.sendMsg(outboundMessage{Type: "pong", Timestamp: time.Now().Unix()})
	default:
		p.sendError(msg.CallID, ErrUnknownType, fmt.Sprintf("unknown command %q", msg.Type))
	}
}

func (p *peerConn) handleAuth(msg inboundMessage) {
	if msg.DeviceID == "" {
		p.sendError("", ErrInvalidPayload, "deviceId required")
		return
	}
	if p.server.jwtKey != nil && len(p.server.jwtKey) > 0 {
		if msg.Token == "" {
			p.sendError("", ErrAuthFailed, "token required")
			return
		}
		if _, err := jwt.Parse(msg.Token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return p.server.jwtKey, nil
		}); err != nil {
			p.sendError("", ErrAuthFailed, "invalid token")
			return
		}
	}

	p.authedMu.Lock()
	p.authed = true
	p.deviceID = msg.DeviceID
	p.authedMu.Unlock()

	p.sendMsg(outboundMessage{Type: cmdAuth, Success: true})

	if p.readOnlyCall != "" {
		p.handleSubscribe(inboundMessage{Type: cmdSubscribe, CallID: p.readOnlyCall})
	}
}

// mutatingCommands is the set of commands a read-only `/events/{callId}`
// connection may not issue (spec.md §6.3 "subscribe-only").
var mutatingCommands = map[string]bool{
	cmdSessionUpdate:       true,
	cmdCallInterrupt:       true,
	cmdCallTriggerResponse: true,
	cmdCallSendText:        true,
	cmdCallEnd:             true,
}

func (p *peerConn) handleSubscribe(msg inboundMessage) {
	if msg.CallID == "" {
		p.sendError("", ErrInvalidPayload, "callId required")
		return
	}

	p.server.registry.Subscribe(msg.CallID, p)
	p.subMu.Lock()
	p.subscriptions[msg.CallID] = struct{}{}
	p.subMu.Unlock()

	var recent []eventlog.Record
	if sess := p.server.registry.Lookup(msg.CallID); sess != nil {
		recent = sess.Events.Recent()
	}

	p.sendMsg(outboundMessage{
		Type:    cmdSubscribe,
		CallID:  msg.CallID,
		Success: true,
		Payload: map[string]any{"recent": recent},
	})
}

func (p *peerConn) handleUnsubscribe(msg inboundMessage) {
	if msg.CallID == "" {
		p.sendError("", ErrInvalidPayload, "callId required")
		return
	}
	p.server.registry.Unsubscribe(msg.CallID, p)
	p.subMu.Lock()
	delete(p.subscriptions, msg.CallID)
	p.subMu.Unlock()

	p.sendMsg(outboundMessage{Type: cmdUnsubscribe, CallID: msg.CallID, Success: true})
}

func (p *peerConn) handleSessionUpdate(msg inboundMessage) {
	if msg.CallID == "" || len(msg.Config) == 0 {
		p.sendError(msg.CallID, ErrInvalidPayload, "callId and config required")
		return
	}
	if p.server.registry.Lookup(msg.CallID) == nil {
		p.sendError(msg.CallID, ErrSessionNotFound, "no such call")
		return
	}

	var cfg session.Config
	if err := json.Unmarshal(msg.Config, &cfg); err != nil {
		p.sendError(msg.CallID, ErrInvalidPayload, "malformed config")
		return
	}

	if err := p.server.dispatcher.UpdateConfig(msg.CallID, cfg); err != nil {
		p.sendError(msg.CallID, ErrSessionNotFound, err.Error())
		return
	}
	p.sendMsg(outboundMessage{Type: cmdSessionUpdate, CallID: msg.CallID, Success: true})
}

func (p *peerConn) handleSimpleCommand(msg inboundMessage, fn func(callID string) error) {
	if msg.CallID == "" {
		p.sendError("", ErrInvalidPayload, "callId required")
		return
	}
	if p.server.registry.Lookup(msg.CallID) == nil {
		p.sendError(msg.CallID, ErrSessionNotFound, "no such call")
		return
	}
	if err := fn(msg.CallID); err != nil {
		p.sendError(msg.CallID, ErrSessionNotFound, err.Error())
		return
	}
	p.sendMsg(outboundMessage{Type: msg.Type, CallID: msg.CallID, Success: true})
}

func (p *peerConn) handleSendText(msg inboundMessage) {
	if msg.CallID == "" || msg.Text == "" {
		p.sendError(msg.CallID, ErrInvalidPayload, "callId and text required")
		return
	}
	if p.server.registry.Lookup(msg.CallID) == nil {
		p.sendError(msg.CallID, ErrSessionNotFound, "no such call")
		return
	}
	role := msg.Role
	if role == "" {
		role = "user"
	}
	if err := p.server.dispatcher.SendText(msg.CallID, msg.Text, role); err != nil {
		p.sendError(msg.CallID, ErrSessionNotFound, err.Error())
		return
	}
	p.sendMsg(outboundMessage{Type: cmdCallSendText, CallID: msg.CallID, Success: true})
}

func (p *peerConn) handleCallEnd(msg inboundMessage) {
	if msg.CallID == "" {
		p.sendError("", ErrInvalidPayload, "callId required")
		return
	}
	if p.server.registry.Lookup(msg.CallID) == nil {
		p.sendError(msg.CallID, ErrSessionNotFound, "no such call")
		return
	}
	if err := p.server.dispatcher.EndCall(msg.CallID, msg.Reason); err != nil {
		p.sendError(msg.CallID, ErrSessionNotFound, err.Error())
		return
	}
	p.sendMsg(outboundMessage{Type: cmdCallEnd, CallID: msg.CallID, Success: true})
}

func (p *peerConn) handleGetSessions(msg inboundMessage) {
	p.sendMsg(outboundMessage{
		Type:    cmdGetSessions,
		Success: true,
		Payload: p.server.dispatcher.ListSessions(),
	})
}

func (p *peerConn) handleGetSession(msg inboundMessage) {
	if msg.CallID == "" {
		p.sendError("", ErrInvalidPayload, "callId required")
		return
	}
	summary, ok := p.server.dispatcher.GetSession(msg.CallID)
	if !ok {
		p.sendError(msg.CallID, ErrSessionNotFound, "no such call")
		return
	}
	p.sendMsg(outboundMessage{Type: cmdGetSession, CallID: msg.CallID, Success: true, Payload: summary})
}

func (p *peerConn) handleGetEvents(msg inboundMessage) {
	if msg.CallID == "" {
		p.sendError("", ErrInvalidPayload, "callId required")
		return
	}
	sess := p.server.registry.Lookup(msg.CallID)
	if sess == nil {
		p.sendError(msg.CallID, ErrSessionNotFound, "no such call")
		return
	}
	p.sendMsg(outboundMessage{
		Type:    cmdGetEvents,
		CallID:  msg.CallID,
		Success: true,
		Payload: sess.Events.Recent(),
	})
}

func (p *peerConn) sendError(callID, code, message string) {
	p.sendMsg(outboundMessage{
		Type:    "error",
		CallID:  callID,
		Code:    code,
		Message: message,
	})
}

func (p *peerConn) sendMsg(v outboundMessage) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[observer] marshal error: %v", err)
		return
	}
	if err := p.writeRaw(websocket.TextMessage, data); err != nil {
		log.Printf("[observer] write error: %v", err)
	}
}

func (p *peerConn) writeRaw(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return p.conn.WriteMessage(messageType, data)
}

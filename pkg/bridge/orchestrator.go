package bridge

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/jwillz7667/voiceaipro-sub000/pkg/observer"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/session"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/store"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/telephony"
)

// Orchestrator is the process-wide bridge: it accepts telephony
// connections, creates and tears down call sessions, and answers the
// observer channel's mutation and query commands. It implements
// telephony.ConnectionAcceptor and observer.Dispatcher so neither of those
// packages needs a direct reference to it (spec.md §9).
type Orchestrator struct {
	cfg      Config
	registry *session.Registry
	store    store.Store

	mu    sync.RWMutex
	calls map[string]*activeCall
}

// New creates an Orchestrator. st may be nil, in which case persistence
// calls are skipped (useful for tests and for a store-less deployment).
func New(cfg Config, registry *session.Registry, st store.Store) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		registry: registry,
		store:    st,
		calls:    make(map[string]*activeCall),
	}
}

// HandleTelephonyConnection implements telephony.ConnectionAcceptor. One
// call to this method owns one telephony WebSocket connection for its
// entire lifetime.
func (o *Orchestrator) HandleTelephonyConnection(w http.ResponseWriter, r *http.Request) {
	call := &activeCall{orch: o}

	peer, err := telephony.Accept(w, r, telephony.Hooks{
		OnStart: call.onTelephonyStart,
		OnMedia: call.onTelephonyMedia,
		OnMark:  call.onTelephonyMark,
		OnStop:  call.onTelephonyStop,
	}, call.onTelephonyBackpressure)
	if err != nil {
		log.Printf("[bridge] telephony upgrade failed: %v", err)
		return
	}
	call.peer = peer
	call.ctx, call.cancel = context.WithCancel(context.Background())

	if err := peer.Run(call.ctx); err != nil {
		log.Printf("[bridge] telephony connection ended: %v", err)
	}
	call.teardown("telephony connection closed")
}

func (o *Orchestrator) register(callID string, call *activeCall) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[callID] = call
}

func (o *Orchestrator) unregister(callID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.calls, callID)
}

func (o *Orchestrator) lookupCall(callID string) (*activeCall, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	call, ok := o.calls[callID]
	if !ok {
		return nil, fmt.Errorf("bridge: call %s has no active orchestrator handle", callID)
	}
	return call, nil
}

// ============================================
// observer.Dispatcher
// ============================================

// UpdateConfig implements observer.Dispatcher.
func (o *Orchestrator) UpdateConfig(callID string, cfg session.Config) error {
	sess := o.registry.Lookup(callID)
	if sess == nil {
		return fmt.Errorf("bridge: call %s not found", callID)
	}
	merged := sess.SetConfig(cfg)
	call, err := o.lookupCall(callID)
	if err != nil {
		return err
	}
	return call.ai.UpdateConfig(merged)
}

// Interrupt implements observer.Dispatcher: response.cancel to the AI peer,
// clear to the telephony peer (spec.md §4.7 call.interrupt).
func (o *Orchestrator) Interrupt(callID string) error {
	call, err := o.lookupCall(callID)
	if err != nil {
		return err
	}
	if cancelErr := call.ai.Cancel(); cancelErr != nil {
		return cancelErr
	}
	if sess := o.registry.Lookup(callID); sess != nil {
		sess.SetAssistantSpeaking(false)
	}
	return call.peer.SendClear()
}

// TriggerResponse implements observer.Dispatcher.
func (o *Orchestrator) TriggerResponse(callID string) error {
	call, err := o.lookupCall(callID)
	if err != nil {
		return err
	}
	return call.ai.TriggerResponse()
}

// SendText implements observer.Dispatcher.
func (o *Orchestrator) SendText(callID, text, role string) error {
	call, err := o.lookupCall(callID)
	if err != nil {
		return err
	}
	return call.ai.SendText(role, text)
}

// EndCall implements observer.Dispatcher: explicit call.end tears the
// session down the same way telephony `stop` does (spec.md §4.9).
func (o *Orchestrator) EndCall(callID, reason string) error {
	call, err := o.lookupCall(callID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "call.end"
	}
	call.teardown(reason)
	return nil
}

// ListSessions implements observer.Dispatcher.
func (o *Orchestrator) ListSessions() []observer.SessionSummary {
	sessions := o.registry.List()
	out := make([]observer.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, summarize(s))
	}
	return out
}

// GetSession implements observer.Dispatcher.
func (o *Orchestrator) GetSession(callID string) (observer.SessionSummary, bool) {
	sess := o.registry.Lookup(callID)
	if sess == nil {
		return observer.SessionSummary{}, false
	}
	return summarize(sess), true
}

func summarize(s *session.CallSession) observer.SessionSummary {
	return observer.SessionSummary{
		CallID:    s.CallID,
		State:     s.GetState(),
		Direction: s.Direction,
		CreatedAt: s.CreatedAt,
	}
}

// recordingPath builds the per-call WAV path under the configured root.
func (o *Orchestrator) recordingPath(callID string) string {
	return filepath.Join(o.cfg.RecordingDir, callID+".wav")
}

func newEventID() string { return uuid.New().String() }

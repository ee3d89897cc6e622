package session

import (
	"sync"

	"github.com/google/uuid"
)

// ============================================
// SESSION REGISTRY
// Process-wide callId → CallSession index, secondary sessionId index, and
// per-call subscriber sets.
// ============================================

// Subscriber is anything the registry can broadcast a terminal event to
// when a session is destroyed; pkg/observer implements it.
type Subscriber interface {
	Notify(callID string, kind string, payload any)
}

// Registry is the single process-wide session store (spec.md §4.8). All
// operations are safe under concurrent use.
type Registry struct {
	mu           sync.RWMutex
	byCallID     map[string]*CallSession
	bySessionID  map[string]*CallSession
	subscribers  map[string]map[Subscriber]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byCallID:    make(map[string]*CallSession),
		bySessionID: make(map[string]*CallSession),
		subscribers: make(map[string]map[Subscriber]struct{}),
	}
}

// CreateOrGet returns the existing session for callID if one exists
// (idempotent create, spec.md §4.8), otherwise creates and registers a new
// one with the given direction.
func (r *Registry) CreateOrGet(callID string, direction Direction, idGen func() string) (sess *CallSession, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byCallID[callID]; ok {
		return existing, false
	}

	id := uuid.New().String()
	sess = NewCallSession(id, callID, direction, idGen)
	r.byCallID[callID] = sess
	r.bySessionID[id] = sess

	go r.forwardEvents(callID, sess)

	return sess, true
}

// forwardEvents relays every record appended to sess's event log to
// whichever observers are currently subscribed to callID (spec.md §4.7
// "every subsequent event in order"). It exits once the log is closed on
// session destroy.
func (r *Registry) forwardEvents(callID string, sess *CallSession) {
	subID, ch := sess.Events.Subscribe()
	defer sess.Events.Unsubscribe(subID)

	for rec := range ch {
		r.Broadcast(callID, string(rec.Kind), rec)
	}
}

// Lookup returns the session for callID, or nil if none exists.
func (r *Registry) Lookup(callID string) *CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byCallID[callID]
}

// LookupBySessionID returns the session for the internal session id, or nil.
func (r *Registry) LookupBySessionID(id string) *CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySessionID[id]
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []*CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*CallSession, 0, len(r.byCallID))
	for _, s := range r.byCallID {
		out = append(out, s)
	}
	return out
}

// Destroy removes callID's session, broadcasting a terminal event to its
// subscribers first. Removal is immediate: a Lookup immediately after
// returns nil (spec.md §4.8 destroy semantics).
func (r *Registry) Destroy(callID string, kind string, payload any) {
	r.mu.Lock()
	sess, ok := r.byCallID[callID]
	if !ok {
		r.mu.Unlock()
		return
	}
	subs := make([]Subscriber, 0, len(r.subscribers[callID]))
	for sub := range r.subscribers[callID] {
		subs = append(subs, sub)
	}
	delete(r.byCallID, callID)
	delete(r.bySessionID, sess.ID)
	delete(r.subscribers, callID)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Notify(callID, kind, payload)
	}
	sess.Events.Close()
}

// Subscribe attaches sub to callID's subscriber set. It is valid to
// subscribe before the session exists — spec.md §4.7 requires a subscriber
// to remain attached for a call that hasn't started yet.
func (r *Registry) Subscribe(callID string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subscribers[callID]
	if !ok {
		set = make(map[Subscriber]struct{})
		r.subscribers[callID] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe detaches sub from callID's subscriber set.
func (r *Registry) Unsubscribe(callID string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.subscribers[callID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.subscribers, callID)
		}
	}
}

// Broadcast fans kind/payload out to every subscriber currently attached
// to callID, without destroying the session.
func (r *Registry) Broadcast(callID string, kind string, payload any) {
	r.mu.RLock()
	subs := make([]Subscriber, 0, len(r.subscribers[callID]))
	for sub := range r.subscribers[callID] {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		sub.Notify(callID, kind, payload)
	}
}

package telephony

import (
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
)

// ============================================
// SIGNALWIRE CALL HANDLERS
// HTTP endpoints for call control and WebSocket streaming
// ============================================

// ConnectionAcceptor is implemented by the bridge orchestrator. CallHandlers
// delegates the WebSocket upgrade to it instead of holding a peer registry
// itself, keeping pkg/telephony free of any reference back to pkg/bridge.
type ConnectionAcceptor interface {
	HandleTelephonyConnection(w http.ResponseWriter, r *http.Request)
}

// CallHandlers wires the telephony provider's HTTP webhooks to the
// orchestrator's WebSocket endpoint.
type CallHandlers struct {
	acceptor   ConnectionAcceptor
	streamPath string // e.g. "/media-stream"
}

// NewCallHandlers creates a new call handlers instance.
func NewCallHandlers(acceptor ConnectionAcceptor, streamPath string) *CallHandlers {
	if streamPath == "" {
		streamPath = "/media-stream"
	}
	return &CallHandlers{acceptor: acceptor, streamPath: streamPath}
}

// ============================================
// TWIML GENERATION
// ============================================

// TwiMLResponse represents TwiML verb structure
type TwiMLResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect Connect  `xml:"Connect"`
}

// Connect represents the <Connect> verb for WebSocket streaming
type Connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  Stream   `xml:"Stream"`
}

// Stream represents a <Stream> element
type Stream struct {
	XMLName xml.Name `xml:"Stream"`
	URL     string   `xml:"url,attr"`
}

// ============================================
// HTTP HANDLERS
// ============================================

// HandleIncomingCall handles incoming call from the telephony provider.
// Returns TwiML with WebSocket streaming instructions (spec.md §6.1).
func (h *CallHandlers) HandleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	callSID := r.FormValue("CallSid")
	from := r.FormValue("From")
	to := r.FormValue("To")

	if callSID == "" {
		log.Printf("[CallHandlers] Missing CallSid in request")
		http.Error(w, "Missing CallSid", http.StatusBadRequest)
		return
	}

	log.Printf("[CallHandlers] Incoming call: %s (from: %s, to: %s)", callSID, from, to)

	wsURL := fmt.Sprintf("wss://%s%s?call_sid=%s", r.Host, h.streamPath, callSID)

	twiml := TwiMLResponse{Connect: Connect{Stream: Stream{URL: wsURL}}}

	output, err := xml.Marshal(twiml)
	if err != nil {
		log.Printf("[CallHandlers] Failed to marshal TwiML: %v", err)
		http.Error(w, "Failed to generate TwiML", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	w.Write(output)
}

// HandleCallStream handles WebSocket upgrade requests from the provider,
// delegating session creation and peer wiring to the orchestrator.
func (h *CallHandlers) HandleCallStream(w http.ResponseWriter, r *http.Request) {
	h.acceptor.HandleTelephonyConnection(w, r)
}

// ============================================
// ROUTE REGISTRATION
// ============================================

// RegisterRoutes registers all call handler routes.
func (h *CallHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/telephony/calls/incoming", h.HandleIncomingCall)
	mux.HandleFunc(h.streamPath, h.HandleCallStream)

	log.Printf("[CallHandlers] Registered call handler routes")
}

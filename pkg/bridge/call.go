package bridge

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jwillz7667/voiceaipro-sub000/pkg/codec"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/eventlog"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/framebuffer"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/realtime"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/recorder"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/session"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/store"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/telephony"
)

const tickerInterval = 50 * time.Millisecond

// activeCall is the per-call task cluster: the telephony and AI peers, the
// frame buffer and recorder they feed, and the errgroup managing their
// background tasks (spec.md §5). One activeCall exists per live telephony
// WebSocket; it is the only thing in this package that holds direct
// references to both peer adapters — neither adapter holds the other.
type activeCall struct {
	orch   *Orchestrator
	callID string

	peer *telephony.Peer
	ai   *realtime.Client

	buf      *framebuffer.Buffer
	rec      *recorder.Recorder
	outQueue *sendQueue

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	teardownOnce sync.Once
}

// onTelephonyStart implements telephony.Hooks.OnStart: binds or creates the
// CallSession, wires up the frame buffer, recorder, send mailbox and AI
// peer, and starts the background task cluster (spec.md §4.6, §4.9).
func (c *activeCall) onTelephonyStart(callID, streamID string, mediaFormat json.RawMessage) {
	c.callID = callID

	sess, _ := c.orch.registry.CreateOrGet(callID, session.DirectionInbound, newEventID)
	sess.BindTelephonyStream(streamID)
	sess.SetState(session.StateTelephonyLinked)
	sess.Events.Record(callID, eventlog.KindCallStarted, eventlog.DirectionIncoming, mediaFormat)

	cfg := c.orch.cfg

	c.buf = framebuffer.New(cfg.FrameBufferTargetSamples, cfg.FrameBufferFlushIntervalMs, nowMs)

	if rec, err := recorder.New(c.orch.recordingPath(callID)); err != nil {
		log.Printf("[bridge] call %s: recorder open failed: %v", callID, err)
	} else {
		c.rec = rec
	}

	highWaterMark := cfg.TelephonyHighWaterMarkBytes
	if highWaterMark <= 0 {
		highWaterMark = telephony.DefaultHighWaterMarkBytes
	}
	c.outQueue = newSendQueue(highWaterMark, func() {
		sess.Events.Record(callID, eventlog.KindTelephonyBackpressure, eventlog.DirectionOutgoing, nil)
	})

	c.ai = realtime.New(callID, c.orch.registry, cfg.RealtimeURL, cfg.RealtimeToken, cfg.AIConnectTimeout, realtime.Hooks{
		OnAssistantAudio: c.onAssistantAudio,
		OnBargeIn:        c.onBargeIn,
		OnSessionCreated: c.onAISessionCreated,
		OnDisconnected:   c.onAIDisconnected,
		OnFatalError:     c.onAIFatalError,
	})

	c.orch.register(callID, c)

	if c.orch.store != nil {
		go func() {
			_ = c.orch.store.UpsertCallSession(context.Background(), store.CallSessionRow{
				SessionID: sess.ID,
				CallID:    callID,
				Direction: string(sess.Direction),
				CreatedAt: sess.CreatedAt,
			})
		}()
		if cfg.PersistEvents {
			go c.persistEvents(sess)
		}
	}

	eg, ctx := errgroup.WithContext(c.ctx)
	c.eg = eg

	sess.SetState(session.StateConnectingAI)
	eg.Go(func() error {
		if err := c.ai.Connect(ctx); err != nil {
			log.Printf("[bridge] call %s: AI connect failed: %v", callID, err)
			sess.SetState(session.StateError)
			sess.Events.Record(callID, eventlog.KindError, eventlog.DirectionIncoming, err.Error())
		}
		return nil
	})

	eg.Go(func() error {
		c.outQueue.run(ctx, c.peer.SendMedia)
		return nil
	})

	eg.Go(func() error {
		c.tickerLoop(ctx, sess)
		return nil
	})
}

// persistEvents mirrors every recorded event to the store for the lifetime
// of the session (spec.md §4.4 "a configurable subset, to a durable
// persistence sink"; PersistEvents opts into the full stream). It exits
// once the session's event log is closed on teardown.
func (c *activeCall) persistEvents(sess *session.CallSession) {
	subID, ch := sess.Events.Subscribe()
	defer sess.Events.Unsubscribe(subID)

	for rec := range ch {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			payload = nil
		}
		if err := c.orch.store.AppendEvent(context.Background(), sess.ID, string(rec.Kind), string(rec.Direction), payload); err != nil {
			log.Printf("[bridge] call %s: persist event failed: %v", c.callID, err)
		}
	}
}

func (c *activeCall) tickerLoop(ctx context.Context, sess *session.CallSession) {
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if flushed := c.buf.Tick(); flushed != nil && c.forwardingActive(sess) {
				_ = c.ai.AppendAudio(flushed)
			}
			if c.rec != nil {
				c.rec.Tick()
			}
		}
	}
}

// forwardingActive reports whether phone audio should currently be
// forwarded to the AI peer: only while the session is connecting or active
// (spec.md §4.9 ai-disconnected: "audio flows continue to be decoded and
// recorded but are no longer forwarded").
func (c *activeCall) forwardingActive(sess *session.CallSession) bool {
	switch sess.GetState() {
	case session.StateConnectingAI, session.StateActive:
		return true
	default:
		return false
	}
}

// onTelephonyMedia implements telephony.Hooks.OnMedia: decode, buffer,
// record (spec.md §4.1, §4.2, §4.6).
func (c *activeCall) onTelephonyMedia(mulaw []byte, track string, timestampMs int64) {
	sess := c.orch.registry.Lookup(c.callID)
	if sess == nil {
		return
	}

	pcm := codec.MulawToPCM24k(mulaw)
	if c.rec != nil {
		c.rec.IngestUser(pcm, timestampMs)
	}

	if flushed := c.buf.Append(pcm); flushed != nil && c.forwardingActive(sess) {
		_ = c.ai.AppendAudio(flushed)
	}
}

// onTelephonyMark implements telephony.Hooks.OnMark.
func (c *activeCall) onTelephonyMark(name string) {
	if sess := c.orch.registry.Lookup(c.callID); sess != nil {
		sess.Events.Record(c.callID, eventlog.KindMark, eventlog.DirectionIncoming, name)
	}
}

// onTelephonyStop implements telephony.Hooks.OnStop: graceful tear-down
// (spec.md §4.9 "any -> ended: on telephony stop").
func (c *activeCall) onTelephonyStop() {
	c.teardown("telephony stop")
}

// onTelephonyBackpressure is passed to telephony.Accept as onBackpressure.
// The telephony peer stores it but never invokes it; the send mailbox is
// pkg/bridge's sendQueue, whose own drop callback records backpressure
// events.
func (c *activeCall) onTelephonyBackpressure() {
	if sess := c.orch.registry.Lookup(c.callID); sess != nil {
		sess.Events.Record(c.callID, eventlog.KindTelephonyBackpressure, eventlog.DirectionOutgoing, nil)
	}
}

// onAssistantAudio implements realtime.Hooks.OnAssistantAudio: mix into the
// recording and enqueue the telephony-bound µ-law chunk. While a barge-in
// cancel is in flight (session.ForwardSuppressed), the audio is still mixed
// into the recording but withheld from telephony (spec.md §5 ordering
// guarantee 4, §8 scenario 2).
func (c *activeCall) onAssistantAudio(pcm []int16) {
	if c.rec != nil {
		c.rec.IngestAssistant(pcm, 0)
	}
	if sess := c.orch.registry.Lookup(c.callID); sess != nil && sess.ForwardSuppressed() {
		return
	}
	c.outQueue.push(codec.PCM24kToMulaw(pcm))
}

// onBargeIn implements realtime.Hooks.OnBargeIn: clear the telephony
// playback buffer after the AI peer's response.cancel has already been
// sent (spec.md §5 ordering guarantee 4).
func (c *activeCall) onBargeIn() {
	if err := c.peer.SendClear(); err != nil {
		log.Printf("[bridge] call %s: clear on barge-in failed: %v", c.callID, err)
	}
}

// onAISessionCreated implements realtime.Hooks.OnSessionCreated: the first
// session.created moves the call to active (spec.md §4.9).
func (c *activeCall) onAISessionCreated() {
	if sess := c.orch.registry.Lookup(c.callID); sess != nil {
		sess.SetState(session.StateActive)
	}
}

// onAIDisconnected implements realtime.Hooks.OnDisconnected: the AI peer
// closed without a fatal protocol error. Telephony audio keeps flowing and
// recording but stops being forwarded (spec.md §4.9 ai-disconnected).
func (c *activeCall) onAIDisconnected() {
	if sess := c.orch.registry.Lookup(c.callID); sess != nil {
		if sess.GetState() != session.StateEnded {
			sess.SetState(session.StateAIDisconnected)
		}
	}
}

// onAIFatalError implements realtime.Hooks.OnFatalError.
func (c *activeCall) onAIFatalError(err error) {
	if sess := c.orch.registry.Lookup(c.callID); sess != nil {
		sess.SetState(session.StateError)
		sess.Events.Record(c.callID, eventlog.KindError, eventlog.DirectionIncoming, err.Error())
	}
}

// teardown tears the session down at most once: cancels the task cluster's
// context, waits up to the configured grace period, force-closes both
// peers, persists the recording and final state, and destroys the
// registry entry (spec.md §4.9, §5 2s destroy grace).
func (c *activeCall) teardown(reason string) {
	c.teardownOnce.Do(func() {
		if c.callID == "" {
			if c.peer != nil {
				c.peer.Close(1000)
			}
			return
		}

		sess := c.orch.registry.Lookup(c.callID)
		status := "completed"
		if sess != nil {
			if sess.GetState() == session.StateError {
				status = "error"
			}
			sess.SetState(session.StateEnded)
		}

		if c.cancel != nil {
			c.cancel()
		}
		if c.eg != nil {
			done := make(chan struct{})
			go func() { c.eg.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(c.orch.cfg.DestroyGrace):
			}
		}

		if c.ai != nil {
			c.ai.Close()
		}
		if c.peer != nil {
			c.peer.Close(1000)
		}

		var result recorder.Result
		if c.rec != nil {
			result = c.rec.Stop()
		}

		if c.orch.store != nil && sess != nil {
			ctx := context.Background()
			_ = c.orch.store.UpdateCallSessionEnd(ctx, c.callID, result.DurationSeconds, status)
			for _, t := range sess.Transcripts {
				_ = c.orch.store.AppendTranscript(ctx, sess.ID, string(t.Speaker), t.Text, t.RelativeTimestampMs)
			}
			if !result.Discarded && result.Path != "" {
				_ = c.orch.store.InsertRecording(ctx, store.RecordingRow{
					RecordingID:     newEventID(),
					CallID:          c.callID,
					Path:            result.Path,
					DurationSeconds: result.DurationSeconds,
					Bytes:           result.Bytes,
				})
			}
		}

		c.orch.unregister(c.callID)
		c.orch.registry.Destroy(c.callID, string(eventlog.KindCallDisconnected), reason)
	})
}

func nowMs() int64 { return time.Now().UnixMilli() }

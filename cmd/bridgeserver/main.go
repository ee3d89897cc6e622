// Command bridgeserver wires the telephony webhook, the AI realtime peer
// adapter, the observer channel, and the persistence layer into one
// running process (spec.md §6.6 configuration surface).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jwillz7667/voiceaipro-sub000/pkg/bridge"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/observer"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/session"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/signalwire"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/store"
	"github.com/jwillz7667/voiceaipro-sub000/pkg/telephony"
)

func main() {
	addr := envOr("BRIDGE_LISTEN_ADDR", ":8080")
	streamPath := envOr("BRIDGE_STREAM_PATH", "/media-stream")

	cfg := bridge.Config{
		RealtimeURL:                 os.Getenv("AI_REALTIME_URL"),
		RealtimeToken:               os.Getenv("AI_REALTIME_TOKEN"),
		RecordingDir:                envOr("RECORDING_DIR", "./recordings"),
		FrameBufferTargetSamples:    envInt("FRAME_BUFFER_TARGET_SAMPLES", 0),
		FrameBufferFlushIntervalMs:  envInt("FRAME_BUFFER_FLUSH_INTERVAL_MS", 0),
		TelephonyHighWaterMarkBytes: envInt("TELEPHONY_HIGH_WATER_MARK_BYTES", telephony.DefaultHighWaterMarkBytes),
		ObserverJWTKey:              []byte(os.Getenv("OBSERVER_JWT_KEY")),
		PersistEvents:               envBool("PERSIST_EVENTS", true),
	}

	if err := os.MkdirAll(cfg.RecordingDir, 0o755); err != nil {
		log.Fatalf("bridgeserver: create recording dir: %v", err)
	}

	st := maybeConnectStore()
	if st == nil {
		log.Printf("bridgeserver: DATABASE_URL not set, running without persistence")
	}

	registry := session.NewRegistry()
	orch := bridge.New(cfg, registry, st)
	observerSrv := observer.New(registry, orch, cfg.ObserverJWTKey)

	handlers := telephony.NewCallHandlers(orch, streamPath)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)
	mux.HandleFunc("/ios-client", observerSrv.ServeHTTP)
	mux.HandleFunc("/events/", observerSrv.ServeEvents)

	swClient := signalwire.NewClient(
		os.Getenv("SIGNALWIRE_PROJECT_ID"),
		os.Getenv("SIGNALWIRE_TOKEN"),
		os.Getenv("SIGNALWIRE_SPACE"),
	)
	if err := swClient.ValidateConfiguration(); err != nil {
		log.Printf("bridgeserver: signalwire REST client not fully configured: %v", err)
	}

	log.Printf("bridgeserver: listening on %s (stream path %s)", addr, streamPath)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Fatal(srv.ListenAndServe())
}

func maybeConnectStore() store.Store {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Printf("bridgeserver: connect postgres: %v", err)
		return nil
	}
	return store.NewPostgresStore(pool)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

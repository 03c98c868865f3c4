// Package httpapi wires the realtime middle tier's websocket upgrade
// handlers and operational endpoints into an http.Server, mirroring the
// teacher's gateway.startHTTPServer shape.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atem-voice/rtmt/internal/middletier"
)

// Config configures the HTTP surface.
type Config struct {
	Host string
	Port int

	Server *middletier.Server
	Log    *slog.Logger
}

// Handler is the realtime middle tier's mux, exposing the websocket relay
// endpoints plus the ambient healthz/metrics endpoints.
type Handler struct {
	cfg      Config
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler returns a Handler whose Mount method builds the http.Handler
// exposing /realtime, /realtime-acs, /update-voice, /healthz, and /metrics.
func NewHandler(cfg Config) *Handler {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Mount builds the full mux for this handler.
func (h *Handler) Mount() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/realtime", h.handleRealtime(false))
	mux.HandleFunc("/realtime-acs", h.handleRealtime(true))
	mux.HandleFunc("/update-voice", h.handleUpdateVoice)
	return mux
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleRealtime upgrades the incoming connection and hands it to the
// middle-tier Server for the duration of the call, matching the original
// /realtime and /realtime-acs aiohttp handlers.
func (h *Handler) handleRealtime(isTelephony bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientRequestID := r.Header.Get("x-ms-client-request-id")

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Error("websocket upgrade failed", "error", err)
			return
		}

		if err := h.cfg.Server.Run(r.Context(), conn, isTelephony, clientRequestID); err != nil {
			h.log.Warn("session ended with error", "error", err, "telephony", isTelephony)
		}
	}
}

// handleUpdateVoice implements the /update-voice control endpoint: POST a
// JSON body {"voice": "..."} to change the voice used by subsequently
// established sessions.
func (h *Handler) handleUpdateVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Voice string `json:"voice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	h.cfg.Server.Config.SetVoice(body.Voice)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Voice selected successfully"))
}

// ListenAndServe starts the HTTP server and blocks until ctx is canceled or
// a fatal error occurs, matching the teacher's listen/serve/graceful-stop
// shape in startHTTPServer/stopHTTPServer.
func ListenAndServe(ctx context.Context, cfg Config) error {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	handler := NewHandler(cfg)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.Mount(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	log.Info("starting http server", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

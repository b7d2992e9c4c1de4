// Package httpapi exposes the client API over HTTP, with tag events as
// server-sent events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"h906bridge/internal/events"
	"h906bridge/sdk"
)

const (
	maxBody           = 1 << 20
	eventBuffer       = 256
	shutdownTimeout   = 5 * time.Second
	sseKeepAlive      = 15 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Backend is the part of sdk.Client the server exposes.
type Backend interface {
	Invoke(ctx context.Context, method string, args json.RawMessage) sdk.Result
	Subscribe(fn events.Handler) string
	Unsubscribe(id string) bool
}

type Server struct {
	addr    string
	backend Backend
	log     zerolog.Logger
	mux     *http.ServeMux
}

func New(addr string, backend Backend, logger zerolog.Logger) *Server {
	s := &Server{
		addr:    addr,
		backend: backend,
		log:     logger.With().Str("component", "http").Logger(),
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.invoke(sdk.MethodStats))
	s.mux.HandleFunc("GET /connected", s.invoke(sdk.MethodIsConnected))
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("POST /connect", s.invoke(sdk.MethodConnect))
	s.mux.HandleFunc("POST /disconnect", s.invoke(sdk.MethodDisconnect))
	s.mux.HandleFunc("POST /power", s.invoke(sdk.MethodSetPower))
	s.mux.HandleFunc("POST /read", s.invoke(sdk.MethodReadSingleTag))
	s.mux.HandleFunc("POST /inventory/start", s.invoke(sdk.MethodStartInventory))
	s.mux.HandleFunc("POST /inventory/stop", s.invoke(sdk.MethodStopInventory))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is done. An empty address disables the server.
func (s *Server) Run(ctx context.Context) error {
	if s.addr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		// Request contexts end with ctx so event streams let Shutdown finish.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "h906-bridge",
	})
}

func (s *Server) invoke(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, sdk.Result{Code: sdk.CodeUnknownError, Message: "body too large"})
			return
		}
		if len(body) > 0 && !json.Valid(body) {
			writeJSON(w, http.StatusBadRequest, sdk.Result{Code: sdk.CodeUnknownError, Message: "invalid json"})
			return
		}

		res := s.backend.Invoke(r.Context(), method, body)
		writeJSON(w, statusFor(res), res)
	}
}

// statusFor maps a Result onto an HTTP status: caller mistakes are 400, a
// state conflict (code 0 without success) is 409, reader trouble is 502.
func statusFor(res sdk.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Code == 0:
		return http.StatusConflict
	case res.Code == sdk.CodeUnknownError:
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, sdk.Result{Code: sdk.CodeUnknownError, Message: "streaming unsupported"})
		return
	}

	ch := make(chan events.Event, eventBuffer)
	id := s.backend.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer s.backend.Unsubscribe(id)
	s.log.Info().Str("subscriber", id).Str("remote", r.RemoteAddr).Msg("event stream attached")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", id)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				s.log.Warn().Err(err).Msg("encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

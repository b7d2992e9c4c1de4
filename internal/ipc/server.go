// Package ipc serves the client API as newline-delimited JSON over a unix socket.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"h906bridge/internal/events"
	"h906bridge/sdk"
)

const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	writeTimeout = 2 * time.Second
)

// Backend is the part of sdk.Client the server exposes.
type Backend interface {
	Invoke(ctx context.Context, method string, args json.RawMessage) sdk.Result
	Subscribe(fn events.Handler) string
	Unsubscribe(id string) bool
}

type Server struct {
	socketPath string
	backend    Backend
	log        zerolog.Logger

	wg sync.WaitGroup
}

func New(socketPath string, backend Backend, logger zerolog.Logger) *Server {
	return &Server{
		socketPath: strings.TrimSpace(socketPath),
		backend:    backend,
		log:        logger.With().Str("component", "ipc").Logger(),
	}
}

// Run listens until ctx is done. An empty socket path disables the server.
func (s *Server) Run(ctx context.Context) error {
	if s.socketPath == "" || s.backend == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return err
	}
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = ln.Close()
		_ = os.Remove(s.socketPath)
	}()
	_ = os.Chmod(s.socketPath, 0o666)
	s.log.Info().Str("socket", s.socketPath).Msg("ipc listening")

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until it is closed, then waits for every
// connection handler to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("accept failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

type request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

type response struct {
	ID json.RawMessage `json:"id,omitempty"`
	sdk.Result
}

// connWriter serialises replies and pushed events on one connection.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
}

func (w *connWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(v)
}

func (w *connWriter) writeLocked(v any) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.enc.Encode(v)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	w := &connWriter{conn: conn, enc: json.NewEncoder(conn)}
	var subID string
	defer func() {
		if subID != "" {
			s.backend.Unsubscribe(subID)
		}
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			_ = w.write(response{Result: sdk.Result{Code: sdk.CodeUnknownError, Message: "invalid json"}})
			continue
		}

		switch strings.TrimSpace(req.Method) {
		case MethodSubscribe:
			subID = s.subscribe(w, req.ID)
		case MethodUnsubscribe:
			removed := subID != "" && s.backend.Unsubscribe(subID)
			subID = ""
			_ = w.write(response{ID: req.ID, Result: sdk.Result{Success: removed, Message: "unsubscribed"}})
		default:
			res := s.backend.Invoke(ctx, req.Method, req.Args)
			if err := w.write(response{ID: req.ID, Result: res}); err != nil {
				s.log.Debug().Err(err).Msg("write reply")
				return
			}
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		s.log.Debug().Err(err).Msg("connection read")
	}
}

// subscribe installs a handler that streams events to the connection. The
// acknowledgement is written before the first event can be.
func (s *Server) subscribe(w *connWriter, id json.RawMessage) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	subID := s.backend.Subscribe(func(e events.Event) {
		if err := w.write(e); err != nil {
			s.log.Debug().Err(err).Msg("event write failed, closing subscriber")
			_ = w.conn.Close()
		}
	})
	_ = w.writeLocked(response{ID: id, Result: sdk.Result{Success: true, Message: "subscribed", Data: subID}})
	s.log.Info().Str("subscriber", subID).Msg("event stream attached")
	return subID
}

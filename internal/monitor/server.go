// Package monitor serves the agent's local monitoring endpoint: health,
// prometheus metrics, a websocket stream of recent log lines and the coarse
// pause and resume controls used by a UI shell.
package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pdvdash/storesync/internal/control"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

type Server struct {
	signals  *control.Signals
	ring     *Ring
	gatherer prometheus.Gatherer
	mux      *http.ServeMux
}

// NewServer builds the monitor handler. A nil gatherer serves the default
// prometheus registry.
func NewServer(signals *control.Signals, ring *Ring, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{signals: signals, ring: ring, gatherer: gatherer, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /logs", s.handleLogs)
	s.mux.HandleFunc("POST /pause", s.handlePause)
	s.mux.HandleFunc("POST /resume", s.handleResume)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "monitor listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		// Log streams outlive Shutdown unless their context ends with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	log.WithField("addr", ln.Addr().String()).Info("monitor listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "monitor server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.signals.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.signals.Pause()
	log.Info("sync paused by monitor request")
	writeJSON(w, http.StatusOK, s.signals.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.signals.Resume()
	log.Info("sync resumed by monitor request")
	writeJSON(w, http.StatusOK, s.signals.Status())
}

// handleLogs replays retained lines and then streams new ones. The channel
// is one-way: anything the client sends is discarded.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake so no line fired after the client
	// connects is missed.
	lines, cancel := s.ring.Subscribe(256)
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	var last uint64
	for _, line := range s.ring.Snapshot() {
		if err := writeLine(ctx, conn, line); err != nil {
			return
		}
		last = line.Seq
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "monitor stopping")
			return
		case line := <-lines:
			if line.Seq <= last {
				continue
			}
			if err := writeLine(ctx, conn, line); err != nil {
				return
			}
			last = line.Seq
		}
	}
}

func writeLine(ctx context.Context, conn *websocket.Conn, line Line) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, line)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

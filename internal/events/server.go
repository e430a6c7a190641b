// Package events streams export progress to local UI clients over a
// websocket, one JSON object per export.Event, and serves a JSON status
// snapshot.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ibrasoft/driveclonr/internal/export"
)

const (
	defaultBuffer   = 256
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Subscriber delivers events for one job. *export.Orchestrator satisfies it.
type Subscriber interface {
	Subscribe(jobID string, fn func(export.Event)) func()
}

// StatusFunc returns the current job report.
type StatusFunc func(ctx context.Context) (*export.Report, error)

// Server fans job events out to websocket clients. A client that cannot
// keep up loses events rather than stalling the workers that emit them.
type Server struct {
	jobID   string
	sub     Subscriber
	status  StatusFunc
	logger  *slog.Logger
	buffer  int
	dropped atomic.Int64
	clients atomic.Int64
}

// NewServer returns a server for jobID. status may be nil, which disables
// the /status endpoint.
func NewServer(jobID string, sub Subscriber, status StatusFunc, logger *slog.Logger) *Server {
	return &Server{
		jobID:  jobID,
		sub:    sub,
		status: status,
		logger: logger,
		buffer: defaultBuffer,
	}
}

// Handler returns the HTTP routes: /events (websocket) and /status.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.serveEvents)
	mux.HandleFunc("GET /status", s.serveStatus)

	return mux
}

// Dropped reports how many events were discarded for slow clients.
func (s *Server) Dropped() int64 {
	return s.dropped.Load()
}

// Clients reports the number of connected websocket clients.
func (s *Server) Clients() int64 {
	return s.clients.Load()
}

// ListenAndServe serves on addr until ctx is done. ready, if non-nil,
// receives the bound address once the listener is open.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("events: listening on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("event stream listening", slog.String("addr", ln.Addr().String()))

	if ready != nil {
		ready(ln.Addr())
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("events: serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("events: shutdown: %w", err)
	}

	return nil
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer c.CloseNow()

	s.clients.Add(1)
	defer s.clients.Add(-1)

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx when they disconnect.
	ctx := c.CloseRead(r.Context())

	ch := make(chan export.Event, s.buffer)

	unsubscribe := s.sub.Subscribe(s.jobID, func(ev export.Event) {
		select {
		case ch <- ev:
		default:
			s.dropped.Add(1)
		}
	})
	defer unsubscribe()

	s.logger.Debug("event client connected", slog.String("remote", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-ch:
			if err := s.write(ctx, c, ev); err != nil {
				s.logger.Debug("event client gone",
					slog.String("remote", r.RemoteAddr),
					slog.String("error", err.Error()),
				)

				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, c *websocket.Conn, ev export.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return wsjson.Write(ctx, c, ev)
}

// StatusView is the JSON form of an export.Report.
type StatusView struct {
	JobID      string           `json:"job_id"`
	Status     export.JobStatus `json:"status"`
	OutputRoot string           `json:"output_root"`
	LastError  string           `json:"last_error,omitempty"`
	Counts     map[string]int   `json:"counts"`
	Failures   []export.Failure `json:"failures"`
	InFlight   int              `json:"in_flight"`
	Running    bool             `json:"running"`
}

// NewStatusView flattens r for JSON output.
func NewStatusView(r *export.Report) StatusView {
	counts := make(map[string]int, len(r.Counts))
	for st, n := range r.Counts {
		counts[st.String()] = n
	}

	failures := r.Failures
	if failures == nil {
		failures = []export.Failure{}
	}

	return StatusView{
		JobID:      r.Job.ID,
		Status:     r.Job.Status,
		OutputRoot: r.Job.OutputRoot,
		LastError:  r.Job.LastError,
		Counts:     counts,
		Failures:   failures,
		InFlight:   r.InFlight,
		Running:    r.Running,
	}
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.NotFound(w, r)
		return
	}

	rep, err := s.status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(NewStatusView(rep)); err != nil {
		s.logger.Debug("writing status failed", slog.String("error", err.Error()))
	}
}

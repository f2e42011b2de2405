// Package statusserver exposes the progress of the current run over HTTP: a JSON snapshot and a
// websocket stream of progress events.
package statusserver

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/mycoool/sophonsync/internal/progress"
)

// PhaseState is the latest known state of one phase.
type PhaseState struct {
	Done     int       `json:"done"`
	Total    int       `json:"total"`
	Failed   int       `json:"failed"`
	Finished bool      `json:"finished"`
	Updated  time.Time `json:"updated"`
}

// Snapshot is the state served at /status.
type Snapshot struct {
	RunID   string                 `json:"run_id,omitempty"`
	Command string                 `json:"command,omitempty"`
	Root    string                 `json:"root,omitempty"`
	State   string                 `json:"state"`
	Error   string                 `json:"error,omitempty"`
	Phases  map[string]*PhaseState `json:"phases"`
	Started time.Time              `json:"started"`
}

// Server holds the run state and serves it. It implements progress.Reporter.
type Server struct {
	mu      sync.RWMutex
	snap    Snapshot
	streams *streamManager
	engine  *gin.Engine
}

func New() *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		snap:    Snapshot{State: "idle", Phases: map[string]*PhaseState{}},
		streams: newStreamManager(),
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/status", gzip.Gzip(gzip.DefaultCompression), s.handleStatus)
	r.GET("/ws", s.handleWebSocket)
	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// BeginRun resets the snapshot for a new run.
func (s *Server) BeginRun(runID, command, root string) {
	s.mu.Lock()
	s.snap = Snapshot{RunID: runID, Command: command, Root: root, State: "running", Phases: map[string]*PhaseState{}, Started: time.Now()}
	s.mu.Unlock()
	s.streams.broadcast(WsMessage{Type: "run", Timestamp: time.Now(), Data: s.Snapshot()})
}

// FinishRun records the run outcome.
func (s *Server) FinishRun(err error) {
	s.mu.Lock()
	s.snap.State = "succeeded"
	if err != nil {
		s.snap.State = "failed"
		s.snap.Error = err.Error()
	}
	s.mu.Unlock()
	s.streams.broadcast(WsMessage{Type: "run", Timestamp: time.Now(), Data: s.Snapshot()})
}

// Report updates the phase state and broadcasts the event.
func (s *Server) Report(e progress.Event) {
	s.mu.Lock()
	ps := s.snap.Phases[e.Phase]
	if ps == nil || e.Kind == progress.KindBegin {
		ps = &PhaseState{}
		s.snap.Phases[e.Phase] = ps
	}
	ps.Total = e.Total
	ps.Done = e.Done
	ps.Updated = e.Time
	if e.Kind == progress.KindStep && e.Err != "" {
		ps.Failed++
	}
	if e.Kind == progress.KindEnd {
		ps.Finished = true
	}
	s.mu.Unlock()
	s.streams.broadcast(WsMessage{Type: "progress", Timestamp: e.Time, Data: e})
}

// Snapshot returns a copy of the current state.
func (s *Server) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.Phases = make(map[string]*PhaseState, len(s.snap.Phases))
	for k, v := range s.snap.Phases {
		cp := *v
		out.Phases[k] = &cp
	}
	return out
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Snapshot())
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Printf("statusserver: listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.streams.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

var _ progress.Reporter = (*Server)(nil)

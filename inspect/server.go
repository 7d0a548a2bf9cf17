// Package inspect serves a read-only HTTP view of a running engine: health,
// statistics, objects of the live graph, the complete frames of the log and
// Prometheus metrics.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blockberries/graphberry/engine"
	"github.com/blockberries/graphberry/graph"
	"github.com/blockberries/graphberry/types"
	"github.com/blockberries/graphberry/wal"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
	defaultObjectLimit     = 1000
)

// Backend is the engine as seen by the server
type Backend interface {
	Stats() engine.Stats
	View(fn func(v *graph.View) error) error
	Get(id types.ObjectID) (*graph.Object, bool)
	Config() *engine.Config
}

// Server is the inspection HTTP server
type Server struct {
	backend  Backend
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	addr     string
	started  time.Time
}

// NewServer creates a server for backend listening on addr. A nil gatherer
// serves the default Prometheus registry.
func NewServer(backend Backend, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend:  backend,
		gatherer: gatherer,
		logger:   logger.With(slog.String("component", "inspect")),
		addr:     addr,
		started:  time.Now(),
	}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/frames", s.handleFrames)
	r.Get("/objects", s.handleObjects)
	r.Get("/objects/{id}", s.handleObject)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	s.logger.Info("inspection server started", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return fmt.Errorf("inspection server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown inspection server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("inspection server stopped")
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// FramesResponse is the body of GET /frames
type FramesResponse struct {
	Frames      []engine.FrameSummary `json:"frames"`
	Incomplete  int                   `json:"incomplete"`
	Orphans     int                   `json:"orphans"`
	Marks       int                   `json:"marks"`
	End         wal.Position          `json:"end"`
	TruncatedAt *wal.Position         `json:"truncated_at,omitempty"`
}

// ObjectsResponse is the body of GET /objects
type ObjectsResponse struct {
	Total   int                 `json:"total"`
	Objects []graph.ObjectState `json:"objects"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("error encoding response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status: "OK",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Stats())
}

// handleFrames lists complete frames from the oldest retained segment
func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	dir := s.backend.Config().WAL.Dir
	from, err := wal.FirstPosition(dir)
	if err != nil && !errors.Is(err, wal.ErrWALNotFound) {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	frames, res, err := engine.ListCompleteFrames(r.Context(), dir, from)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tag := r.URL.Query().Get("tag"); tag != "" {
		filtered := frames[:0]
		for _, f := range frames {
			if f.Tag == tag {
				filtered = append(filtered, f)
			}
		}
		frames = filtered
	}
	s.writeJSON(w, http.StatusOK, FramesResponse{
		Frames:      frames,
		Incomplete:  res.FramesIncomplete,
		Orphans:     res.Orphans,
		Marks:       len(res.Marks),
		End:         res.End,
		TruncatedAt: res.TruncatedAt,
	})
}

// handleObjects lists objects in id order, optionally filtered by kind
func (s *Server) handleObjects(w http.ResponseWriter, r *http.Request) {
	limit := defaultObjectLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	kind := r.URL.Query().Get("kind")

	resp := ObjectsResponse{Objects: []graph.ObjectState{}}
	_ = s.backend.View(func(v *graph.View) error {
		resp.Total = v.Len()
		v.Range(func(obj *graph.Object) bool {
			if kind != "" && obj.Kind() != kind {
				return true
			}
			resp.Objects = append(resp.Objects, obj.State())
			return len(resp.Objects) < limit
		})
		return nil
	})
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	id := types.ObjectID(chi.URLParam(r, "id"))
	if err := id.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	obj, ok := s.backend.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, graph.ErrObjectNotFound.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, obj.State())
}

// Package httpapi exposes the harness control surface over HTTP.
//
// The API serves the test operator, not the client under test: the client's
// protocol traffic reaches the engine through the interception collaborator
// posting to the ingest endpoints, never by talking to this API directly.
package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gridverify/certus/internal/archive"
	"github.com/gridverify/certus/internal/notify"
	"github.com/gridverify/certus/internal/run"
)

// Server wires the run machine, notification correlator and interaction
// archive to their HTTP routes.
type Server struct {
	machine    *run.Machine
	correlator *notify.Correlator
	archive    *archive.Store
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates the control API over the given collaborators.
func NewServer(machine *run.Machine, correlator *notify.Correlator, store *archive.Store, opts ...Option) *Server {
	s := &Server{
		machine:    machine,
		correlator: correlator,
		archive:    store,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Route registers the control API on the given router.
func (s *Server) Route(r *mux.Router) {
	// Run lifecycle
	r.HandleFunc("/start", s.PostStart).Methods(http.MethodPost)
	r.HandleFunc("/status", s.GetStatus).Methods(http.MethodGet)
	r.HandleFunc("/finalize", s.PostFinalize).Methods(http.MethodPost)
	r.HandleFunc("/reset", s.PostReset).Methods(http.MethodPost)

	// Ingest
	r.HandleFunc("/interactions", s.PostInteraction).Methods(http.MethodPost)
	r.HandleFunc("/notifications", s.PostNotification).Methods(http.MethodPost)

	// Archive
	r.HandleFunc("/requests", s.GetRequests).Methods(http.MethodGet)
	r.HandleFunc("/request/{id}", s.GetRequest).Methods(http.MethodGet)

	// Liveness
	r.HandleFunc("/health", s.GetHealth).Methods(http.MethodGet)
}

// NewHandler builds a ready-to-serve handler for the control API.
func NewHandler(machine *run.Machine, correlator *notify.Correlator, store *archive.Store, opts ...Option) http.Handler {
	r := mux.NewRouter()
	NewServer(machine, correlator, store, opts...).Route(r)
	return r
}

// GetHealth reports liveness. It carries no run state on purpose: a probe
// must succeed whether or not a procedure is in flight.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// shutdownGrace bounds how long in-flight requests may drain on shutdown.
const shutdownGrace = 5 * time.Second

// Serve runs the control API until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	logger.Info("control API listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

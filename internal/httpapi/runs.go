package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gridverify/certus/internal/report"
)

// PostStart begins a run of the named procedure for the given client.
//
// Query parameters:
//   - test: procedure name, e.g. "ALL-01"
//   - lfdi: hex client identity the fixtures are provisioned for
func (s *Server) PostStart(w http.ResponseWriter, r *http.Request) {
	test := r.URL.Query().Get("test")
	lfdi := r.URL.Query().Get("lfdi")
	if test == "" || lfdi == "" {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("query parameters test and lfdi are required"))
		return
	}

	snap, err := s.machine.Start(r.Context(), test, lfdi)
	if err != nil {
		s.logger.Warn("start rejected", "test", test, "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetStatus reports progress of the current run.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.machine.Status()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// PostFinalize freezes the run and returns its certification report.
func (s *Server) PostFinalize(w http.ResponseWriter, r *http.Request) {
	snap, err := s.machine.Finalize()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	rep, err := report.Generate(snap)
	if err != nil {
		// Finalize handed back a non-frozen snapshot; nothing a client did.
		s.logger.Error("report generation failed after finalize", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// PostReset discards a terminal run so a new one can start.
func (s *Server) PostReset(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.Reset(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "idle"})
}

package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/gridverify/certus/internal/archive"
)

// GetRequests lists archived interactions in capture order. The optional
// run_id query parameter narrows the listing to one run; by default it
// serves the current run's traffic, and all archived traffic when the
// machine is idle.
func (s *Server) GetRequests(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		runID = s.machine.RunID()
	}

	entries, err := s.archive.List(r.Context(), runID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if entries == nil {
		entries = []archive.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":       runID,
		"interactions": entries,
		"count":        len(entries),
	})
}

// GetRequest returns one archived interaction by ID.
func (s *Server) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	entry, err := s.archive.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

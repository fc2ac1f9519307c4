package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gridverify/certus/internal/archive"
	"github.com/gridverify/certus/internal/definition"
	"github.com/gridverify/certus/internal/fixture"
	"github.com/gridverify/certus/internal/report"
	"github.com/gridverify/certus/internal/run"
)

// errorBody is the uniform error envelope for every failing response.
type errorBody struct {
	Error string `json:"error"`
	State string `json:"state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	var conflict *run.ConflictError
	if errors.As(err, &conflict) {
		body.State = conflict.State.String()
	}
	writeJSON(w, status, body)
}

// statusFor maps domain error types to HTTP status codes. Unrecognized
// errors are internal: a handler reaching here with an unmapped error is a
// bug, not a client mistake.
func statusFor(err error) int {
	var (
		unknown   *definition.UnknownTestError
		malformed *definition.MalformedDefinitionError
		conflict  *run.ConflictError
		auth      *fixture.AuthenticationError
		prov      *fixture.ProvisioningError
		frozen    *report.NotFrozenError
		missing   *archive.NotFoundError
	)
	switch {
	case errors.As(err, &unknown):
		return http.StatusNotFound
	case errors.As(err, &malformed):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &auth):
		return http.StatusUnauthorized
	case errors.As(err, &prov):
		return http.StatusBadGateway
	case errors.As(err, &frozen):
		return http.StatusConflict
	case errors.As(err, &missing):
		return http.StatusNotFound
	case errors.Is(err, run.ErrNeverStarted):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gridverify/certus/internal/definition"
	"github.com/gridverify/certus/internal/notify"
	"github.com/gridverify/certus/internal/run"
)

// interactionBody is one captured protocol call as posted by the
// interception collaborator.
type interactionBody struct {
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Fields map[string]string `json:"fields,omitempty"`
	LFDI   string            `json:"lfdi,omitempty"`
}

// PostInteraction ingests one captured protocol call and reports how it
// was attributed. Always 200: unexpected traffic is an observation, not a
// client error.
func (s *Server) PostInteraction(w http.ResponseWriter, r *http.Request) {
	var body interactionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed interaction body: %w", err))
		return
	}
	if body.Method == "" || body.Path == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("method and path are required"))
		return
	}

	attr := s.machine.RecordInteraction(r.Context(), run.Interaction{
		Kind:   definition.KindRequest,
		Method: body.Method,
		Path:   body.Path,
		Fields: body.Fields,
		LFDI:   body.LFDI,
	})
	writeJSON(w, http.StatusOK, attr)
}

// notificationBody is one broker delivery as posted by the webhook.
type notificationBody struct {
	Token      string            `json:"token"`
	Type       string            `json:"type"`
	Fields     map[string]string `json:"fields,omitempty"`
	ReceivedAt time.Time         `json:"received_at,omitempty"`
}

// PostNotification hands one broker delivery to the correlator.
//
// Responds 202: correlation is asynchronous, attribution is not known yet.
// When the queue is saturated the publish blocks until the request context
// expires, then 503 tells the broker to redeliver.
func (s *Server) PostNotification(w http.ResponseWriter, r *http.Request) {
	var body notificationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed notification body: %w", err))
		return
	}
	if body.Type == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("type is required"))
		return
	}

	err := s.correlator.Publish(r.Context(), notify.Event{
		Token:      body.Token,
		Type:       body.Type,
		Fields:     body.Fields,
		ReceivedAt: body.ReceivedAt,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("notification queue saturated: %w", err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"taxmanager.org/internal/audit"
	"taxmanager.org/internal/auth"
)

// problem is an RFC 7807 error body.
type problem struct {
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Status    int       `json:"status"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Errors    []string  `json:"errors,omitempty"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail string, fieldErrors ...string) {
	p := problem{
		Type:      "about:blank",
		Title:     problemTitle(status),
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
		RequestID: audit.RequestIDFromContext(r.Context()),
		Errors:    fieldErrors,
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+serviceName+`"`)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

func problemTitle(status int) string {
	switch status {
	case http.StatusUnprocessableEntity:
		return "Validation Error"
	default:
		return http.StatusText(status)
	}
}

// fail maps a service error onto a problem response. Unauthorized details
// are fixed so callers cannot tell failure causes apart.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrValidation):
		writeProblem(w, r, http.StatusUnprocessableEntity, errorDetail(err))
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		writeProblem(w, r, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, auth.ErrConflict):
		writeProblem(w, r, http.StatusConflict, errorDetail(err))
	case errors.Is(err, auth.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, errorDetail(err))
	case errors.Is(err, errMalformedBody):
		writeProblem(w, r, http.StatusBadRequest, err.Error())
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		a.logger.Error("unexpected error",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeProblem(w, r, http.StatusInternalServerError, "an unexpected error occurred")
	}
}

func errorDetail(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{auth.ErrValidation, auth.ErrConflict, auth.ErrNotFound} {
		if errors.Is(err, sentinel) {
			msg = strings.TrimPrefix(msg, sentinel.Error()+": ")
		}
	}
	return strings.TrimPrefix(msg, "auth: ")
}

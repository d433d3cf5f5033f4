package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/resolver"
	"github.com/parleyhq/parley/internal/store"
)

// maxBodyBytes bounds every request body read.
const maxBodyBytes = 1 << 20

// errorResponse is the uniform error shape.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, detail string) {
	writeJSON(w, status, errorResponse{Error: msg, Detail: detail})
}

// readJSON decodes a bounded request body into v. An empty body is allowed
// and leaves v untouched, so mutation endpoints can take optional payloads.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// serviceError maps orchestrator and storage errors onto status codes:
// missing ids are 404, state conflicts and ambiguous short ids 409, and
// anything else the caller's fallback, which is 400 on mutations and 500 on
// reads.
func (s *Server) serviceError(w http.ResponseWriter, err error, fallback int) {
	var ambiguous *resolver.AmbiguousError
	var notFound *resolver.NotFoundError
	switch {
	case errors.As(err, &notFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "")
	case errors.As(err, &ambiguous):
		writeError(w, http.StatusConflict, err.Error(), strings.Join(ambiguous.Matches, ", "))
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error(), "")
	default:
		if fallback >= http.StatusInternalServerError {
			s.logger.Error("request failed", zap.Error(err))
		}
		writeError(w, fallback, err.Error(), "")
	}
}

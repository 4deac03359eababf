package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/jupark12/go-run-queue/common"
)

// handlerFunc is an http handler that reports failures by returning them.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as application/problem+json.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := common.AsAppError(err)
	logger := common.LoggerFromContext(r.Context(), s.logger)
	if appErr.Status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", appErr.Code, "error", err)
	} else {
		logger.Debug("request rejected", "code", appErr.Code, "error", err)
	}

	if appErr.Status == http.StatusTooManyRequests {
		if d, ok := appErr.Details.(map[string]int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(d["retryAfter"]))
		}
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(appErr.Status)
	json.NewEncoder(w).Encode(appErr.Problem())
}

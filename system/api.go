package system

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/csrf"
)

// ApiHandler answers /api/ paths that have no handler of their own.
func (s *System) ApiHandler(w http.ResponseWriter, r *http.Request) {
	s.log.Debug().Str("path", r.URL.Path).Msg("unknown api request")
	s.serveJsonError(w, "not found", http.StatusNotFound)
}

type JSONError struct {
	Error string `json:"error"`
}

func (s *System) serveJsonError(w http.ResponseWriter, e string, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(JSONError{e}); err != nil {
		s.log.Warn().Err(err).Msg("writing json error")
	}
}

// csrfFailure replaces gorilla/csrf's plain text 403 with a JSON one.
func (s *System) csrfFailure(w http.ResponseWriter, r *http.Request) {
	s.log.Info().Err(csrf.FailureReason(r)).Str("path", r.URL.Path).Msg("csrf check failed")
	s.serveJsonError(w, "forbidden", http.StatusForbidden)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/carpool/internal/apperrors"
)

const maxBodyBytes = 1 << 20

var errBadJSON = errors.New("malformed json body")

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as a JSON failure. Store internals are logged,
// never sent.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	rid := requestIDFromContext(r.Context())
	if errors.Is(err, errBadJSON) {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: err.Error(), RequestID: rid})
		return
	}
	if apperrors.KindOf(err) == apperrors.KindConnectivity {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", rid, "error", err)
	}
	writeJSON(w, apperrors.HTTPStatus(err), errorBody{
		Code:      apperrors.Code(err),
		Message:   apperrors.Message(err),
		Retryable: apperrors.Retryable(err),
		RequestID: rid,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.Invalid("invalid " + name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperrors.Invalid("invalid " + name)
	}
	return n, nil
}

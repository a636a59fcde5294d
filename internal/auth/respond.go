package apierr

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError answers with the status HTTPStatus picks for err. Messages of
// infrastructure faults are not exposed. Rate limit denials carry Retry-After.
func WriteError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)

	var rl *RateLimitedError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(rl.RetryAfter.Seconds())), 10))
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	WriteJSON(w, status, ErrorBody{Error: msg})
}

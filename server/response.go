package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/teranos/drip/errors"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps a store error onto a status code and logs server faults
func writeStoreError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Errorw(context, "error", err)
		writeError(w, status, context)
		return
	}
	writeError(w, status, err.Error())
}

// parseIntQueryParam extracts an integer query parameter clamped to [min, max]
func parseIntQueryParam(r *http.Request, name string, defaultValue, min, max int) int {
	valueStr := r.URL.Query().Get(name)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

const maxBodyBytes = 1 << 20

// statusByCode maps FlowError codes onto HTTP statuses. Anything else is 500.
var statusByCode = map[string]int{
	schema.ErrCodeNotFound:          http.StatusNotFound,
	schema.ErrCodeConflict:          http.StatusConflict,
	schema.ErrCodeInvalidTransition: http.StatusConflict,
	schema.ErrCodeValidation:        http.StatusBadRequest,
	schema.ErrCodeConfiguration:     http.StatusBadRequest,
	schema.ErrCodeActionUnavailable: http.StatusBadRequest,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeFlowError(w http.ResponseWriter, err error) {
	code := schema.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

// decodeBody reads a JSON request body into v. On failure it writes a 400
// and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

// queryInt reads a positive integer query param, falling back to def.
func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Package respond writes JSON bodies and apperr-shaped error bodies.
package respond

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"trend-reversal/backend/internal/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON writes v with status. Encoding failures are ignored because the header is already sent.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// Error writes err as an ErrorBody. Internal causes are logged with log and never written.
func Error(w http.ResponseWriter, log *zap.Logger, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if kind == apperr.KindInternal && log != nil {
		log.Error("request failed", zap.Error(err))
	}
	JSON(w, status, ErrorBody{Error: string(kind), Code: status, Message: apperr.PublicMessage(err)})
}

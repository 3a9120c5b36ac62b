package statusapi

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/Zozz7777/Clutchplatform-sub014/internal/errors"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/logging"
)

// Response is the envelope every endpoint returns.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{
		Success: statusCode < 400,
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, statusCode int, code apperrors.ErrorCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{
		Success: false,
		Code:    string(code),
		Error:   msg,
	})
}

// writeAppError maps an error's application code onto an HTTP status.
func writeAppError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrNotFound, apperrors.ErrConflictNotFound:
		status = http.StatusNotFound
	case apperrors.ErrValidation, apperrors.ErrInvalid, apperrors.ErrConflictInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrSyncInProgress:
		status = http.StatusConflict
	case apperrors.ErrSyncOffline, apperrors.ErrSyncTimeout, apperrors.ErrSyncStopped:
		status = http.StatusServiceUnavailable
	case apperrors.ErrSyncPushRejected, apperrors.ErrSyncAuthFailed:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		logging.Error("Status API request failed", err, nil)
	}
	writeError(w, status, code, err.Error())
}

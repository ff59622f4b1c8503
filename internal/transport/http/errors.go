package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
)

// Коды ошибок в теле ответа.
const (
	codeValidation     = "validation_failed"
	codeNotFound       = "not_found"
	codeDailyLimit     = "daily_limit_exceeded"
	codeQuota          = "quota_exceeded"
	codeConflict       = "concurrent_modification"
	codeAlreadyExists  = "already_exists"
	codeIdempotency    = "idempotency_key_reused"
	codeInProgress     = "request_in_progress"
	codeInternal       = "internal"
	internalErrMessage = "internal server error"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor сопоставляет ошибку сервиса с HTTP-статусом и кодом ответа.
func statusFor(err error) (int, string) {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, domain.ErrValidation), errors.As(err, &validationErrs):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, domain.ErrEntityNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, domain.ErrDailyLimitExceeded):
		return http.StatusUnprocessableEntity, codeDailyLimit
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusUnprocessableEntity, codeQuota
	case errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict, codeConflict
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, codeAlreadyExists
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func writeError(w http.ResponseWriter, logger *log.Entry, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.WithError(err).Error("request failed")
		message = internalErrMessage
	}
	if code == codeConflict {
		w.Header().Set("Retry-After", "0")
	}
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

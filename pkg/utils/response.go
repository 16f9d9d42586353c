package utils

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorBody{Error: message})
}

// StatusOf maps a coordinator error to its HTTP status.
func StatusOf(err error) int {
	if errors.Is(err, diagnosis.ErrCallerMismatch) {
		return http.StatusForbidden
	}
	if errors.Is(err, diagnosis.ErrFusionInProgress) {
		return http.StatusConflict
	}
	switch diagnosis.KindOf(err) {
	case diagnosis.KindInvalidArgument:
		return http.StatusBadRequest
	case diagnosis.KindNotFound:
		return http.StatusNotFound
	case diagnosis.KindModalityUnavailable:
		return http.StatusServiceUnavailable
	case diagnosis.KindInsufficientData, diagnosis.KindAnalysisError:
		return http.StatusUnprocessableEntity
	case diagnosis.KindDiagnosisConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RespondDomainError 将领域错误映射为 {error, kind, suggestion} 响应。
// 内部错误不向调用方暴露细节。
func RespondDomainError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	kind := diagnosis.KindOf(err)
	body := ErrorBody{Error: err.Error(), Kind: string(kind), Suggestion: diagnosis.SuggestionOf(err)}
	if status == http.StatusInternalServerError {
		log.Printf("[http] internal error: %v", err)
		body.Error = "internal error"
		body.Kind = string(diagnosis.KindInternal)
	}
	RespondJSON(w, status, body)
}

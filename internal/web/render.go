package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loomdev/loom/internal/domain"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

// writeError renders a use-case error as {error:{code,message}} with the
// status implied by its code.
func writeError(w http.ResponseWriter, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: errorBody{Code: "INTERNAL", Message: "internal error"}})
		return
	}
	writeJSON(w, statusFor(derr.Code), errorResponse{Error: errorBody{Code: derr.Code, Message: derr.Message}})
}

func statusFor(code string) int {
	switch code {
	case domain.CodeTaskNotFound, domain.CodeProjectNotFound, domain.CodeArtifactNotFound,
		domain.CodePipelineNotFound, domain.CodePipelineRunNotFound, domain.CodeStepRunNotFound,
		domain.CodeNoAgentRunsFound, domain.CodeJobNotFound, domain.CodeNoPipelineRun:
		return http.StatusNotFound
	case domain.CodeUnauthorized, domain.CodeInsufficientPermissions:
		return http.StatusForbidden
	case domain.CodeInsufficientCredit:
		return http.StatusPaymentRequired
	case domain.CodeBillingUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeBalanceCheckFailed:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

// decode parses a JSON request body. An empty body yields the zero value
// so optional-body endpoints can share it.
func decode[T any](r *http.Request) (T, error) {
	var v T
	if r.Body == nil || r.ContentLength == 0 {
		return v, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return v, domain.Ef(domain.CodeInvalidInput, "invalid request body: %v", err)
	}
	return v, nil
}

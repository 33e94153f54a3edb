package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/agentruntime/core/model"
)

const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeNotFound       = "not_found"
	errorCodeConflict       = "conflict"
	errorCodeRuntime        = "runtime_error"
)

var errInvalidRequest = errors.New("httpapi: invalid request")

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type startTurnResponse struct {
	TurnID  string `json:"turn_id"`
	TraceID string `json:"trace_id"`
}

type messageResponse struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type errorInfoResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type metricsResponse struct {
	LatencyMS        int64   `json:"latency_ms"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	LLMCalls         int     `json:"llm_calls"`
}

type stepResponse struct {
	StepID      string             `json:"step_id"`
	StepIndex   int                `json:"step_index"`
	StepType    string             `json:"step_type"`
	Status      string             `json:"status"`
	Description string             `json:"description,omitempty"`
	Result      any                `json:"result,omitempty"`
	Error       *errorInfoResponse `json:"error,omitempty"`
}

type planResponse struct {
	PlanID string         `json:"plan_id"`
	Status string         `json:"status"`
	Steps  []stepResponse `json:"steps"`
}

type turnResponse struct {
	TurnID        string             `json:"turn_id"`
	TraceID       string             `json:"trace_id"`
	Status        string             `json:"status"`
	PersonalityID string             `json:"personality_id"`
	Plan          *planResponse      `json:"plan,omitempty"`
	FinalResponse *messageResponse   `json:"final_response,omitempty"`
	ErrorInfo     *errorInfoResponse `json:"error_info,omitempty"`
	Metrics       metricsResponse    `json:"metrics"`
}

func turnToResponse(t model.Turn) turnResponse {
	resp := turnResponse{
		TurnID:        t.TurnID,
		TraceID:       t.TraceID,
		Status:        string(t.Status),
		PersonalityID: t.PersonalityID,
		Metrics: metricsResponse{
			LatencyMS:        t.Metrics.LatencyMS,
			PromptTokens:     t.Metrics.PromptTokens,
			CompletionTokens: t.Metrics.CompletionTokens,
			CostUSD:          t.Metrics.CostUSD,
			LLMCalls:         t.Metrics.LLMCalls,
		},
	}
	if t.FinalResponse != nil {
		resp.FinalResponse = &messageResponse{Role: t.FinalResponse.Role, Content: t.FinalResponse.Content}
	}
	if t.ErrorInfo != nil {
		resp.ErrorInfo = &errorInfoResponse{Code: t.ErrorInfo.Code, Message: t.ErrorInfo.Message}
	}
	if t.Plan != nil {
		steps := make([]stepResponse, len(t.Plan.Steps))
		for i, s := range t.Plan.Steps {
			steps[i] = stepResponse{
				StepID:      s.StepID,
				StepIndex:   s.StepIndex,
				StepType:    string(s.StepType),
				Status:      string(s.Status),
				Description: s.Description,
				Result:      s.Result,
			}
			if s.Error != nil {
				steps[i].Error = &errorInfoResponse{Code: s.Error.Code, Message: s.Error.Message}
			}
		}
		resp.Plan = &planResponse{PlanID: t.Plan.PlanID, Status: string(t.Plan.Status), Steps: steps}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code := mapRuntimeError(err)
	writeError(w, status, code, err.Error())
}

func decodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return invalidRequestError("request body is required")
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return invalidRequestError("request body is required")
		}
		return invalidRequestError(fmt.Sprintf("invalid JSON body: %v", err))
	}
	if err := decoder.Decode(new(struct{})); !errors.Is(err, io.EOF) {
		return invalidRequestError("request body must contain exactly one JSON object")
	}
	return nil
}

func invalidRequestError(message string) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, message)
}

func mapRuntimeError(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidRequest), errors.Is(err, model.ErrValidation):
		return http.StatusUnprocessableEntity, errorCodeInvalidRequest
	case errors.Is(err, model.ErrPersonalityNotFound):
		return http.StatusUnprocessableEntity, errorCodeInvalidRequest
	case errors.Is(err, model.ErrTurnNotFound):
		return http.StatusNotFound, errorCodeNotFound
	case errors.Is(err, model.ErrTurnAlreadyStarted), errors.Is(err, model.ErrTurnVersionConflict):
		return http.StatusConflict, errorCodeConflict
	default:
		return http.StatusInternalServerError, errorCodeRuntime
	}
}

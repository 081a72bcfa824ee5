package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"tollgate/internal/types"
)

const maxRequestBodySize = 1 << 20

// APIResponse wraps every successful payload.
type APIResponse struct {
	Data any `json:"data"`
}

type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// JSON marshals data and writes it with status. A marshal failure becomes a
// 500 in the error envelope.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(types.ErrCodeInternalUnexpected),
				Message:   "failed to marshal response",
				RequestID: types.GetRequestID(r.Context()),
			},
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Data writes payload inside the {"data": ...} envelope.
func Data(w http.ResponseWriter, r *http.Request, status int, payload any) {
	JSON(w, r, status, APIResponse{Data: payload})
}

// Error writes err in the error envelope. AppErrors keep their code, message
// and details; anything else becomes an opaque 500.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		JSON(w, r, appErr.HTTPStatus(), APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(appErr.Code),
				Message:   appErr.Message,
				Details:   appErr.Details,
				RequestID: requestID,
			},
		})
		return
	}

	JSON(w, r, http.StatusInternalServerError, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "an unexpected error occurred",
			RequestID: requestID,
		},
	})
}

// DecodeJSON decodes a single JSON object from the body into dst, rejecting
// unknown fields and bodies over 1MB.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return mapDecodeError(err)
	}
	if dec.More() {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "request body must contain a single JSON object", nil)
	}
	return nil
}

func mapDecodeError(err error) *types.AppError {
	var (
		maxBytesErr      *http.MaxBytesError
		syntaxErr        *json.SyntaxError
		unmarshalTypeErr *json.UnmarshalTypeError
	)

	switch {
	case errors.As(err, &maxBytesErr):
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "request body must not exceed 1MB", err)
	case errors.As(err, &syntaxErr):
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "malformed JSON in request body", err)
	case errors.As(err, &unmarshalTypeErr):
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidBody, "invalid value for field", err,
			map[string]any{
				"field":    unmarshalTypeErr.Field,
				"expected": unmarshalTypeErr.Type.String(),
			})
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return types.NewAppError(types.ErrCodeValidationInvalidBody,
			"unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "), err)
	case errors.Is(err, io.EOF):
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "request body must not be empty", err)
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "invalid JSON in request body", err)
	}
}

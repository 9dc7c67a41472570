package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"identity-service/internal/apperror"
	"identity-service/internal/util"
)

const maxBodyBytes = 64 << 10

// Response is the envelope returned by every endpoint.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Code             string                 `json:"code"`
	Message          string                 `json:"message"`
	MessageLocalized string                 `json:"messageLocalized,omitempty"`
	Meta             map[string]interface{} `json:"meta,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, statusCode int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func respondOK(w http.ResponseWriter, data interface{}) {
	respondWithJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// respondWithError maps err to its client-safe form. The cause is logged, never returned.
func respondWithError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	appErr := apperror.From(err)

	fields := []zap.Field{
		util.String("code", appErr.Code),
		util.Int("status_code", appErr.Status),
		util.String("path", r.URL.Path),
	}
	if appErr.Err != nil {
		fields = append(fields, util.ErrorField(appErr.Err))
	}
	if appErr.Kind == apperror.KindInternal || appErr.Kind == apperror.KindUpstream {
		logger.Error("HTTP error response", fields...)
	} else {
		logger.Warn("HTTP error response", fields...)
	}

	if retry, ok := appErr.Meta["retryAfterSeconds"].(int); ok && retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}

	respondWithJSON(w, appErr.Status, Response{
		Success: false,
		Error: &ErrorBody{
			Code:             appErr.Code,
			Message:          appErr.Message,
			MessageLocalized: appErr.MessageHi,
			Meta:             appErr.Meta,
		},
	})
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperror.InvalidRequest("body").WithCause(err)
	}
	return nil
}

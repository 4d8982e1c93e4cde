package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"usq/native/cdp"
	"usq/native/oracle"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps an engine error onto an HTTP status by its kind.
func statusFor(err error) int {
	if errors.Is(err, cdp.ErrRateLimited) {
		return http.StatusTooManyRequests
	}
	switch cdp.KindOf(err) {
	case cdp.KindValidation:
		return http.StatusBadRequest
	case cdp.KindSolvency, cdp.KindState:
		return http.StatusConflict
	case cdp.KindOracle:
		return http.StatusServiceUnavailable
	case cdp.KindPermission:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), cdp.KindOf(err).String(), err.Error())
}

// oracleStatus maps price book rejections.
func oracleStatus(err error) int {
	switch {
	case errors.Is(err, oracle.ErrInvalidPrice), errors.Is(err, oracle.ErrOverrideTooLong):
		return http.StatusBadRequest
	case errors.Is(err, oracle.ErrNoPrice):
		return http.StatusNotFound
	case errors.Is(err, oracle.ErrDeviation), errors.Is(err, oracle.ErrOutdatedQuote):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

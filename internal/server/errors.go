package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"homeescrow/internal/escrow"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errBadRequest}, args...)...)
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Code      string `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Condition string `json:"condition,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, title, message string) {
	writeJSON(w, status, errorResponse{Code: code, Title: title, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// classify maps an engine error to an HTTP status and business error body.
// Inconsistent state is checked first since it also unwraps to its cause.
func classify(err error) (int, errorResponse) {
	resp := errorResponse{Message: err.Error()}
	var blocked *escrow.BlockedError

	switch {
	case errors.Is(err, escrow.ErrInconsistentState):
		resp.Code, resp.Title = "inconsistent_state", "Inconsistent State"
		return http.StatusInternalServerError, resp
	case errors.Is(err, escrow.ErrUnauthorized):
		resp.Code, resp.Title = "unauthorized", "Unauthorized Caller"
		return http.StatusForbidden, resp
	case errors.As(err, &blocked):
		resp.Code, resp.Title = "finalization_blocked", "Finalization Blocked"
		resp.Condition = string(blocked.Condition)
		return http.StatusConflict, resp
	case errors.Is(err, escrow.ErrInsufficientDeposit):
		resp.Code, resp.Title = "insufficient_deposit", "Insufficient Deposit"
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, escrow.ErrFundingFailed):
		resp.Code, resp.Title = "funding_failed", "Funding Failed"
		return http.StatusPaymentRequired, resp
	case errors.Is(err, escrow.ErrTransferFailed):
		resp.Code, resp.Title = "transfer_failed", "Asset Transfer Failed"
		return http.StatusBadGateway, resp
	case errors.Is(err, escrow.ErrPayoutFailed):
		resp.Code, resp.Title = "payout_failed", "Payout Failed"
		return http.StatusBadGateway, resp
	case errors.Is(err, escrow.ErrNotListed):
		resp.Code, resp.Title = "not_listed", "Asset Not Listed"
		return http.StatusNotFound, resp
	case errors.Is(err, errBadRequest),
		errors.Is(err, escrow.ErrInvalidAsset),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidListing):
		resp.Code, resp.Title = "invalid_request", "Invalid Request"
		return http.StatusBadRequest, resp
	default:
		resp.Code, resp.Title = "internal", "Internal Error"
		return http.StatusInternalServerError, resp
	}
}

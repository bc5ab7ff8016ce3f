package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/benthecarman/zap-tunnel/identity"
	"github.com/benthecarman/zap-tunnel/lnurlpay"
	"github.com/benthecarman/zap-tunnel/userapi"
)

// lnurlError is the LUD-01 error shape every LNURL-pay response uses on
// failure: {"status":"ERROR","reason":"..."}.
type lnurlError struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// apiError is the error shape every non-LNURL JSON endpoint uses on
// failure: {"statusCode":...,"message":"..."}.
type apiError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// writeLNURLError maps err to an HTTP status and writes the LUD-01 error
// body. Unknown users and pool exhaustion map to 404; a bad amount, an
// invalid zap request or a too-long CLTV delta maps to 400; anything else
// is a 500.
func writeLNURLError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, lnurlpay.ErrUserNotFound),
		errors.Is(err, lnurlpay.ErrNoInvoiceAvailable):
		status = http.StatusNotFound

	case errors.Is(err, lnurlpay.ErrAmountOutOfRange),
		errors.Is(err, lnurlpay.ErrInvalidZapRequest),
		errors.Is(err, lnurlpay.ErrCltvTooLong):
		status = http.StatusBadRequest
	}

	writeJSON(w, status, lnurlError{Status: "ERROR", Reason: err.Error()})
}

// writeAPIError maps err to an HTTP status and writes the {statusCode,
// message} body used by the user/invoice management endpoints.
func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, identity.ErrAuth),
		errors.Is(err, identity.ErrUsernameTooShort),
		errors.Is(err, identity.ErrClockSkew),
		errors.Is(err, userapi.ErrEmptyInvoiceList),
		errors.Is(err, userapi.ErrInvalidInvoice):
		status = http.StatusBadRequest

	case errors.Is(err, userapi.ErrUserNotFound):
		status = http.StatusNotFound

	case errors.Is(err, userapi.ErrUsernameTaken):
		status = http.StatusConflict
	}

	writeJSON(w, status, apiError{StatusCode: status, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("encode response body: %v", err)
	}
}

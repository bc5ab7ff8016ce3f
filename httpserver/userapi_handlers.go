package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// createUserRequest is the POST /create-user body.
type createUserRequest struct {
	Username  string `json:"username"`
	Pubkey    string `json:"pubkey"`
	Signature string `json:"signature"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, errors.New("malformed request body"))
		return
	}

	err := s.users.CreateUser(r.Context(), req.Username, req.Pubkey, req.Signature)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

// checkUserResponse is GET /check-user's body.
type checkUserResponse struct {
	Username          string `json:"username"`
	Pubkey            string `json:"pubkey"`
	InvoicesRemaining int64  `json:"invoices_remaining"`
}

func (s *Server) checkUser(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	unixSeconds, err := strconv.ParseInt(q.Get("time"), 10, 64)
	if err != nil {
		writeAPIError(w, errors.New("invalid time parameter"))
		return
	}

	result, err := s.users.CheckUser(
		r.Context(), unixSeconds, q.Get("pubkey"), q.Get("signature"),
	)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, checkUserResponse{
		Username:          result.Username,
		Pubkey:            result.Pubkey,
		InvoicesRemaining: result.InvoicesRemaining,
	})
}

// addInvoicesRequest is the POST /add-invoices body.
type addInvoicesRequest struct {
	Pubkey    string   `json:"pubkey"`
	Signature string   `json:"signature"`
	Invoices  []string `json:"invoices"`
}

// addInvoicesResponse reports how many invoices were accepted into the
// pool.
type addInvoicesResponse struct {
	Added int `json:"added"`
}

func (s *Server) addInvoices(w http.ResponseWriter, r *http.Request) {
	var req addInvoicesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, errors.New("malformed request body"))
		return
	}

	n, err := s.users.AddInvoices(
		r.Context(), req.Pubkey, req.Signature, req.Invoices,
	)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, addInvoicesResponse{Added: n})
}

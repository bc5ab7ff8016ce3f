package httpserver

import (
	"net/http"
	"strconv"

	"github.com/benthecarman/zap-tunnel/lnurlpay"
	"github.com/gorilla/mux"
)

// lnurlMetadata implements GET /.well-known/lnurlp/{username}.
func (s *Server) lnurlMetadata(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	resp, err := s.lnurl.Metadata(r.Context(), username)
	if err != nil {
		writeLNURLError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// lnurlCallback implements GET /lnurlp/{username}?amount=...&nostr=....
func (s *Server) lnurlCallback(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	amountMsat, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		writeLNURLError(w, lnurlpay.ErrAmountOutOfRange)
		return
	}

	resp, err := s.lnurl.Callback(
		r.Context(), username, amountMsat, r.URL.Query().Get("nostr"),
	)
	if err != nil {
		writeLNURLError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

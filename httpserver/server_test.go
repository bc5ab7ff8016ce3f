package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benthecarman/zap-tunnel/lnadapter"
	"github.com/benthecarman/zap-tunnel/lnurlpay"
	"github.com/benthecarman/zap-tunnel/models"
	"github.com/benthecarman/zap-tunnel/pool"
	"github.com/benthecarman/zap-tunnel/store"
	"github.com/benthecarman/zap-tunnel/userapi"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

type storeUserLookup struct {
	store *store.Store
}

func (u storeUserLookup) UserExists(ctx context.Context, username string) (bool, error) {
	var exists bool

	err := u.store.ExecTx(ctx, store.ReadTx(), func(q store.Querier) error {
		_, err := q.GetUserByUsername(ctx, username)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		exists = true
		return nil
	})

	return exists, err
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	s, err := store.NewStore(filepath.Join(t.TempDir(), "zap-tunnel.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	ctx := context.Background()
	err = s.ExecTx(ctx, store.WriteTx(), func(q store.Querier) error {
		return q.InsertUser(ctx, models.User{
			Username: "alice", Pubkey: "pk-alice",
		})
	})
	require.NoError(t, err)

	p := pool.New(s)
	chainParams := &chaincfg.RegressionNetParams

	lnurlHandler := lnurlpay.New(
		storeUserLookup{s}, p, s, lnadapter.NewMockAdapter(),
		lnurlpay.Config{
			PublicHost:  "zap.example.com",
			BaseFeeMsat: 1000,
			ChainParams: chainParams,
		},
	)
	userHandler := userapi.New(s, p, chainParams)

	server := NewServer(Config{}, lnurlHandler, userHandler)
	return server.router()
}

// TestLNURLErrorShape covers the LUD-01 error convention: unknown users
// and empty pools both surface as a 404 with {"status":"ERROR"}.
func TestLNURLErrorShape(t *testing.T) {
	router := newTestRouter(t)

	for _, path := range []string{
		"/.well-known/lnurlp/mallory",
		"/lnurlp/alice?amount=21000",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		require.Equal(t, http.StatusNotFound, rec.Code, path)

		var body struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, "ERROR", body.Status)
		require.NotEmpty(t, body.Reason)
	}
}

func TestLNURLCallbackRejectsMissingAmount(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(
		http.MethodGet, "/lnurlp/alice", nil,
	))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestAPIErrorShape covers the management API's {statusCode, message}
// convention: a garbage signature on create-user is a 400.
func TestAPIErrorShape(t *testing.T) {
	router := newTestRouter(t)

	body := `{"username":"bob","pubkey":"beef","signature":"dead"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(
		http.MethodPost, "/create-user", strings.NewReader(body),
	))

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		StatusCode int    `json:"statusCode"`
		Message    string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotEmpty(t, resp.Message)
}

func TestIndexServesHTML(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}

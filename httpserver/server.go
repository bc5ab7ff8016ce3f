// Package httpserver wires the proxy's LNURL-pay and user/invoice
// management endpoints onto a gorilla/mux router, applying the two JSON
// error conventions (LNURL's {status, reason} and the management API's
// {statusCode, message}) at the boundary.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/benthecarman/zap-tunnel/lnurlpay"
	"github.com/benthecarman/zap-tunnel/userapi"
	"github.com/gorilla/mux"
)

// Config bundles the listen address and the host-level HTTP deadlines
// that bound every request end to end.
type Config struct {
	ListenAddr   string
	IdleTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

const (
	DefaultIdleTimeout  = 2 * time.Minute
	DefaultReadTimeout  = 15 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

// Server serves every HTTP route the proxy exposes.
type Server struct {
	cfg   Config
	lnurl *lnurlpay.Handler
	users *userapi.Handler

	httpServer *http.Server
}

// NewServer builds a Server. Call Run to start serving.
func NewServer(cfg Config, lnurl *lnurlpay.Handler, users *userapi.Handler) *Server {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	s := &Server{cfg: cfg, lnurl: lnurl, users: users}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router(),
		IdleTimeout:  cfg.IdleTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.index).Methods(http.MethodGet)
	r.HandleFunc(
		"/.well-known/lnurlp/{username}", s.lnurlMetadata,
	).Methods(http.MethodGet)
	r.HandleFunc("/lnurlp/{username}", s.lnurlCallback).Methods(http.MethodGet)

	r.HandleFunc("/create-user", s.createUser).Methods(http.MethodPost)
	r.HandleFunc("/check-user", s.checkUser).Methods(http.MethodGet)
	r.HandleFunc("/add-invoices", s.addInvoices).Methods(http.MethodPost)

	return r
}

// Run starts serving until ctx is canceled, at which point it gracefully
// shuts down the listener.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		log.Infof("HTTP server listening on %s", s.cfg.ListenAddr)
		errChan <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}

		return nil

	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/loykin/horizon/internal/config"
	tlsutil "github.com/loykin/horizon/internal/tls"
)

// NewServer listens on cfg.Listen and serves r in the background, over TLS
// when a certificate is configured. Bind and certificate errors are returned
// immediately.
func NewServer(cfg config.ServerConfig, r *Router) (*http.Server, error) {
	tc, err := tlsutil.Setup(cfg)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		var err error
		if tc != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return srv, nil
}

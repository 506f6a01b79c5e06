package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"rocket-sync-lite/internal/config"
	"rocket-sync-lite/internal/logger"
)

func NewHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Run serves until the server is shut down; ErrServerClosed is not an error.
func Run(srv *http.Server, cfg config.Config) error {
	logger.InfoF("control api listening on %s", srv.Addr)
	var err error
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown adapts an http.Server to the lifecycle cleaner.
type Shutdown struct {
	Server *http.Server
}

func (s Shutdown) Invoke(ctx context.Context) error {
	return s.Server.Shutdown(ctx)
}

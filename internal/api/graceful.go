package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/socialpulse/socialpulse/internal/errors"
)

// NewHTTPServer creates a configured HTTP server. WriteTimeout is generous
// because POST /collect answers only after a whole run.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
}

// NewHTTPSServer creates an HTTPS server. minVersion is "1.2" or "1.3"
// (anything else means 1.3).
func NewHTTPSServer(addr, certFile, keyFile, minVersion string, handler http.Handler) (*http.Server, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
	if minVersion == "1.2" {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	srv := NewHTTPServer(addr, handler)
	srv.TLSConfig = tlsConfig
	return srv, nil
}

// SetupSignalHandler sets up OS signal handling for SIGINT and SIGTERM
func SetupSignalHandler() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}

// Shutdownable is a component stopped during process shutdown.
type Shutdownable interface {
	Shutdown(ctx context.Context) error
}

// ShutdownFunc adapts a function to Shutdownable.
type ShutdownFunc func(ctx context.Context) error

// Shutdown calls f.
func (f ShutdownFunc) Shutdown(ctx context.Context) error {
	return f(ctx)
}

// ShutdownAll stops components in order, sharing one timeout. Every component
// is stopped even when an earlier one fails; failures are joined.
func ShutdownAll(timeout time.Duration, components ...Shutdownable) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, comp := range components {
		if comp == nil {
			continue
		}
		if err := comp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tracklab/tracknet/internal/logger"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the observability module logger.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module("observability")
	})
	return serviceLogger
}

// Endpoint serves /metrics over HTTP.
type Endpoint struct {
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// StartEndpoint listens on addr and serves metrics in the background
// until Shutdown is called.
func StartEndpoint(addr string, m *Metrics) (*Endpoint, error) {
	mux := http.NewServeMux()
	m.RegisterHandlers(mux)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
	}
	e.wg.Go(func() {
		GetLogger().Info("metrics endpoint starting", logger.String("address", ln.Addr().String()))
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			GetLogger().Error("metrics HTTP server error", logger.Error(err))
		}
	})
	return e, nil
}

// Addr is the bound listen address.
func (e *Endpoint) Addr() string {
	return e.listener.Addr().String()
}

// Shutdown stops the server and waits for it to exit.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	err := e.server.Shutdown(ctx)
	e.wg.Wait()
	return err
}

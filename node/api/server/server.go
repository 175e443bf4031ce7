// Package server wraps the HTTP API in a server that owns the daemon's
// subsystems and tears them down in order on shutdown.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/log"

	"gitlab.com/slicenetlabs/slicenetd/modules/fetcher"
	"gitlab.com/slicenetlabs/slicenetd/node/api"
)

// A Server binds the HTTP API to a listener and owns the fetcher behind it.
type Server struct {
	staticAPI     *api.API
	staticFetcher *fetcher.Fetcher
	staticLog     *log.Logger

	httpServer *http.Server
	listener   net.Listener

	serveErr  chan error
	closeOnce sync.Once
}

// New creates a server serving the API of the given fetcher on addr. Serving
// starts immediately; errors from the serving goroutine are delivered through
// ServeErr.
func New(addr, password string, f *fetcher.Fetcher, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.DiscardLogger
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.AddContext(err, "unable to create listener")
	}
	srv := &Server{
		staticAPI:     api.New(f, password, logger),
		staticFetcher: f,
		staticLog:     logger,
		listener:      listener,
		serveErr:      make(chan error, 1),
	}
	srv.httpServer = &http.Server{Handler: srv.staticAPI}
	go srv.threadedServe()
	return srv, nil
}

// threadedServe runs the HTTP server until it is closed.
func (srv *Server) threadedServe() {
	err := srv.httpServer.Serve(srv.listener)
	if err != http.ErrServerClosed {
		srv.staticLog.Println("API server failed:", err)
		srv.serveErr <- err
		return
	}
	srv.serveErr <- nil
}

// APIAddr returns the address the API listens on.
func (srv *Server) APIAddr() string {
	return srv.listener.Addr().String()
}

// ServeErr returns a channel that delivers the serving goroutine's exit
// error. A clean shutdown delivers nil.
func (srv *Server) ServeErr() <-chan error {
	return srv.serveErr
}

// Close shuts the server down: the API stops accepting requests first, then
// the fetcher is stopped, interrupting running downloads.
func (srv *Server) Close() error {
	var err error
	srv.closeOnce.Do(func() {
		err = errors.Compose(
			srv.httpServer.Shutdown(context.Background()),
			srv.staticFetcher.Close(),
		)
	})
	return err
}

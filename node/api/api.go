// Package api implements the HTTP API of the slicenet daemon. The API
// exposes the daemon's version and the fetcher's download history, aggregate
// statistics and bandwidth limits.
package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"

	"gitlab.com/NebulousLabs/log"

	"gitlab.com/slicenetlabs/slicenetd/modules/fetcher"
)

// Error is the standard error response of the API. The Message field is
// always set.
type Error struct {
	Message string `json:"message"`
}

// Error implements the error interface.
func (err Error) Error() string {
	return err.Message
}

// API maps the daemon's subsystems onto HTTP routes.
type API struct {
	staticFetcher *fetcher.Fetcher
	staticLog     *log.Logger

	requiredPassword string

	routerMu sync.RWMutex
	router   http.Handler
}

// New creates an API serving the given fetcher. An empty password disables
// authentication and a nil logger discards all log output.
func New(f *fetcher.Fetcher, password string, logger *log.Logger) *API {
	if logger == nil {
		logger = log.DiscardLogger
	}
	api := &API{
		staticFetcher:    f,
		staticLog:        logger,
		requiredPassword: password,
	}
	api.buildHTTPRoutes()
	return api
}

// ServeHTTP implements the http.Handler interface.
func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.routerMu.RLock()
	router := api.router
	api.routerMu.RUnlock()
	router.ServeHTTP(w, r)
}

// UnrecognizedCallHandler handles calls to unknown endpoints.
func (api *API) UnrecognizedCallHandler(w http.ResponseWriter, _ *http.Request) {
	WriteError(w, Error{"404 - Refer to API.md"}, http.StatusNotFound)
}

// WriteError writes an error to the API caller.
func WriteError(w http.ResponseWriter, err Error, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	encodingErr := json.NewEncoder(w).Encode(err)
	if _, isJSONErr := encodingErr.(*json.SyntaxError); isJSONErr {
		// Marshalling should only fail in the event of a developer error.
		// Specifically, only non-marshallable types should cause an error here.
		panic(encodingErr)
	}
}

// WriteJSON writes the object to the ResponseWriter. If the encoding fails,
// an error is written instead.
func WriteJSON(w http.ResponseWriter, obj interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	err := json.NewEncoder(w).Encode(obj)
	if _, isJSONErr := err.(*json.SyntaxError); isJSONErr {
		// Marshalling should only fail in the event of a developer error.
		// Specifically, only non-marshallable types should cause an error here.
		panic(err)
	}
}

// WriteSuccess writes the HTTP header with status 204 No Content to the
// ResponseWriter. WriteSuccess should only be used to indicate that the
// requested action succeeded AND there is no data to return.
func WriteSuccess(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// RequirePassword is middleware that requires a request to authenticate with
// a password using HTTP basic auth. Usernames are ignored. Empty passwords
// indicate no authentication is required.
func RequirePassword(h httprouter.Handle, password string) httprouter.Handle {
	// An empty password is equivalent to no password.
	if password == "" {
		return h
	}
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		_, pass, ok := req.BasicAuth()
		if !ok || pass != password {
			w.Header().Set("WWW-Authenticate", "Basic realm=\"SlicenetAPI\"")
			WriteError(w, Error{"API authentication failed."}, http.StatusUnauthorized)
			return
		}
		h(w, req, ps)
	}
}

package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// buildHTTPRoutes sets up the router mapping the API endpoints onto their
// handlers.
func (api *API) buildHTTPRoutes() {
	router := httprouter.New()
	requiredPassword := api.requiredPassword

	router.NotFound = http.HandlerFunc(api.UnrecognizedCallHandler)
	router.RedirectTrailingSlash = false

	// Daemon API Calls
	router.GET("/daemon/version", api.daemonVersionHandlerGET)

	// Fetcher API Calls
	router.GET("/fetcher/history", api.fetcherHistoryHandlerGET)
	router.GET("/fetcher/stats", api.fetcherStatsHandlerGET)
	router.POST("/fetcher/bandwidth", RequirePassword(api.fetcherBandwidthHandlerPOST, requiredPassword))

	api.routerMu.Lock()
	api.router = router
	api.routerMu.Unlock()
}

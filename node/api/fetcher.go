package api

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"gitlab.com/slicenetlabs/slicenetd/modules/fetcher"
)

type (
	// FetcherHistoryGET is the response of the /fetcher/history endpoint.
	FetcherHistoryGET struct {
		Downloads []fetcher.DownloadRecord `json:"downloads"`
	}
)

// fetcherHistoryHandlerGET handles the API call that requests the session's
// download history.
func (api *API) fetcherHistoryHandlerGET(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	WriteJSON(w, FetcherHistoryGET{
		Downloads: api.staticFetcher.History(),
	})
}

// fetcherStatsHandlerGET handles the API call that requests the aggregate
// download statistics.
func (api *API) fetcherStatsHandlerGET(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	ds, err := api.staticFetcher.Stats()
	if err != nil {
		WriteError(w, Error{"unable to compute download stats: " + err.Error()}, http.StatusInternalServerError)
		return
	}
	WriteJSON(w, ds)
}

// fetcherBandwidthHandlerPOST handles the API call that updates the shared
// bandwidth limits.
func (api *API) fetcherBandwidthHandlerPOST(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	downloadSpeed, err := strconv.ParseInt(req.FormValue("maxdownloadspeed"), 10, 64)
	if err != nil {
		WriteError(w, Error{"unable to parse maxdownloadspeed: " + err.Error()}, http.StatusBadRequest)
		return
	}
	uploadSpeed, err := strconv.ParseInt(req.FormValue("maxuploadspeed"), 10, 64)
	if err != nil {
		WriteError(w, Error{"unable to parse maxuploadspeed: " + err.Error()}, http.StatusBadRequest)
		return
	}
	err = api.staticFetcher.SetBandwidthLimits(downloadSpeed, uploadSpeed)
	if err != nil {
		WriteError(w, Error{"unable to set bandwidth limits: " + err.Error()}, http.StatusBadRequest)
		return
	}
	api.staticLog.Printf("bandwidth limits updated: download %v B/s, upload %v B/s", downloadSpeed, uploadSpeed)
	WriteSuccess(w)
}

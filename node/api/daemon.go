package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"gitlab.com/slicenetlabs/slicenetd/build"
)

// DaemonVersionGet contains information about the running daemon's version.
type DaemonVersionGet struct {
	Version     string `json:"version"`
	GitRevision string `json:"gitrevision"`
	Release     string `json:"release"`
}

// daemonVersionHandlerGET handles the API call that requests the daemon's
// version.
func (api *API) daemonVersionHandlerGET(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	WriteJSON(w, DaemonVersionGet{
		Version:     build.Version,
		GitRevision: build.GitRevision,
		Release:     build.Release,
	})
}

package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/Tyrowin/noradhub/internal/hub"
	"github.com/Tyrowin/noradhub/internal/norad"
)

const errUpdateFailed = "Failed to update NORAD IDs"

type updateResponse struct {
	Message  string `json:"message"`
	NoradIDs []int  `json:"norad_ids"`
}

type healthResponse struct {
	Status     string `json:"status"`
	Telescopes int    `json:"telescopes"`
}

func (a *API) handleTelescopes(w http.ResponseWriter, _ *http.Request) {
	telescopes := a.hub.Telescopes()
	if telescopes == nil {
		telescopes = []hub.Descriptor{}
	}
	a.writeJSON(w, http.StatusOK, telescopes)
}

func (a *API) handleGetNorad(w http.ResponseWriter, _ *http.Request) {
	ids := a.hub.NoradIDs()
	if ids == nil {
		ids = []int{}
	}
	a.writeJSON(w, http.StatusOK, ids)
}

// handleUpdateNorad replaces the list and responds only after every connected
// telescope has been sent the new list.
func (a *API) handleUpdateNorad(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		a.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	ids, err := a.hub.UpdateNoradIDs(r.Context(), raw)
	switch {
	case err == nil:
	case errors.Is(err, norad.ErrInvalidFormat):
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		a.logger.Error("NORAD ID update failed", "error", err, "norad_ids", ids)
		a.writeError(w, http.StatusInternalServerError, errUpdateFailed)
		return
	}

	if ids == nil {
		ids = []int{}
	}
	a.writeJSON(w, http.StatusOK, updateResponse{Message: "NORAD IDs updated", NoradIDs: ids})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Telescopes: a.hub.TelescopeCount()})
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// voterStatus returns the tri-state vote status of an address. A status
// that cannot be read is reported as unknown and not eligible.
// GET /voters/{address}
func (a *API) voterStatus(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(chi.URLParam(r, AddressURLParam))
	if !ok {
		ErrMalformedAddress.Write(w)
		return
	}
	status, err := a.eligibility.Status(r.Context(), addr)
	resp := &VoterStatusResponse{
		Address:  addr,
		Status:   status,
		Eligible: status.Eligible(),
	}
	if err != nil {
		resp.Error = apiError(err).Error()
	}
	httpWriteJSON(w, resp)
}

package handlers

import (
	"net/http"

	"github.com/wolfman30/payreminder/internal/clients"
)

// ValidateClients previews an upload: POST a JSON array of client objects,
// receive the validation result. Invalid records still answer 200.
func ValidateClients(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, maxJSONBody)
	if err != nil {
		jsonError(w, err.Error(), bodyErrorStatus(err))
		return
	}
	raw, err := clients.DecodeUpload(body)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, clients.Validate(raw))
}

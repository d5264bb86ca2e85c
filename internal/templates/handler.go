package templates

import (
	"net/http"

	"github.com/reelcast/backend/internal/apperr"
)

// ListHandler serves GET /v1/templates.
func ListHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		apperr.WriteJSON(w, http.StatusOK, reg.List())
	}
}

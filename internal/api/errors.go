package api

import (
	"encoding/json"
	"net/http"

	"github.com/mathia-chat/mathia/internal/apierr"
)

func unauthenticated(detail string) *apierr.Error { return apierr.Newf(apierr.Unauthenticated, "%s", detail) }
func forbidden(detail string) *apierr.Error       { return apierr.Newf(apierr.Forbidden, "%s", detail) }
func validation(detail string) *apierr.Error      { return apierr.Newf(apierr.Validation, "%s", detail) }

// errorBody is the JSON shape every failed request receives: a generic,
// actionable message and never the wrapped internal error detail.
type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apierr.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(errorBody{Error: apierr.HumanMessages[code]})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

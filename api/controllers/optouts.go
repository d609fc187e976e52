package controllers

import (
	"net/http"

	"github.com/angelmondragon/tabsplit-backend/api/responses"
	"github.com/angelmondragon/tabsplit-backend/api/validators"
	"github.com/angelmondragon/tabsplit-backend/internal/optout"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
)

type optOutRequest struct {
	Email    string `json:"email" validate:"required,email"`
	OptedOut *bool  `json:"optedOut" validate:"required"`
}

func SetOptOut(svc optout.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body optOutRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.Set(r.Context(), body.Email, *body.OptedOut); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"email": body.Email, "optedOut": *body.OptedOut})
	}
}

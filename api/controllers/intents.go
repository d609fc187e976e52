package controllers

import (
	"net/http"

	"github.com/angelmondragon/tabsplit-backend/api/responses"
	"github.com/angelmondragon/tabsplit-backend/api/validators"
	"github.com/angelmondragon/tabsplit-backend/internal/intake"
	pkgerrors "github.com/angelmondragon/tabsplit-backend/pkg/errors"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/payloads"
)

// SubmitIntent accepts one notification intent from a producer. The 202 only
// means the intent was stored (or merged, or suppressed); it never reports
// delivery.
func SubmitIntent(svc intake.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "intake service unavailable"))
			return
		}

		var body payloads.IntentSubmission
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Submit(r.Context(), intake.SubmitParams{
			Recipient:     body.Recipient,
			SubjectUserID: body.SubjectUserID,
			ContextID:     body.ContextID,
			Payload:       body.Payload,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, result)
	}
}

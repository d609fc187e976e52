package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/tabsplit-backend/api/responses"
	"github.com/angelmondragon/tabsplit-backend/api/validators"
	"github.com/angelmondragon/tabsplit-backend/internal/audit"
	"github.com/angelmondragon/tabsplit-backend/internal/intake"
	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/tabsplit-backend/pkg/errors"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/pagination"
)

// QueueDepthReader reports delivery jobs by state.
type QueueDepthReader interface {
	Depth(ctx context.Context) (map[enums.DeliveryJobState]int64, error)
}

type pipelineStats struct {
	PendingIntents map[enums.NotificationKind]int64 `json:"pendingIntents"`
	QueueDepth     map[enums.DeliveryJobState]int64 `json:"queueDepth"`
}

// AdminNotificationStats reports pending intents by kind and delivery queue
// depth by state.
func AdminNotificationStats(svc intake.Service, queue QueueDepthReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := svc.PendingCounts(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		depth, err := queue.Depth(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read queue depth"))
			return
		}
		responses.WriteSuccess(w, pipelineStats{PendingIntents: pending, QueueDepth: depth})
	}
}

func AdminCancelIntent(svc intake.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "intentId")))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid intent id"))
			return
		}
		if err := svc.CancelIntent(r.Context(), id); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"cancelled": 1})
	}
}

type cancelIntentsRequest struct {
	Kind *enums.NotificationKind `json:"kind,omitempty"`
}

// AdminCancelIntents cancels every pending intent, or only those of the
// requested kind.
func AdminCancelIntents(svc intake.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body cancelIntentsRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &body); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		var (
			n   int64
			err error
		)
		if body.Kind != nil {
			n, err = svc.CancelKind(r.Context(), *body.Kind)
		} else {
			n, err = svc.CancelAll(r.Context())
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"cancelled": n})
	}
}

// AdminAuditList answers "did we notify this person" with cursor paging.
func AdminAuditList(svc audit.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := validators.NewQuery(r)
		params := audit.ListQuery{
			Recipient: q.String("recipient"),
			Limit:     q.Int("limit", pagination.DefaultLimit, 1, pagination.MaxLimit),
			Cursor:    q.String("cursor"),
		}
		if err := q.Err(); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.List(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

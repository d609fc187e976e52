package audit

import (
	"context"

	"github.com/angelmondragon/tabsplit-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/tabsplit-backend/pkg/errors"
	"github.com/angelmondragon/tabsplit-backend/pkg/mailer"
	"github.com/angelmondragon/tabsplit-backend/pkg/pagination"
)

// Service answers "did we notify this person" lookups for operators.
type Service interface {
	List(ctx context.Context, params ListQuery) (*ListResult, error)
}

type ListQuery struct {
	Recipient string
	Limit     int
	Cursor    string
}

type ListResult struct {
	Items  []models.DeliveryAudit `json:"items"`
	Cursor string                 `json:"cursor"`
}

type service struct {
	repo Repository
}

// NewService wires audit dependencies.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "audit repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) List(ctx context.Context, params ListQuery) (*ListResult, error) {
	recipient, err := mailer.NormalizeAddress(params.Recipient)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "recipient required")
	}

	query := ListParams{Recipient: recipient, Limit: params.Limit}
	if params.Cursor != "" {
		cursor, err := pagination.ParseCursor(params.Cursor)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		query.Cursor = cursor
	}

	rows, next, err := s.repo.ListByRecipient(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list audit records")
	}

	cursor := ""
	if next != nil {
		cursor = pagination.EncodeCursor(*next)
	}
	if rows == nil {
		rows = []models.DeliveryAudit{}
	}
	return &ListResult{Items: rows, Cursor: cursor}, nil
}

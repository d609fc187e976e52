package optout

import (
	"context"
	"time"

	pkgerrors "github.com/angelmondragon/tabsplit-backend/pkg/errors"
	"github.com/angelmondragon/tabsplit-backend/pkg/mailer"
)

// Checker answers whether a recipient currently refuses email. Intake and
// the delivery worker depend on this narrow surface.
type Checker interface {
	IsOptedOut(ctx context.Context, recipient string) (bool, error)
}

// Service manages recipient opt-outs.
type Service interface {
	Checker
	Set(ctx context.Context, recipient string, optedOut bool) error
}

type service struct {
	repo Repository
	now  func() time.Time
}

// NewService wires opt-out dependencies.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "opt-out repository required")
	}
	return &service{repo: repo, now: time.Now}, nil
}

func (s *service) IsOptedOut(ctx context.Context, recipient string) (bool, error) {
	normalized, err := mailer.NormalizeAddress(recipient)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid recipient")
	}
	opted, err := s.repo.IsOptedOut(ctx, normalized)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup opt-out")
	}
	return opted, nil
}

func (s *service) Set(ctx context.Context, recipient string, optedOut bool) error {
	normalized, err := mailer.NormalizeAddress(recipient)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid recipient")
	}
	if err := s.repo.Set(ctx, normalized, optedOut, s.now().UTC()); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store opt-out")
	}
	return nil
}

package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/tabsplit-backend/internal/audit"
	"github.com/angelmondragon/tabsplit-backend/internal/digest"
	"github.com/angelmondragon/tabsplit-backend/internal/intents"
	"github.com/angelmondragon/tabsplit-backend/internal/optout"
	"github.com/angelmondragon/tabsplit-backend/pkg/db"
	"github.com/angelmondragon/tabsplit-backend/pkg/db/models"
	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/tabsplit-backend/pkg/errors"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/mailer"
	"github.com/angelmondragon/tabsplit-backend/pkg/metrics"
	"github.com/angelmondragon/tabsplit-backend/pkg/payloads"
)

// Outcome describes what a submission did to the pending store.
type Outcome string

const (
	OutcomeInserted   Outcome = "inserted"
	OutcomeMerged     Outcome = "merged"
	OutcomeSuppressed Outcome = "suppressed"
)

// SubmitParams is one producer submission.
type SubmitParams struct {
	Recipient     string
	SubjectUserID *uuid.UUID
	ContextID     int64
	Payload       payloads.IntentPayload
}

type SubmitResult struct {
	IntentID uuid.UUID `json:"intentId,omitempty"`
	Outcome  Outcome   `json:"outcome"`
	ReadyAt  time.Time `json:"readyAt,omitempty"`
}

// Service accepts notification intents and exposes the operator surface of
// the pending store.
type Service interface {
	Submit(ctx context.Context, params SubmitParams) (SubmitResult, error)
	CancelIntent(ctx context.Context, id uuid.UUID) error
	CancelAll(ctx context.Context) (int64, error)
	CancelKind(ctx context.Context, kind enums.NotificationKind) (int64, error)
	PendingCounts(ctx context.Context) (map[enums.NotificationKind]int64, error)
}

// submitAttempts bounds retries after a lost merge-or-insert race.
const submitAttempts = 2

type ServiceParams struct {
	Tx          db.TxRunner
	Intents     intents.Repository
	Audit       audit.Repository
	OptOut      optout.Checker
	Logger      *logger.Logger
	Metrics     *metrics.PipelineMetrics
	Window      time.Duration
	CheckOptOut bool
	Now         func() time.Time
}

type service struct {
	tx          db.TxRunner
	intents     intents.Repository
	audit       audit.Repository
	optOut      optout.Checker
	logg        *logger.Logger
	metrics     *metrics.PipelineMetrics
	window      time.Duration
	checkOptOut bool
	now         func() time.Time
}

// NewService validates dependencies and builds the intake service.
func NewService(params ServiceParams) (Service, error) {
	if params.Tx == nil {
		return nil, errors.New("transaction runner is required")
	}
	if params.Intents == nil {
		return nil, errors.New("intent repository is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Window <= 0 {
		return nil, errors.New("window must be positive")
	}
	if params.CheckOptOut && (params.OptOut == nil || params.Audit == nil) {
		return nil, errors.New("opt-out checker and audit repository are required when intake opt-out checks are enabled")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		tx:          params.Tx,
		intents:     params.Intents,
		audit:       params.Audit,
		optOut:      params.OptOut,
		logg:        params.Logger,
		metrics:     params.Metrics,
		window:      params.Window,
		checkOptOut: params.CheckOptOut,
		now:         now,
	}, nil
}

func (s *service) Submit(ctx context.Context, params SubmitParams) (SubmitResult, error) {
	recipient, err := mailer.NormalizeAddress(params.Recipient)
	if err != nil {
		return SubmitResult{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid recipient")
	}
	if params.ContextID <= 0 {
		return SubmitResult{}, pkgerrors.New(pkgerrors.CodeValidation, "context id must be positive")
	}
	if err := params.Payload.Validate(); err != nil {
		return SubmitResult{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payload")
	}
	params.Recipient = recipient
	kind := params.Payload.Kind

	ctx = s.logg.WithRecipient(ctx, recipient)
	ctx = s.logg.WithContextID(ctx, params.ContextID)

	if suppressed, err := s.suppressIfOptedOut(ctx, params); err != nil {
		s.metrics.IncIntake(string(kind), "error")
		return SubmitResult{}, err
	} else if suppressed {
		s.metrics.IncIntake(string(kind), string(OutcomeSuppressed))
		return SubmitResult{Outcome: OutcomeSuppressed}, nil
	}

	var result SubmitResult
	for attempt := 1; ; attempt++ {
		result, err = s.mergeOrInsert(ctx, params)
		if err == nil {
			break
		}
		// Two producers raced past the lookup; the loser retries and merges.
		if attempt < submitAttempts && (db.IsUniqueViolation(err, models.PendingEntityIndex) || errors.Is(err, intents.ErrAlreadyConsumed)) {
			s.logg.Warn(ctx, "intake merge race detected, retrying")
			continue
		}
		s.metrics.IncIntake(string(kind), "error")
		return SubmitResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store notification intent")
	}

	s.metrics.IncIntake(string(kind), string(result.Outcome))
	return result, nil
}

func (s *service) mergeOrInsert(ctx context.Context, params SubmitParams) (SubmitResult, error) {
	now := s.now().UTC()
	readyAt := now.Add(s.window)
	var result SubmitResult

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.intents.WithTx(tx)

		entityKey := params.Payload.EntityKey()
		if entityKey != "" {
			existing, err := repo.FindPendingForUpdate(ctx, intents.Key{
				Recipient: params.Recipient,
				ContextID: params.ContextID,
				Kind:      params.Payload.Kind,
				EntityKey: entityKey,
			})
			switch {
			case err == nil:
				merged := mergePayload(existing.IntentPayload(), params.Payload)
				existing.Payload = datatypes.NewJSONType(merged)
				existing.ReadyAt = readyAt
				existing.UpdatedAt = now
				if err := repo.SaveMerge(ctx, existing); err != nil {
					return err
				}
				result = SubmitResult{IntentID: existing.ID, Outcome: OutcomeMerged, ReadyAt: readyAt}
				return nil
			case !errors.Is(err, intents.ErrNotFound):
				return fmt.Errorf("lookup pending intent: %w", err)
			}
		}

		row := &models.NotificationIntent{
			Recipient:     params.Recipient,
			SubjectUserID: params.SubjectUserID,
			ContextID:     params.ContextID,
			Kind:          params.Payload.Kind,
			Payload:       datatypes.NewJSONType(params.Payload.Clone()),
			CreatedAt:     now,
			UpdatedAt:     now,
			ReadyAt:       readyAt,
		}
		if entityKey != "" {
			row.EntityKey = &entityKey
		}
		if err := repo.Create(ctx, row); err != nil {
			return err
		}
		result = SubmitResult{IntentID: row.ID, Outcome: OutcomeInserted, ReadyAt: readyAt}
		return nil
	})
	return result, err
}

// suppressIfOptedOut performs the optional early opt-out check. A lookup
// failure is logged and ignored because the worker re-checks before sending.
func (s *service) suppressIfOptedOut(ctx context.Context, params SubmitParams) (bool, error) {
	if !s.checkOptOut || !params.Payload.Kind.Sendable() {
		return false, nil
	}
	opted, err := s.optOut.IsOptedOut(ctx, params.Recipient)
	if err != nil {
		s.logg.Warn(ctx, "intake opt-out lookup failed; deferring to send-time check")
		return false, nil
	}
	if !opted {
		return false, nil
	}

	entry := audit.Entry{
		Recipient: params.Recipient,
		ContextID: params.ContextID,
		Kind:      params.Payload.Kind,
		Subject:   digest.SubjectFor(params.Payload.Kind, params.Payload.ContextName),
	}
	if _, err := s.audit.RecordSuppressed(ctx, entry, "recipient opted out", s.now().UTC()); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record suppressed notification")
	}
	s.logg.Info(ctx, "notification suppressed at intake: recipient opted out")
	return true, nil
}

func (s *service) CancelIntent(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "intent id required")
	}
	n, err := s.intents.Cancel(ctx, intents.CancelFilter{ID: &id}, s.now().UTC())
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel intent")
	}
	if n == 0 {
		if _, err := s.intents.Get(ctx, id); errors.Is(err, intents.ErrNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "intent not found")
		} else if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load intent")
		}
		return pkgerrors.New(pkgerrors.CodeStateConflict, "intent already consumed")
	}
	s.logg.Info(s.logg.WithField(ctx, "intent_id", id.String()), "pending intent cancelled")
	return nil
}

func (s *service) CancelAll(ctx context.Context) (int64, error) {
	n, err := s.intents.Cancel(ctx, intents.CancelFilter{}, s.now().UTC())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel pending intents")
	}
	s.logg.Info(s.logg.WithField(ctx, "cancelled", n), "all pending intents cancelled")
	return n, nil
}

func (s *service) CancelKind(ctx context.Context, kind enums.NotificationKind) (int64, error) {
	if !kind.IsValid() {
		return 0, pkgerrors.Newf(pkgerrors.CodeValidation, "invalid notification kind %q", kind)
	}
	n, err := s.intents.Cancel(ctx, intents.CancelFilter{Kind: &kind}, s.now().UTC())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel pending intents by kind")
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{"kind": kind, "cancelled": n}), "pending intents cancelled by kind")
	return n, nil
}

func (s *service) PendingCounts(ctx context.Context) (map[enums.NotificationKind]int64, error) {
	counts, err := s.intents.CountPendingByKind(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count pending intents")
	}
	return counts, nil
}

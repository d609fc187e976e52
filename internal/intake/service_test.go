package intake

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/tabsplit-backend/internal/audit"
	"github.com/angelmondragon/tabsplit-backend/internal/intents"
	"github.com/angelmondragon/tabsplit-backend/internal/optout"
	"github.com/angelmondragon/tabsplit-backend/pkg/db"
	"github.com/angelmondragon/tabsplit-backend/pkg/db/dbtest"
	"github.com/angelmondragon/tabsplit-backend/pkg/db/models"
	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/tabsplit-backend/pkg/errors"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/payloads"
)

const window = 10 * time.Minute

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock {
	return &clock{now: time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)}
}

type harness struct {
	svc     Service
	db      *gorm.DB
	intents intents.Repository
	audit   audit.Repository
	optOuts optout.Service
	clock   *clock
}

func newHarness(t *testing.T, checkOptOut bool) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	clk := newClock()
	intentRepo := intents.NewRepository(conn)
	auditRepo := audit.NewRepository(conn)
	optSvc, err := optout.NewService(optout.NewRepository(conn))
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		Tx:          db.NewFromGorm(conn),
		Intents:     intentRepo,
		Audit:       auditRepo,
		OptOut:      optSvc,
		Logger:      logger.Discard(),
		Window:      window,
		CheckOptOut: checkOptOut,
		Now:         clk.Now,
	})
	require.NoError(t, err)
	return &harness{svc: svc, db: conn, intents: intentRepo, audit: auditRepo, optOuts: optSvc, clock: clk}
}

func activitySubmit(contextID int64, entity string, mutate func(*payloads.ActivityPayload)) SubmitParams {
	a := &payloads.ActivityPayload{EntityID: entity, Action: enums.ActivityActionEdited}
	if mutate != nil {
		mutate(a)
	}
	return SubmitParams{
		Recipient: "Ana@Example.com",
		ContextID: contextID,
		Payload:   payloads.IntentPayload{Kind: enums.NotificationKindActivitySummary, ContextName: "Lisbon trip", Activity: a},
	}
}

func pendingRows(t *testing.T, conn *gorm.DB) []models.NotificationIntent {
	t.Helper()
	var rows []models.NotificationIntent
	require.NoError(t, conn.Where("consumed = ?", false).Order("created_at ASC").Find(&rows).Error)
	return rows
}

func TestSubmitMergesSameEntity(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	first, err := h.svc.Submit(ctx, activitySubmit(1, "42", func(a *payloads.ActivityPayload) {
		a.Action = enums.ActivityActionCreated
		a.Description = "Dinner"
		amt := decimal.NewFromInt(120)
		a.Amount = &amt
		a.Balance = &payloads.BalanceSnapshot{Direction: enums.BalanceDirectionOwes, Amount: decimal.NewFromInt(60), CapturedAt: h.clock.now}
	}))
	require.NoError(t, err)
	require.Equal(t, OutcomeInserted, first.Outcome)

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
		captured := h.clock.now
		res, err := h.svc.Submit(ctx, activitySubmit(1, "42", func(a *payloads.ActivityPayload) {
			a.Changes = []string{"amount: 120→150", fmt.Sprintf("note %d", i%2)}
			a.Balance = &payloads.BalanceSnapshot{Direction: enums.BalanceDirectionOwes, Amount: decimal.NewFromInt(int64(70 + i)), CapturedAt: captured}
		}))
		require.NoError(t, err)
		require.Equal(t, OutcomeMerged, res.Outcome)
		require.Equal(t, first.IntentID, res.IntentID)
	}

	rows := pendingRows(t, h.db)
	require.Len(t, rows, 1)
	p := rows[0].IntentPayload()
	require.Equal(t, "ana@example.com", rows[0].Recipient)
	require.Equal(t, enums.ActivityActionCreated, p.Activity.Action)
	require.Equal(t, "Dinner", p.Activity.Description)
	require.True(t, p.Activity.Amount.Equal(decimal.NewFromInt(120)))
	require.Equal(t, []string{"amount: 120→150", "note 0", "note 1"}, p.Activity.Changes)
	require.True(t, p.Activity.Balance.Amount.Equal(decimal.NewFromInt(72)))
}

func TestSubmitSlidesWindowOnMerge(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, activitySubmit(1, "9", nil))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		h.clock.Advance(window / 2)
		ready, err := h.intents.FetchReady(ctx, h.clock.now, 0)
		require.NoError(t, err)
		require.Empty(t, ready, "burst should keep deferring the flush")

		res, err := h.svc.Submit(ctx, activitySubmit(1, "9", nil))
		require.NoError(t, err)
		require.True(t, res.ReadyAt.Equal(h.clock.now.Add(window)))
	}

	h.clock.Advance(window)
	ready, err := h.intents.FetchReady(ctx, h.clock.now, 0)
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestSubmitIsolatesContextsAndUnkeyedIntents(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, activitySubmit(1, "42", nil))
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, activitySubmit(2, "42", nil))
	require.NoError(t, err)

	invite := SubmitParams{
		Recipient: "ana@example.com",
		ContextID: 1,
		Payload:   payloads.IntentPayload{Kind: enums.NotificationKindInvitation, Invitation: &payloads.InvitationPayload{InviterName: "Bo"}},
	}
	for i := 0; i < 2; i++ {
		res, err := h.svc.Submit(ctx, invite)
		require.NoError(t, err)
		require.Equal(t, OutcomeInserted, res.Outcome)
	}

	require.Len(t, pendingRows(t, h.db), 4)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	bad := []SubmitParams{
		{Recipient: "nope", ContextID: 1, Payload: activitySubmit(1, "1", nil).Payload},
		{Recipient: "ana@example.com", ContextID: 0, Payload: activitySubmit(1, "1", nil).Payload},
		{Recipient: "ana@example.com", ContextID: 1, Payload: payloads.IntentPayload{Kind: enums.NotificationKindInvitation}},
		{Recipient: "ana@example.com", ContextID: 1, Payload: payloads.IntentPayload{Kind: "gossip", Marker: &payloads.MarkerPayload{}}},
	}
	for _, params := range bad {
		_, err := h.svc.Submit(ctx, params)
		require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "%+v", params)
	}
}

func TestSubmitSuppressesOptedOutRecipient(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.optOuts.Set(ctx, "ana@example.com", true))

	res, err := h.svc.Submit(ctx, activitySubmit(1, "42", nil))
	require.NoError(t, err)
	require.Equal(t, OutcomeSuppressed, res.Outcome)
	require.Empty(t, pendingRows(t, h.db))

	var audits []models.DeliveryAudit
	require.NoError(t, h.db.Find(&audits).Error)
	require.Len(t, audits, 1)
	require.Equal(t, enums.AuditStatusCancelled, audits[0].Status)
	require.Nil(t, audits[0].JobID)
	require.Equal(t, "New activity in Lisbon trip", audits[0].Subject)
}

func TestAdminCancelOperations(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	a, err := h.svc.Submit(ctx, activitySubmit(1, "1", nil))
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, activitySubmit(1, "2", nil))
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, SubmitParams{
		Recipient: "bo@example.com",
		ContextID: 1,
		Payload:   payloads.IntentPayload{Kind: enums.NotificationKindInvitation, Invitation: &payloads.InvitationPayload{}},
	})
	require.NoError(t, err)

	counts, err := h.svc.PendingCounts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, counts[enums.NotificationKindActivitySummary])
	require.EqualValues(t, 1, counts[enums.NotificationKindInvitation])
	require.EqualValues(t, 0, counts[enums.NotificationKindCompletion])

	require.NoError(t, h.svc.CancelIntent(ctx, a.IntentID))
	err = h.svc.CancelIntent(ctx, a.IntentID)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
	err = h.svc.CancelIntent(ctx, uuid.New())
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	n, err := h.svc.CancelKind(ctx, enums.NotificationKindInvitation)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = h.svc.CancelAll(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Empty(t, pendingRows(t, h.db))

	cancelled, err := h.intents.Get(ctx, a.IntentID)
	require.NoError(t, err)
	require.True(t, cancelled.Consumed)
	require.NotNil(t, cancelled.CancelledAt)
	require.Nil(t, cancelled.ResultingDeliveryID)
}

// racingRepo makes the first insert lose a unique-index race, then finds the
// winner's row on the retry.
type racingRepo struct {
	intents.Repository
	inserts  int
	merged   int
	existing *models.NotificationIntent
}

func (r *racingRepo) WithTx(*gorm.DB) intents.Repository { return r }

func (r *racingRepo) FindPendingForUpdate(context.Context, intents.Key) (*models.NotificationIntent, error) {
	if r.existing == nil {
		return nil, intents.ErrNotFound
	}
	return r.existing, nil
}

func (r *racingRepo) Create(_ context.Context, row *models.NotificationIntent) error {
	r.inserts++
	winner := *row
	winner.ID = uuid.New()
	r.existing = &winner
	return fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: models.PendingEntityIndex})
}

func (r *racingRepo) SaveMerge(context.Context, *models.NotificationIntent) error {
	r.merged++
	return nil
}

type inlineTx struct{}

func (inlineTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error { return fn(nil) }

func TestSubmitRetriesAfterUniqueViolation(t *testing.T) {
	repo := &racingRepo{}
	svc, err := NewService(ServiceParams{Tx: inlineTx{}, Intents: repo, Logger: logger.Discard(), Window: window})
	require.NoError(t, err)

	res, err := svc.Submit(context.Background(), activitySubmit(1, "42", nil))
	require.NoError(t, err)
	require.Equal(t, OutcomeMerged, res.Outcome)
	require.Equal(t, 1, repo.inserts)
	require.Equal(t, 1, repo.merged)
}

type failingService struct{ Service }

func (failingService) Submit(context.Context, SubmitParams) (SubmitResult, error) {
	return SubmitResult{}, errors.New("store unavailable")
}

func TestNotifierSwallowsFailures(t *testing.T) {
	n := NewNotifier(failingService{}, logger.Discard())
	require.False(t, n.Notify(context.Background(), activitySubmit(1, "1", nil)))

	var nilNotifier *Notifier
	require.False(t, nilNotifier.Notify(context.Background(), SubmitParams{}))

	h := newHarness(t, false)
	require.True(t, NewNotifier(h.svc, logger.Discard()).Notify(context.Background(), activitySubmit(1, "1", nil)))
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
	_, err = NewService(ServiceParams{Tx: inlineTx{}, Intents: &racingRepo{}, Logger: logger.Discard(), Window: window, CheckOptOut: true})
	require.Error(t, err)
}

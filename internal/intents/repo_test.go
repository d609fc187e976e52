package intents

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/angelmondragon/tabsplit-backend/pkg/db"
	"github.com/angelmondragon/tabsplit-backend/pkg/db/dbtest"
	"github.com/angelmondragon/tabsplit-backend/pkg/db/models"
	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
	"github.com/angelmondragon/tabsplit-backend/pkg/payloads"
)

var base = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func pending(recipient string, contextID int64, entity string, created time.Time) *models.NotificationIntent {
	p := payloads.IntentPayload{
		Kind:     enums.NotificationKindActivitySummary,
		Activity: &payloads.ActivityPayload{EntityID: entity, Action: enums.ActivityActionEdited},
	}
	row := &models.NotificationIntent{
		Recipient: recipient,
		ContextID: contextID,
		Kind:      p.Kind,
		Payload:   datatypes.NewJSONType(p),
		CreatedAt: created,
		UpdatedAt: created,
		ReadyAt:   created.Add(10 * time.Minute),
	}
	if entity != "" {
		row.EntityKey = &entity
	}
	return row
}

func TestPendingEntityUniqueness(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))

	require.NoError(t, repo.Create(ctx, pending("ana@example.com", 1, "42", base)))

	err := repo.Create(ctx, pending("ana@example.com", 1, "42", base))
	require.Error(t, err)
	require.True(t, db.IsUniqueViolation(err, models.PendingEntityIndex))

	// unkeyed intents and other contexts are never deduplicated
	require.NoError(t, repo.Create(ctx, pending("ana@example.com", 1, "", base)))
	require.NoError(t, repo.Create(ctx, pending("ana@example.com", 1, "", base)))
	require.NoError(t, repo.Create(ctx, pending("ana@example.com", 2, "42", base)))

	found, err := repo.FindPendingForUpdate(ctx, Key{Recipient: "ana@example.com", ContextID: 1, Kind: enums.NotificationKindActivitySummary, EntityKey: "42"})
	require.NoError(t, err)
	require.Equal(t, int64(1), found.ContextID)

	_, err = repo.FindPendingForUpdate(ctx, Key{Recipient: "bo@example.com", ContextID: 1, Kind: enums.NotificationKindActivitySummary, EntityKey: "42"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConsumedRowFreesEntitySlot(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))

	first := pending("ana@example.com", 1, "42", base)
	require.NoError(t, repo.Create(ctx, first))

	n, err := repo.ConsumeGroup(ctx, []uuid.UUID{first.ID}, nil, first.ReadyAt)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, repo.Create(ctx, pending("ana@example.com", 1, "42", base.Add(time.Minute))))

	first.ReadyAt = base.Add(time.Hour)
	require.ErrorIs(t, repo.SaveMerge(ctx, first), ErrAlreadyConsumed)
}

func TestFetchReadyOrdersAndLimits(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))

	late := pending("ana@example.com", 1, "b", base.Add(time.Minute))
	early := pending("bo@example.com", 1, "a", base)
	notYet := pending("ana@example.com", 2, "c", base.Add(time.Hour))
	for _, row := range []*models.NotificationIntent{late, early, notYet} {
		require.NoError(t, repo.Create(ctx, row))
	}

	now := base.Add(30 * time.Minute)
	rows, err := repo.FetchReady(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, early.ID, rows[0].ID)
	require.Equal(t, late.ID, rows[1].ID)

	rows, err = repo.FetchReady(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	delivery := uuid.New()
	n, err := repo.ConsumeGroup(ctx, []uuid.UUID{early.ID, late.ID}, &delivery, now)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = repo.ConsumeGroup(ctx, []uuid.UUID{early.ID}, &delivery, now)
	require.NoError(t, err)
	require.Zero(t, n)

	rows, err = repo.FetchReady(ctx, now, 0)
	require.NoError(t, err)
	require.Empty(t, rows)

	got, err := repo.Get(ctx, late.ID)
	require.NoError(t, err)
	require.Equal(t, delivery, *got.ResultingDeliveryID)
}

func TestDeleteConsumedBefore(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))

	old := pending("ana@example.com", 1, "a", base)
	fresh := pending("ana@example.com", 1, "b", base)
	open := pending("ana@example.com", 1, "c", base)
	for _, row := range []*models.NotificationIntent{old, fresh, open} {
		require.NoError(t, repo.Create(ctx, row))
	}
	_, err := repo.ConsumeGroup(ctx, []uuid.UUID{old.ID}, nil, old.ReadyAt)
	require.NoError(t, err)
	_, err = repo.ConsumeGroup(ctx, []uuid.UUID{fresh.ID}, nil, base.Add(48*time.Hour))
	require.NoError(t, err)

	n, err := repo.DeleteConsumedBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = repo.Get(ctx, old.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = repo.Get(ctx, open.ID)
	require.NoError(t, err)
}

func TestLockReadyAndConsumeSkipMergedRows(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))

	due := pending("ana@example.com", 1, "a", base)
	merged := pending("ana@example.com", 1, "b", base)
	for _, row := range []*models.NotificationIntent{due, merged} {
		require.NoError(t, repo.Create(ctx, row))
	}
	now := base.Add(10 * time.Minute)

	merged.ReadyAt = now.Add(10 * time.Minute)
	merged.UpdatedAt = now
	require.NoError(t, repo.SaveMerge(ctx, merged))

	rows, err := repo.LockReady(ctx, []uuid.UUID{due.ID, merged.ID}, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, due.ID, rows[0].ID)

	n, err := repo.ConsumeGroup(ctx, []uuid.UUID{due.ID, merged.ID}, nil, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "a row whose window was extended stays pending")

	got, err := repo.Get(ctx, merged.ID)
	require.NoError(t, err)
	require.False(t, got.Consumed)
}

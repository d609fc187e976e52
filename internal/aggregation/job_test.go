package aggregation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/tabsplit-backend/internal/audit"
	"github.com/angelmondragon/tabsplit-backend/internal/delivery"
	"github.com/angelmondragon/tabsplit-backend/internal/intake"
	"github.com/angelmondragon/tabsplit-backend/internal/intents"
	"github.com/angelmondragon/tabsplit-backend/internal/optout"
	"github.com/angelmondragon/tabsplit-backend/pkg/config"
	"github.com/angelmondragon/tabsplit-backend/pkg/db"
	"github.com/angelmondragon/tabsplit-backend/pkg/db/dbtest"
	"github.com/angelmondragon/tabsplit-backend/pkg/db/models"
	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/mailer"
	"github.com/angelmondragon/tabsplit-backend/pkg/payloads"
)

const window = 10 * time.Minute

type pipeline struct {
	conn    *gorm.DB
	now     time.Time
	intake  intake.Service
	intents intents.Repository
	queue   delivery.Queue
	audit   audit.Repository
	optOuts optout.Service
	job     *Job
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	conn := dbtest.Open(t)
	p := &pipeline{
		conn:    conn,
		now:     time.Date(2024, 7, 1, 18, 0, 0, 0, time.UTC),
		intents: intents.NewRepository(conn),
		queue:   delivery.NewQueue(conn),
		audit:   audit.NewRepository(conn),
	}
	clock := func() time.Time { return p.now }

	var err error
	p.optOuts, err = optout.NewService(optout.NewRepository(conn))
	require.NoError(t, err)
	p.intake, err = intake.NewService(intake.ServiceParams{
		Tx:          db.NewFromGorm(conn),
		Intents:     p.intents,
		Audit:       p.audit,
		OptOut:      p.optOuts,
		Logger:      logger.Discard(),
		Window:      window,
		CheckOptOut: true,
		Now:         clock,
	})
	require.NoError(t, err)
	p.job, err = NewJob(JobParams{
		Logger:      logger.Discard(),
		DB:          db.NewFromGorm(conn),
		Intents:     p.intents,
		Queue:       p.queue,
		MaxAttempts: 3,
		Now:         clock,
	})
	require.NoError(t, err)
	return p
}

func (p *pipeline) submit(t *testing.T, recipient string, contextID int64, payload payloads.IntentPayload) {
	t.Helper()
	_, err := p.intake.Submit(context.Background(), intake.SubmitParams{Recipient: recipient, ContextID: contextID, Payload: payload})
	require.NoError(t, err)
	p.now = p.now.Add(time.Second)
}

func edit(entity string, changes ...string) payloads.IntentPayload {
	return payloads.IntentPayload{
		Kind:        enums.NotificationKindActivitySummary,
		ContextName: "Lisbon trip",
		Activity:    &payloads.ActivityPayload{EntityID: entity, Action: enums.ActivityActionEdited, Changes: changes},
	}
}

func marker() payloads.IntentPayload {
	return payloads.IntentPayload{Kind: enums.NotificationKindMarker, Marker: &payloads.MarkerPayload{Reason: "resync"}}
}

func (p *pipeline) jobs(t *testing.T) []models.DeliveryJob {
	t.Helper()
	var rows []models.DeliveryJob
	require.NoError(t, p.conn.Order("created_at ASC, recipient ASC").Find(&rows).Error)
	return rows
}

func TestRunOnceWaitsForWindow(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.submit(t, "ana@example.com", 1, edit("42", "amount"))

	p.now = p.now.Add(window - time.Second)
	res, err := p.job.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Fetched)
	require.Empty(t, p.jobs(t))
}

func TestRunOnceBuildsOneDigestPerRecipientContext(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	p.submit(t, "ana@example.com", 1, edit("42", "amount: 10→12"))
	p.submit(t, "ana@example.com", 1, edit("42", "payer: Bo"))
	p.submit(t, "ana@example.com", 1, edit("43", "date"))
	p.submit(t, "ana@example.com", 2, edit("42", "amount"))
	p.submit(t, "bo@example.com", 1, marker())

	p.now = p.now.Add(window)
	res, err := p.job.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Fetched: 4, Enqueued: 2, Skipped: 1}, res)

	jobs := p.jobs(t)
	require.Len(t, jobs, 2)
	byContext := map[int64]models.DeliveryJob{}
	for _, job := range jobs {
		require.Equal(t, "ana@example.com", job.Recipient)
		require.Equal(t, enums.DeliveryJobStateQueued, job.State)
		require.Equal(t, 3, job.MaxAttempts)
		require.Equal(t, enums.NotificationKindActivitySummary, job.Kind)
		byContext[job.ContextID] = job
	}
	first := byContext[1].Digest()
	require.Len(t, first.Edited, 2)
	require.Equal(t, []string{"amount: 10→12", "payer: Bo"}, first.Edited[0].Changes)
	require.Equal(t, 2, first.IntentCount)

	var rows []models.NotificationIntent
	require.NoError(t, p.conn.Find(&rows).Error)
	require.Len(t, rows, 4)
	for _, row := range rows {
		require.True(t, row.Consumed)
		require.NotNil(t, row.ConsumedAt)
		if row.Kind == enums.NotificationKindMarker {
			require.Nil(t, row.ResultingDeliveryID)
			continue
		}
		require.NotNil(t, row.ResultingDeliveryID)
		require.Equal(t, byContext[row.ContextID].ID, *row.ResultingDeliveryID)
	}

	res, err = p.job.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Fetched)
	require.Len(t, p.jobs(t), 2)
}

func TestSubmissionAfterTickStartsNewBatch(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	p.submit(t, "ana@example.com", 1, edit("42", "first"))
	p.now = p.now.Add(window)
	_, err := p.job.RunOnce(ctx)
	require.NoError(t, err)

	p.submit(t, "ana@example.com", 1, edit("42", "second"))
	p.now = p.now.Add(window)
	res, err := p.job.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Enqueued)

	jobs := p.jobs(t)
	require.Len(t, jobs, 2)
	require.Equal(t, []string{"second"}, jobs[1].Digest().Edited[0].Changes)
}

// racyIntents reports one fewer consumed row than requested, as if another
// scheduler instance had claimed a member of the group.
type racyIntents struct {
	intents.Repository
}

func (r racyIntents) WithTx(tx *gorm.DB) intents.Repository {
	return racyIntents{Repository: r.Repository.WithTx(tx)}
}

func (r racyIntents) ConsumeGroup(ctx context.Context, ids []uuid.UUID, deliveryID *uuid.UUID, now time.Time) (int64, error) {
	n, err := r.Repository.ConsumeGroup(ctx, ids, deliveryID, now)
	return n - 1, err
}

func TestRacedGroupRollsBack(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.submit(t, "ana@example.com", 1, edit("42", "amount"))
	p.now = p.now.Add(window)

	job, err := NewJob(JobParams{
		Logger:      logger.Discard(),
		DB:          db.NewFromGorm(p.conn),
		Intents:     racyIntents{Repository: p.intents},
		Queue:       p.queue,
		MaxAttempts: 3,
		Now:         func() time.Time { return p.now },
	})
	require.NoError(t, err)

	res, err := job.RunOnce(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrGroupRaced))
	require.Equal(t, 1, res.Failed)
	require.Empty(t, p.jobs(t))

	ready, err := p.intents.FetchReady(ctx, p.now, 0)
	require.NoError(t, err)
	require.Len(t, ready, 1, "rolled back intents stay pending")
}

// mergeAfterFetch runs a submission between the scheduler's fetch and its
// settle, the window in which intake can still merge into a fetched row.
type mergeAfterFetch struct {
	intents.Repository
	afterFetch func()
}

func (r mergeAfterFetch) FetchReady(ctx context.Context, now time.Time, limit int) ([]models.NotificationIntent, error) {
	rows, err := r.Repository.FetchReady(ctx, now, limit)
	if err == nil && r.afterFetch != nil {
		r.afterFetch()
	}
	return rows, err
}

func TestMergeAfterFetchIsNotLost(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.submit(t, "ana@example.com", 1, edit("42", "amount: 10→12"))
	p.now = p.now.Add(window)

	job, err := NewJob(JobParams{
		Logger:      logger.Discard(),
		DB:          db.NewFromGorm(p.conn),
		MaxAttempts: 3,
		Queue:       p.queue,
		Intents: mergeAfterFetch{
			Repository: p.intents,
			afterFetch: func() { p.submit(t, "ana@example.com", 1, edit("42", "payer: Bo")) },
		},
		Now: func() time.Time { return p.now },
	})
	require.NoError(t, err)

	res, err := job.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Fetched: 1, Skipped: 1}, res)
	require.Empty(t, p.jobs(t), "a row merged after the fetch waits for its extended window")

	var row models.NotificationIntent
	require.NoError(t, p.conn.Take(&row).Error)
	require.False(t, row.Consumed)
	require.Equal(t, []string{"amount: 10→12", "payer: Bo"}, row.IntentPayload().Activity.Changes)

	p.now = p.now.Add(window)
	res, err = p.job.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Enqueued)

	jobs := p.jobs(t)
	require.Len(t, jobs, 1)
	require.Equal(t, []string{"amount: 10→12", "payer: Bo"}, jobs[0].Digest().Edited[0].Changes)
}

func TestCreatedThenEditedChargeYieldsOneCreatedEntry(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	amount := decimal.NewFromInt(120)

	p.submit(t, "ana@example.com", 1, payloads.IntentPayload{
		Kind:        enums.NotificationKindActivitySummary,
		ContextName: "Lisbon trip",
		Activity: &payloads.ActivityPayload{
			EntityID:    "42",
			Action:      enums.ActivityActionCreated,
			Description: "Dinner",
			Amount:      &amount,
			Currency:    "EUR",
		},
	})
	p.submit(t, "ana@example.com", 1, edit("42", "amount: 120→150"))

	p.now = p.now.Add(window)
	res, err := p.job.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Enqueued)

	jobs := p.jobs(t)
	require.Len(t, jobs, 1)
	d := jobs[0].Digest()
	require.Len(t, d.Created, 1)
	require.Equal(t, "42", d.Created[0].EntityID)
	require.Equal(t, "Dinner", d.Created[0].Description)
	require.NotNil(t, d.Created[0].Amount)
	require.True(t, d.Created[0].Amount.Equal(amount))
	require.Empty(t, d.Edited)

	var rows []models.NotificationIntent
	require.NoError(t, p.conn.Find(&rows).Error)
	require.NotEmpty(t, rows)
	for _, row := range rows {
		require.True(t, row.Consumed)
		require.NotNil(t, row.ResultingDeliveryID)
		require.Equal(t, jobs[0].ID, *row.ResultingDeliveryID)
	}
}

type flakySender struct {
	failures int
	calls    int
}

func (s *flakySender) Send(context.Context, mailer.Message) (string, error) {
	s.calls++
	if s.calls <= s.failures {
		return "", errors.New("451 temporary local problem")
	}
	return "<ok@test>", nil
}

func TestPipelineDeliversOneDigestDespiteTransientFailures(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	p.submit(t, "Ana@Example.com", 1, edit("42", "amount: 10→12"))
	p.submit(t, "ana@example.com", 1, edit("42", "payer: Bo"))
	p.submit(t, "ana@example.com", 1, payloads.IntentPayload{
		Kind:     enums.NotificationKindActivitySummary,
		Activity: &payloads.ActivityPayload{EntityID: "77", Action: enums.ActivityActionCreated, Description: "Museum tickets"},
	})

	p.now = p.now.Add(window)
	res, err := p.job.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Enqueued)

	sender := &flakySender{failures: 2}
	worker, err := delivery.NewWorker(delivery.WorkerParams{
		Queue:  p.queue,
		Audit:  p.audit,
		OptOut: p.optOuts,
		Sender: sender,
		Logger: logger.Discard(),
		Config: config.DeliveryConfig{MaxAttempts: 3, BackoffBase: time.Second, BackoffFactor: 2, BackoffMax: time.Minute, SendTimeout: time.Second, Lease: time.Minute},
		Now:    func() time.Time { return p.now },
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		processed, err := worker.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)
		p.now = p.now.Add(time.Hour)
	}
	processed, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.False(t, processed)

	var audits []models.DeliveryAudit
	require.NoError(t, p.conn.Find(&audits).Error)
	require.Len(t, audits, 1)
	require.Equal(t, enums.AuditStatusSent, audits[0].Status)
	require.Equal(t, 3, audits[0].Attempts)
	require.Equal(t, "ana@example.com", audits[0].Recipient)
	require.Equal(t, 3, sender.calls)
}

func TestOptedOutRecipientNeverReachesQueue(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	require.NoError(t, p.optOuts.Set(ctx, "ana@example.com", true))

	p.submit(t, "ana@example.com", 1, edit("42", "amount"))
	p.now = p.now.Add(window)
	res, err := p.job.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Fetched)
	require.Empty(t, p.jobs(t))

	entries, _, err := p.audit.ListByRecipient(ctx, audit.ListParams{Recipient: "ana@example.com", Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, enums.AuditStatusCancelled, entries[0].Status)
}

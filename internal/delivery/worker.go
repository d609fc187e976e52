package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/tabsplit-backend/internal/audit"
	"github.com/angelmondragon/tabsplit-backend/internal/digest"
	"github.com/angelmondragon/tabsplit-backend/internal/optout"
	"github.com/angelmondragon/tabsplit-backend/pkg/config"
	"github.com/angelmondragon/tabsplit-backend/pkg/db/models"
	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/mailer"
	"github.com/angelmondragon/tabsplit-backend/pkg/metrics"
)

const (
	defaultWorkers      = 4
	defaultPollInterval = time.Second
	defaultSendTimeout  = 15 * time.Second
	defaultLease        = 2 * time.Minute
	maxIdleBackoff      = 30 * time.Second
	jitterWindow        = 250 * time.Millisecond
)

// Outcome is what a single processed job ended as.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

type WorkerParams struct {
	Queue   Queue
	Audit   audit.Repository
	OptOut  optout.Checker
	Sender  mailer.Sender
	Logger  *logger.Logger
	Metrics *metrics.PipelineMetrics
	Config  config.DeliveryConfig
	Now     func() time.Time
}

// Worker drains the delivery queue with a fixed pool of goroutines.
type Worker struct {
	queue   Queue
	audit   audit.Repository
	optOut  optout.Checker
	sender  mailer.Sender
	logg    *logger.Logger
	metrics *metrics.PipelineMetrics
	backoff Backoff
	now     func() time.Time

	workers      int
	pollInterval time.Duration
	sendTimeout  time.Duration
	lease        time.Duration

	jitterMu sync.Mutex
	jitter   *rand.Rand
}

func NewWorker(params WorkerParams) (*Worker, error) {
	if params.Queue == nil {
		return nil, errors.New("delivery queue is required")
	}
	if params.Audit == nil {
		return nil, errors.New("audit repository is required")
	}
	if params.OptOut == nil {
		return nil, errors.New("opt-out checker is required")
	}
	if params.Sender == nil {
		return nil, errors.New("mail sender is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}

	cfg := params.Config
	w := &Worker{
		queue:   params.Queue,
		audit:   params.Audit,
		optOut:  params.OptOut,
		sender:  params.Sender,
		logg:    params.Logger,
		metrics: params.Metrics,
		backoff: Backoff{Base: cfg.BackoffBase, Factor: cfg.BackoffFactor, Max: cfg.BackoffMax},
		now:     params.Now,

		workers:      orDefault(cfg.Workers, defaultWorkers),
		pollInterval: orDefaultDuration(cfg.PollInterval, defaultPollInterval),
		sendTimeout:  orDefaultDuration(cfg.SendTimeout, defaultSendTimeout),
		lease:        orDefaultDuration(cfg.Lease, defaultLease),
		jitter:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.lease <= w.sendTimeout {
		return nil, fmt.Errorf("lease %s must exceed send timeout %s", w.lease, w.sendTimeout)
	}
	return w, nil
}

// Run blocks until ctx is cancelled or a worker fails fatally.
func (w *Worker) Run(ctx context.Context) error {
	w.logg.Info(w.logg.WithField(ctx, "workers", w.workers), "delivery worker pool starting")

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		slot := i
		group.Go(func() error {
			return w.loop(w.logg.WithField(ctx, "worker", slot))
		})
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	backoff := w.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logg.Error(ctx, "delivery worker iteration failed", err)
			backoff = nextIdleBackoff(backoff, w.pollInterval)
			if err := sleep(ctx, w.withJitter(backoff)); err != nil {
				return err
			}
			continue
		}
		backoff = w.pollInterval
		if processed {
			continue
		}
		if err := sleep(ctx, w.withJitter(w.pollInterval)); err != nil {
			return err
		}
	}
}

// ProcessNext claims and handles one job. It reports false when the queue
// had nothing due.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx, w.now().UTC(), w.lease)
	if err != nil {
		return false, fmt.Errorf("dequeue delivery job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	_, err = w.Handle(ctx, job)
	return true, err
}

// Handle runs one claimed job through opt-out, render, send and the
// resulting audit and queue transitions.
func (w *Worker) Handle(ctx context.Context, job *models.DeliveryJob) (Outcome, error) {
	ctx = w.logg.WithJobID(ctx, job.ID.String())
	ctx = w.logg.WithFields(ctx, map[string]any{
		"kind":    job.Kind,
		"attempt": job.Attempt,
	})
	ctx = w.logg.WithContextID(ctx, job.ContextID)

	d := job.Digest()
	subject := digest.Subject(d)
	now := w.now().UTC()

	entry := audit.Entry{
		JobID:     &job.ID,
		Recipient: job.Recipient,
		ContextID: job.ContextID,
		Kind:      job.Kind,
		Subject:   subject,
	}
	row, err := w.audit.EnsurePending(ctx, entry, now)
	if err != nil {
		return "", fmt.Errorf("ensure audit row: %w", err)
	}
	if row.Status.IsTerminal() {
		return w.settleRecorded(ctx, job, row.Status, now)
	}
	if _, err := w.audit.Transition(ctx, job.ID, audit.Change{Status: enums.AuditStatusSending, Attempts: job.Attempt, At: now}); err != nil {
		return "", fmt.Errorf("mark audit sending: %w", err)
	}

	opted, err := w.optOut.IsOptedOut(ctx, job.Recipient)
	if err != nil {
		return w.transientFailure(ctx, job, fmt.Errorf("opt-out lookup: %w", err))
	}
	if opted {
		return w.cancel(ctx, job)
	}

	msg := mailer.Message{To: job.Recipient, Subject: subject, Body: digest.Body(d)}
	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	started := time.Now()
	providerID, sendErr := w.sender.Send(sendCtx, msg)
	cancel()
	w.metrics.ObserveSend(time.Since(started))

	switch {
	case sendErr == nil:
		return w.succeed(ctx, job, providerID)
	case mailer.IsPermanent(sendErr):
		return w.permanentFailure(ctx, job, sendErr)
	default:
		return w.transientFailure(ctx, job, sendErr)
	}
}

// settleRecorded closes a job whose audit row already holds an outcome, as
// when a worker died between recording it and settling the job. Nothing is
// sent again.
func (w *Worker) settleRecorded(ctx context.Context, job *models.DeliveryJob, status enums.AuditStatus, now time.Time) (Outcome, error) {
	ctx = w.logg.WithField(ctx, "audit_status", status)
	var (
		outcome Outcome
		err     error
	)
	switch status {
	case enums.AuditStatusFailed:
		outcome = OutcomeFailed
		err = w.queue.Fail(ctx, job.ID, now, errors.New("audit already failed"))
	case enums.AuditStatusCancelled:
		outcome = OutcomeCancelled
		err = w.queue.Complete(ctx, job.ID, now)
	default:
		outcome = OutcomeSent
		err = w.queue.Complete(ctx, job.ID, now)
	}
	if err != nil {
		return "", w.settleError(ctx, "settle recorded", err)
	}
	w.logg.Warn(ctx, "redelivered job already settled in audit; not sending")
	return outcome, nil
}

func (w *Worker) succeed(ctx context.Context, job *models.DeliveryJob, providerID string) (Outcome, error) {
	now := w.now().UTC()
	if _, err := w.audit.Transition(ctx, job.ID, audit.Change{
		Status:            enums.AuditStatusSent,
		Attempts:          job.Attempt,
		At:                now,
		ProviderMessageID: providerID,
	}); err != nil {
		return "", fmt.Errorf("mark audit sent: %w", err)
	}
	if err := w.queue.Complete(ctx, job.ID, now); err != nil {
		return "", w.settleError(ctx, "complete", err)
	}
	w.metrics.IncDelivery(string(OutcomeSent))
	w.logg.Info(w.logg.WithField(ctx, "provider_message_id", providerID), "digest delivered")
	return OutcomeSent, nil
}

func (w *Worker) cancel(ctx context.Context, job *models.DeliveryJob) (Outcome, error) {
	now := w.now().UTC()
	if _, err := w.audit.Transition(ctx, job.ID, audit.Change{
		Status:      enums.AuditStatusCancelled,
		Attempts:    job.Attempt,
		At:          now,
		ErrorDetail: "recipient opted out",
	}); err != nil {
		return "", fmt.Errorf("mark audit cancelled: %w", err)
	}
	if err := w.queue.Complete(ctx, job.ID, now); err != nil {
		return "", w.settleError(ctx, "complete", err)
	}
	w.metrics.IncDelivery(string(OutcomeCancelled))
	w.logg.Info(ctx, "delivery cancelled: recipient opted out")
	return OutcomeCancelled, nil
}

func (w *Worker) permanentFailure(ctx context.Context, job *models.DeliveryJob, cause error) (Outcome, error) {
	now := w.now().UTC()
	if _, err := w.audit.Transition(ctx, job.ID, audit.Change{
		Status:      enums.AuditStatusFailed,
		Attempts:    job.Attempt,
		At:          now,
		ErrorDetail: cause.Error(),
	}); err != nil {
		return "", fmt.Errorf("mark audit failed: %w", err)
	}
	if err := w.queue.Fail(ctx, job.ID, now, cause); err != nil {
		return "", w.settleError(ctx, "fail", err)
	}
	w.metrics.IncDelivery(string(OutcomeFailed))
	w.logg.Warn(w.logg.WithField(ctx, "error", cause.Error()), "delivery failed permanently")
	return OutcomeFailed, nil
}

func (w *Worker) transientFailure(ctx context.Context, job *models.DeliveryJob, cause error) (Outcome, error) {
	if job.Exhausted() {
		return w.permanentFailure(ctx, job, fmt.Errorf("max attempts reached: %w", cause))
	}

	now := w.now().UTC()
	if _, err := w.audit.Transition(ctx, job.ID, audit.Change{
		Status:      enums.AuditStatusPending,
		Attempts:    job.Attempt,
		At:          now,
		ErrorDetail: cause.Error(),
	}); err != nil {
		return "", fmt.Errorf("mark audit retrying: %w", err)
	}
	next := now.Add(w.backoff.Delay(job.Attempt))
	if err := w.queue.Retry(ctx, job.ID, now, next, cause); err != nil {
		return "", w.settleError(ctx, "retry", err)
	}
	w.metrics.IncDelivery(string(OutcomeRetry))
	w.logg.Warn(w.logg.WithFields(ctx, map[string]any{
		"error":      cause.Error(),
		"next_retry": next.Format(time.RFC3339),
	}), "delivery attempt failed; rescheduled")
	return OutcomeRetry, nil
}

// settleError reports a lost lease as a warning; any other queue error is
// returned so the loop backs off.
func (w *Worker) settleError(ctx context.Context, op string, err error) error {
	if errors.Is(err, ErrJobNotFound) {
		w.logg.Warn(w.logg.WithField(ctx, "op", op), "delivery job lease lost before settle")
		return nil
	}
	return fmt.Errorf("%s delivery job: %w", op, err)
}

func (w *Worker) withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	w.jitterMu.Lock()
	defer w.jitterMu.Unlock()
	return d + time.Duration(w.jitter.Int63n(int64(jitterWindow)))
}

func nextIdleBackoff(current, base time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > maxIdleBackoff {
		return maxIdleBackoff
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/notify"
	"taskline/internal/repo"
)

// Engine implements the task-assignment lifecycle: race-free claims,
// deadline-gated submissions, owner review, and the shared reassignment
// policy used by both rejection and timeout handling. All cross-actor
// coordination goes through the store's version-guarded conditional writes.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Notify notify.Notifier
	Logger zerolog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, n notify.Notifier, logger zerolog.Logger) Engine {
	if n == nil {
		n = notify.Nop{}
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Notify: n,
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// TaskCreateOptions are parameters for posting a task.
type TaskCreateOptions struct {
	ID          string
	OwnerID     string
	Title       string
	Description string
}

// CreateTask posts a new task in open state on behalf of an owner.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.OwnerID == "" {
		return domain.Task{}, errors.New("owner is required")
	}
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowString()
	t := domain.Task{
		ID:          id,
		OwnerID:     opts.OwnerID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.StatusOpen,
		ReviewState: domain.ReviewNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ID, opts.OwnerID, events.EventPayload{"title": t.Title}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// Claim assigns the task exclusively to the worker. The decision is a single
// conditional write: of two racing claims exactly one matches the
// "open and unassigned" predicate; the loser gets ErrUnavailable and must
// re-query. No locking or queueing happens here.
func (e Engine) Claim(ctx context.Context, taskID, workerID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	w, err := e.Repo.GetWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, ErrWorkerNotEligible
		}
		return domain.Task{}, err
	}
	if !w.Approved {
		return domain.Task{}, ErrWorkerNotEligible
	}
	// A worker that already failed this task can never take it again.
	excluded, err := e.Repo.IsExcluded(ctx, taskID, workerID)
	if err != nil {
		return domain.Task{}, err
	}
	if excluded {
		return domain.Task{}, ErrUnavailable
	}
	if t.Status != domain.StatusOpen || t.AssignedWorker != nil {
		return domain.Task{}, ErrUnavailable
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.ClaimTask(ctx, tx, taskID, workerID, now); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return domain.Task{}, ErrUnavailable
		}
		return domain.Task{}, err
	}
	deadline := e.deadlineFrom(now)
	if err := e.Events.Append(ctx, tx, "task.claimed", taskID, workerID, events.EventPayload{"deadline": deadline}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	e.Notify.Publish(notify.Event{
		Type:        notify.WorkerAssigned,
		TaskID:      taskID,
		RecipientID: workerID,
		Deadline:    deadline,
	})
	return e.Repo.GetTask(ctx, taskID)
}

// SubmitDraft records the worker's deliverable, provided the worker still
// holds the task and the deadline has not passed. A late submission is
// treated exactly like a sweeper-detected timeout: the reassignment policy
// runs and the worker is told the deadline passed.
func (e Engine) SubmitDraft(ctx context.Context, taskID, workerID, content, url string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusAssigned || t.AssignedWorker == nil || *t.AssignedWorker != workerID {
		return domain.Task{}, ErrNotYours
	}
	if content == "" && url == "" {
		return domain.Task{}, ErrEmptySubmission
	}
	now := e.now()
	deadline, err := e.deadlineOf(t)
	if err != nil {
		return domain.Task{}, err
	}
	if now.After(deadline) {
		if _, rerr := e.reassign(ctx, t, "submission deadline exceeded", workerID); rerr != nil && !errors.Is(rerr, repo.ErrStale) {
			e.Logger.Error().Err(rerr).Str("task_id", taskID).Msg("reassign after late submission failed")
		}
		return domain.Task{}, ErrDeadlinePassed
	}

	nowStr := now.UTC().Format(time.RFC3339)
	expectedVersion, expectedStatus := t.Version, t.Status
	t.Submission = &domain.Submission{Content: content, URL: url, SubmittedAt: nowStr}
	t.Status = domain.StatusSubmitted
	t.ReviewState = domain.ReviewPending
	t.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTaskIf(ctx, tx, t, expectedVersion, expectedStatus); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return domain.Task{}, ErrConflict
		}
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.submitted", taskID, workerID, events.EventPayload{"url": url}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	e.Notify.Publish(notify.Event{
		Type:        notify.DraftSubmitted,
		TaskID:      taskID,
		RecipientID: t.OwnerID,
	})
	return e.Repo.GetTask(ctx, taskID)
}

// Review applies the owner's decision to a submitted task. Approval is
// terminal; rejection runs the shared reassignment policy.
func (e Engine) Review(ctx context.Context, taskID, ownerID, decision, reason string) (domain.ReviewResult, error) {
	if decision != domain.DecisionApprove && decision != domain.DecisionReject {
		return domain.ReviewResult{}, fmt.Errorf("decision must be %q or %q", domain.DecisionApprove, domain.DecisionReject)
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.ReviewResult{}, err
	}
	if t.OwnerID != ownerID {
		return domain.ReviewResult{}, ErrNotOwner
	}
	if t.Status != domain.StatusSubmitted {
		return domain.ReviewResult{}, ErrWrongState
	}

	if decision == domain.DecisionApprove {
		return e.approve(ctx, t, ownerID)
	}

	rejectedWorker := *t.AssignedWorker
	res, err := e.reassign(ctx, t, reason, ownerID)
	if err != nil {
		if errors.Is(err, repo.ErrStale) {
			return domain.ReviewResult{}, ErrConflict
		}
		return domain.ReviewResult{}, err
	}
	e.Notify.Publish(notify.Event{
		Type:        notify.DraftRejected,
		TaskID:      taskID,
		RecipientID: rejectedWorker,
		Reason:      reason,
	})
	return res, nil
}

func (e Engine) approve(ctx context.Context, t domain.Task, ownerID string) (domain.ReviewResult, error) {
	worker := *t.AssignedWorker
	nowStr := e.nowString()
	expectedVersion, expectedStatus := t.Version, t.Status
	t.Status = domain.StatusCompleted
	t.ReviewState = domain.ReviewAccepted
	t.AssignedWorker = nil
	t.AssignedAt = nil
	t.Submission = nil
	t.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTaskIf(ctx, tx, t, expectedVersion, expectedStatus); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return domain.ReviewResult{}, ErrConflict
		}
		return domain.ReviewResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.approved", t.ID, ownerID, events.EventPayload{"worker": worker}); err != nil {
		return domain.ReviewResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewResult{}, err
	}

	e.Notify.Publish(notify.Event{
		Type:        notify.DraftApproved,
		TaskID:      t.ID,
		RecipientID: worker,
	})
	t.Version = expectedVersion + 1
	return domain.ReviewResult{Outcome: domain.OutcomeCompleted, Task: t}, nil
}

// reassign is the shared policy run on rejection and on timeout: exclude the
// failed worker, bump attempts, then expire, hand the task to the best
// remaining worker, or reopen it. The final write is guarded by the version
// and status the caller read, so a concurrent review/sweep on the same task
// loses cleanly with repo.ErrStale instead of double-applying.
func (e Engine) reassign(ctx context.Context, t domain.Task, reason, actorID string) (domain.ReviewResult, error) {
	if t.AssignedWorker == nil {
		return domain.ReviewResult{}, fmt.Errorf("task %s has no assignee to reassign from", t.ID)
	}
	failed := *t.AssignedWorker
	nowStr := e.nowString()
	expectedVersion, expectedStatus := t.Version, t.Status

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.AddExcludedWorker(ctx, tx, t.ID, failed); err != nil {
		return domain.ReviewResult{}, err
	}
	t.Attempts++
	t.Submission = nil
	t.UpdatedAt = nowStr

	var (
		outcome   string
		newWorker *string
		evtType   string
		payload   events.EventPayload
	)
	switch {
	case t.Attempts >= e.Config.MaxAttempts():
		t.Status = domain.StatusExpired
		t.ReviewState = domain.ReviewRejected
		t.AssignedWorker = nil
		t.AssignedAt = nil
		outcome = domain.OutcomeExpired
		evtType = "task.expired"
		payload = events.EventPayload{"attempts": t.Attempts, "reason": reason}
	default:
		eligible, err := e.Repo.FindEligibleWorkersTx(ctx, tx, t.ID)
		if err != nil {
			return domain.ReviewResult{}, err
		}
		if len(eligible) == 0 {
			t.Status = domain.StatusOpen
			t.ReviewState = domain.ReviewNone
			t.AssignedWorker = nil
			t.AssignedAt = nil
			outcome = domain.OutcomeReopened
			evtType = "task.reopened"
			payload = events.EventPayload{"attempts": t.Attempts, "reason": reason}
		} else {
			next := eligible[0]
			t.Status = domain.StatusAssigned
			t.ReviewState = domain.ReviewNone
			t.AssignedWorker = &next.ID
			t.AssignedAt = &nowStr
			newWorker = &next.ID
			outcome = domain.OutcomeReassigned
			evtType = "task.reassigned"
			payload = events.EventPayload{"attempts": t.Attempts, "reason": reason, "worker": next.ID}
		}
	}

	if err := e.Repo.UpdateTaskIf(ctx, tx, t, expectedVersion, expectedStatus); err != nil {
		return domain.ReviewResult{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, t.ID, actorID, payload); err != nil {
		return domain.ReviewResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewResult{}, err
	}

	switch outcome {
	case domain.OutcomeExpired:
		e.Notify.Publish(notify.Event{
			Type:        notify.TaskExpired,
			TaskID:      t.ID,
			RecipientID: t.OwnerID,
			Reason:      reason,
		})
	case domain.OutcomeReopened:
		e.Notify.Publish(notify.Event{
			Type:        notify.TaskReopened,
			TaskID:      t.ID,
			RecipientID: t.OwnerID,
			Reason:      reason,
		})
	case domain.OutcomeReassigned:
		e.Notify.Publish(notify.Event{
			Type:        notify.WorkerAssigned,
			TaskID:      t.ID,
			RecipientID: *newWorker,
			Deadline:    e.deadlineFrom(nowStr),
		})
	}
	t.Version = expectedVersion + 1
	return domain.ReviewResult{Outcome: outcome, NewWorker: newWorker, Task: t}, nil
}

// SweepStats aggregates one sweep run.
type SweepStats struct {
	Scanned    int
	Reassigned int
	Reopened   int
	Expired    int
	Conflicts  int
	Errors     int
}

// SweepOnce finds assigned tasks past their submission deadline and runs each
// through the reassignment policy as an automatic owner-reject. Per-task
// failures are logged and never abort the rest of the batch; a version
// conflict means a review or late submission landed first and the task is
// skipped.
func (e Engine) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	cutoff := e.now().Add(-e.Config.SubmissionDeadline()).UTC().Format(time.RFC3339)
	stalled, err := e.Repo.ListStalledTasks(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("list stalled tasks: %w", err)
	}
	stats.Scanned = len(stalled)
	for _, t := range stalled {
		// The conditional write inside reassign is keyed on the version the
		// scan saw; anything that touches the task after the scan (a late
		// submission, a review) makes the sweep lose with ErrStale.
		res, err := e.reassign(ctx, t, "submission deadline exceeded", "sweeper")
		if err != nil {
			if errors.Is(err, repo.ErrStale) {
				stats.Conflicts++
				e.Logger.Warn().Str("task_id", t.ID).Msg("sweep: task mutated concurrently, skipping")
			} else {
				stats.Errors++
				e.Logger.Error().Err(err).Str("task_id", t.ID).Msg("sweep: reassign failed")
			}
			continue
		}
		switch res.Outcome {
		case domain.OutcomeReassigned:
			stats.Reassigned++
		case domain.OutcomeReopened:
			stats.Reopened++
		case domain.OutcomeExpired:
			stats.Expired++
		}
	}
	return stats, nil
}

func (e Engine) deadlineOf(t domain.Task) (time.Time, error) {
	if t.AssignedAt == nil {
		return time.Time{}, fmt.Errorf("task %s has no assignment timestamp", t.ID)
	}
	assignedAt, err := time.Parse(time.RFC3339, *t.AssignedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse assigned_at: %w", err)
	}
	return assignedAt.Add(e.Config.SubmissionDeadline()), nil
}

func (e Engine) deadlineFrom(assignedAt string) string {
	ts, err := time.Parse(time.RFC3339, assignedAt)
	if err != nil {
		return ""
	}
	return ts.Add(e.Config.SubmissionDeadline()).UTC().Format(time.RFC3339)
}

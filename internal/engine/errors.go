package engine

import "errors"

// Typed errors surfaced to callers. NotFound is repo.ErrNotFound passed
// through unchanged.
var (
	// ErrUnavailable means a claim lost the race or hit a task that is no
	// longer claimable. Callers must re-query; no automatic retry happens.
	ErrUnavailable = errors.New("task no longer available")

	// ErrConflict means a conditional write observed stale state: another
	// actor moved the task between the read and the write.
	ErrConflict = errors.New("task state changed concurrently")

	// ErrWorkerNotEligible rejects claims from unknown or unapproved workers.
	ErrWorkerNotEligible = errors.New("worker is not approved to take tasks")

	// ErrNotYours rejects submissions from anyone but the current assignee of
	// a task in assigned state.
	ErrNotYours = errors.New("task is not assigned to this worker")

	// ErrNotOwner rejects reviews from anyone but the task's owner.
	ErrNotOwner = errors.New("caller does not own this task")

	// ErrWrongState rejects reviews of tasks not awaiting one.
	ErrWrongState = errors.New("task is not awaiting review")

	// ErrDeadlinePassed is returned to a worker submitting after the cutoff.
	// The task has already been routed through the reassignment policy.
	ErrDeadlinePassed = errors.New("submission deadline passed")

	// ErrEmptySubmission rejects drafts with neither content nor url.
	ErrEmptySubmission = errors.New("submission requires content or a url")
)

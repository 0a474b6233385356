package server

import (
	"encoding/json"

	"taskline/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type SubmitDraftRequest struct {
	Content string `json:"content,omitempty"`
	URL     string `json:"url,omitempty"`
}

type ReviewRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
	Reason   string `json:"reason,omitempty"`
}

type UpsertWorkerRequest struct {
	Name     string   `json:"name,omitempty"`
	Rating   float64  `json:"rating,omitempty" minimum:"0" maximum:"5"`
	Skills   []string `json:"skills,omitempty"`
	Approved bool     `json:"approved,omitempty"`
}

// Response payloads

type SubmissionResponse struct {
	Content     string `json:"content,omitempty"`
	URL         string `json:"url,omitempty"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
}

type TaskResponse struct {
	ID              string              `json:"id"`
	OwnerID         string              `json:"owner_id"`
	Title           string              `json:"title"`
	Description     string              `json:"description,omitempty"`
	Status          string              `json:"status" enum:"open,assigned,submitted,completed,expired"`
	ReviewState     string              `json:"review_state" enum:"none,pending_review,accepted,rejected"`
	AssignedWorker  *string             `json:"assigned_worker,omitempty"`
	AssignedAt      *string             `json:"assigned_at,omitempty" format:"date-time"`
	Deadline        *string             `json:"deadline,omitempty" format:"date-time"`
	Submission      *SubmissionResponse `json:"submission,omitempty"`
	Attempts        int                 `json:"attempts"`
	ExcludedWorkers []string            `json:"excluded_workers"`
	CreatedAt       string              `json:"created_at" format:"date-time"`
	UpdatedAt       string              `json:"updated_at" format:"date-time"`
}

type ReviewResponse struct {
	Outcome   string       `json:"outcome" enum:"completed,reassigned,reopened,expired"`
	NewWorker *string      `json:"new_worker,omitempty"`
	Task      TaskResponse `json:"task"`
}

type WorkerResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Rating    float64  `json:"rating"`
	Skills    []string `json:"skills"`
	Approved  bool     `json:"approved"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

type StatusResponse struct {
	TaskCounts map[string]int `json:"task_counts"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskResponse(t domain.Task, deadline func(assignedAt string) string) TaskResponse {
	res := TaskResponse{
		ID:              t.ID,
		OwnerID:         t.OwnerID,
		Title:           t.Title,
		Description:     t.Description,
		Status:          t.Status,
		ReviewState:     t.ReviewState,
		AssignedWorker:  t.AssignedWorker,
		AssignedAt:      t.AssignedAt,
		Attempts:        t.Attempts,
		ExcludedWorkers: nonNilSlice(t.ExcludedWorkers),
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
	if t.Submission != nil {
		res.Submission = &SubmissionResponse{
			Content:     t.Submission.Content,
			URL:         t.Submission.URL,
			SubmittedAt: t.Submission.SubmittedAt,
		}
	}
	if t.Status == domain.StatusAssigned && t.AssignedAt != nil {
		if d := deadline(*t.AssignedAt); d != "" {
			res.Deadline = &d
		}
	}
	return res
}

func workerResponse(w domain.Worker) WorkerResponse {
	return WorkerResponse{
		ID:        w.ID,
		Name:      w.Name,
		Rating:    w.Rating,
		Skills:    nonNilSlice(w.Skills),
		Approved:  w.Approved,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		TaskID:  e.TaskID,
		ActorID: e.ActorID,
		Payload: decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

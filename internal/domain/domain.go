package domain

// Task statuses.
const (
	StatusOpen      = "open"
	StatusAssigned  = "assigned"
	StatusSubmitted = "submitted"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
)

// Review states. They mirror but are distinct from task status.
const (
	ReviewNone     = "none"
	ReviewPending  = "pending_review"
	ReviewAccepted = "accepted"
	ReviewRejected = "rejected"
)

type Task struct {
	ID              string      `json:"id"`
	OwnerID         string      `json:"owner_id"`
	Title           string      `json:"title"`
	Description     string      `json:"description,omitempty"`
	Status          string      `json:"status" enum:"open,assigned,submitted,completed,expired"`
	ReviewState     string      `json:"review_state" enum:"none,pending_review,accepted,rejected"`
	AssignedWorker  *string     `json:"assigned_worker,omitempty"`
	AssignedAt      *string     `json:"assigned_at,omitempty" format:"date-time"`
	Submission      *Submission `json:"submission,omitempty"`
	Attempts        int         `json:"attempts"`
	ExcludedWorkers []string    `json:"excluded_workers,omitempty"`
	Version         int64       `json:"version"`
	CreatedAt       string      `json:"created_at" format:"date-time"`
	UpdatedAt       string      `json:"updated_at" format:"date-time"`
}

type Submission struct {
	Content     string `json:"content,omitempty"`
	URL         string `json:"url,omitempty"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
}

type Worker struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Rating    float64  `json:"rating"`
	Skills    []string `json:"skills,omitempty"`
	Approved  bool     `json:"approved"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

// Review decisions and reassignment outcomes.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"

	OutcomeCompleted  = "completed"
	OutcomeReassigned = "reassigned"
	OutcomeReopened   = "reopened"
	OutcomeExpired    = "expired"
)

// ReviewResult reports what a review (or a forced timeout) did to the task.
type ReviewResult struct {
	Outcome   string  `json:"outcome" enum:"completed,reassigned,reopened,expired"`
	NewWorker *string `json:"new_worker,omitempty"`
	Task      Task    `json:"task"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

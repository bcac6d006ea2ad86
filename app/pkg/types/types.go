package types

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusInReview   TaskStatus = "IN_REVIEW"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusCancelled  TaskStatus = "CANCELLED"
)

// OpenStatuses are the non-terminal statuses counted as open workload.
var OpenStatuses = []TaskStatus{StatusPending, StatusInProgress, StatusInReview}

// IsTerminal reports whether the status excludes a task from open-task counts.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// NormalizeStatus maps free-form status text onto a known status, falling
// back to PENDING for anything unrecognized.
func NormalizeStatus(raw string) TaskStatus {
	switch TaskStatus(raw) {
	case StatusPending, StatusInProgress, StatusInReview, StatusCompleted, StatusCancelled:
		return TaskStatus(raw)
	default:
		return StatusPending
	}
}

// Skill is one declared capability of a team member.
type Skill struct {
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Level    int     `json:"level"` // 1-5
	Years    float64 `json:"years,omitempty"`
}

// Member is one roster entry inside a workload snapshot.
type Member struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Role          string  `json:"role"`
	Skills        []Skill `json:"skills"`
	OpenTaskCount int     `json:"open_task_count"`
}

// WorkloadSnapshot is a point-in-time read of the roster and its open
// workload. It is recomputed per triage run and never persisted.
type WorkloadSnapshot struct {
	Members []Member  `json:"members"`
	TakenAt time.Time `json:"taken_at"`
}

// Proposal is a candidate task extracted from free text, not yet committed.
type Proposal struct {
	TaskName          string   `json:"task_name"`
	TaskDescription   string   `json:"task_description"`
	SuggestedAssignee string   `json:"suggested_assignee_id,omitempty"` // member id; empty means "let the scorer pick"
	AssigneeName      string   `json:"suggested_assignee_name,omitempty"`
	DueDateRaw        string   `json:"due_date,omitempty"`
	CustomerHint      string   `json:"customer_hint,omitempty"`
	Tags              []string `json:"tags,omitempty"`
}

// ScoreResult is one candidate's ranking for a scoring run.
type ScoreResult struct {
	CandidateID     string   `json:"candidate_id"`
	CandidateName   string   `json:"candidate_name"`
	SkillMatchScore int      `json:"skill_match_score"`
	WorkloadPenalty int      `json:"workload_penalty"`
	RoleBonus       int      `json:"role_bonus"`
	FinalScore      int      `json:"final_score"`
	MatchingSkills  []string `json:"matching_skills,omitempty"`
}

// Task is the durable task record, joined with display names where loaded.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	AssigneeID   string     `json:"assignee_id,omitempty"`
	AssigneeName string     `json:"assignee_name,omitempty"`
	CustomerID   string     `json:"customer_id"`
	CustomerName string     `json:"customer_name,omitempty"`
	CreatorID    string     `json:"creator_id"`
	DueDate      time.Time  `json:"due_date,omitzero"`
	Tags         []string   `json:"tags,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ActivityTaskCreated is the activity type written with every task commit.
const ActivityTaskCreated = "TASK_CREATED"

// ActivityTaskUpdated is written with every task mutation outside creation.
const ActivityTaskUpdated = "TASK_UPDATED"

// Activity is one append-only audit row.
type Activity struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	ActorID   string    `json:"actor_id"`
	Type      string    `json:"type"`
	Metadata  string    `json:"metadata"` // JSON
	CreatedAt time.Time `json:"created_at"`
}

// Customer is a customer reference resolved or auto-created during commit.
type Customer struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	AutoCreated bool      `json:"auto_created"`
	CreatedAt   time.Time `json:"created_at"`
}

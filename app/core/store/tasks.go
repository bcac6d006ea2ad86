package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"opsdesk/app/pkg/types"
)

var (
	// ErrInvalidIdentifier means a blank required id reached the commit
	// boundary. The transaction never starts.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrAssigneeNotFound  = errors.New("assignee not found")
	ErrCustomerNotFound  = errors.New("customer not found")
	ErrTaskNotFound      = errors.New("task not found")
)

// classifyTxError tags deadline expiry anywhere in a transaction as the
// retryable ErrStorageTimeout; other failures pass through unchanged.
func classifyTxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStorageTimeout, err)
	}
	return err
}

func beginTxError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: begin %s: %v", ErrStorageTimeout, op, err)
	}
	return fmt.Errorf("%w: begin %s: %v", ErrStorageUnavailable, op, err)
}

type Store struct {
	db *DB
}

func NewStore(database *DB) *Store {
	return &Store{db: database}
}

// CommitRequest is the input to the atomic task commit.
type CommitRequest struct {
	Title       string
	Description string
	AssigneeID  string
	RequesterID string
	// CustomerID holds an id, or a display name when ResolveCustomerByName
	// is set. Id-based resolution never auto-creates.
	CustomerID            string
	ResolveCustomerByName bool
	DueDateRaw            string
	Tags                  []string
}

// CommitTask creates the task row, its TASK_CREATED activity, and any tag
// associations as a single transaction. Any failure after identifier
// validation rolls the whole unit back.
func (s *Store) CommitTask(ctx context.Context, req CommitRequest) (types.Task, types.Activity, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled Task"
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		return types.Task{}, types.Activity{}, fmt.Errorf("%w: requester id is blank", ErrInvalidIdentifier)
	}
	if strings.TrimSpace(req.AssigneeID) == "" {
		return types.Task{}, types.Activity{}, fmt.Errorf("%w: assignee id is blank", ErrInvalidIdentifier)
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		return types.Task{}, types.Activity{}, fmt.Errorf("%w: customer id is blank", ErrInvalidIdentifier)
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return types.Task{}, types.Activity{}, beginTxError("commit", err)
	}
	defer tx.Rollback()

	var assigneeName string
	err = tx.QueryRowContext(ctx, `SELECT name FROM members WHERE id = ?`, req.AssigneeID).Scan(&assigneeName)
	if err == sql.ErrNoRows {
		return types.Task{}, types.Activity{}, fmt.Errorf("%w: %s", ErrAssigneeNotFound, req.AssigneeID)
	}
	if err != nil {
		return types.Task{}, types.Activity{}, classifyTxError(err)
	}

	customer, err := resolveCustomer(ctx, tx, req.CustomerID, req.ResolveCustomerByName)
	if err != nil {
		return types.Task{}, types.Activity{}, classifyTxError(err)
	}

	now := time.Now().UTC()
	task := types.Task{
		ID:           "task-" + uuid.NewString(),
		Title:        title,
		Description:  req.Description,
		Status:       types.StatusPending,
		AssigneeID:   req.AssigneeID,
		AssigneeName: assigneeName,
		CustomerID:   customer.ID,
		CustomerName: customer.Name,
		CreatorID:    req.RequesterID,
		DueDate:      parseDueDate(req.DueDateRaw),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var dueDate sql.NullInt64
	if !task.DueDate.IsZero() {
		dueDate = sql.NullInt64{Int64: task.DueDate.Unix(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks (id, title, description, status, assignee_id, customer_id, creator_id, due_date, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, string(task.Status), task.AssigneeID, task.CustomerID, task.CreatorID, dueDate, now.Unix(), now.Unix())
	if err != nil {
		return types.Task{}, types.Activity{}, classifyTxError(err)
	}

	for _, tag := range req.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		tagID, err := resolveTag(ctx, tx, tag)
		if err != nil {
			return types.Task{}, types.Activity{}, classifyTxError(err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_tags (task_id, tag_id) VALUES (?, ?)`, task.ID, tagID); err != nil {
			return types.Task{}, types.Activity{}, classifyTxError(err)
		}
		task.Tags = append(task.Tags, tag)
	}

	activity, err := insertActivity(ctx, tx, task.ID, req.RequesterID, types.ActivityTaskCreated, map[string]string{
		"title":         task.Title,
		"assignee_name": task.AssigneeName,
		"customer_name": task.CustomerName,
	})
	if err != nil {
		return types.Task{}, types.Activity{}, classifyTxError(err)
	}

	if err := tx.Commit(); err != nil {
		return types.Task{}, types.Activity{}, classifyTxError(err)
	}
	return task, activity, nil
}

func resolveCustomer(ctx context.Context, tx *sql.Tx, ref string, byName bool) (types.Customer, error) {
	ref = strings.TrimSpace(ref)
	if !byName {
		var customer types.Customer
		err := tx.QueryRowContext(ctx, `SELECT id, name, auto_created FROM customers WHERE id = ?`, ref).
			Scan(&customer.ID, &customer.Name, &customer.AutoCreated)
		if err == sql.ErrNoRows {
			return types.Customer{}, fmt.Errorf("%w: %s", ErrCustomerNotFound, ref)
		}
		if err != nil {
			return types.Customer{}, err
		}
		return customer, nil
	}

	var customer types.Customer
	err := tx.QueryRowContext(ctx, `SELECT id, name, auto_created FROM customers WHERE name = ? COLLATE NOCASE ORDER BY created_at ASC LIMIT 1`, ref).
		Scan(&customer.ID, &customer.Name, &customer.AutoCreated)
	if err == nil {
		return customer, nil
	}
	if err != sql.ErrNoRows {
		return types.Customer{}, err
	}

	customer = types.Customer{
		ID:          "cust-" + uuid.NewString(),
		Name:        ref,
		AutoCreated: true,
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO customers (id, name, auto_created, created_at) VALUES (?, ?, 1, ?)`,
		customer.ID, customer.Name, time.Now().Unix())
	if err != nil {
		return types.Customer{}, err
	}
	return customer, nil
}

func resolveTag(ctx context.Context, tx *sql.Tx, name string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ? COLLATE NOCASE`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}
	id = "tag-" + uuid.NewString()
	if _, err := tx.ExecContext(ctx, `INSERT INTO tags (id, name) VALUES (?, ?)`, id, name); err != nil {
		return "", err
	}
	return id, nil
}

func insertActivity(ctx context.Context, tx *sql.Tx, taskID, actorID, activityType string, fields map[string]string) (types.Activity, error) {
	metadata := "{}"
	for key, value := range fields {
		var err error
		metadata, err = sjson.Set(metadata, key, value)
		if err != nil {
			return types.Activity{}, err
		}
	}

	activity := types.Activity{
		ID:        "act-" + uuid.NewString(),
		TaskID:    taskID,
		ActorID:   actorID,
		Type:      activityType,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO activities (id, task_id, actor_id, type, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		activity.ID, activity.TaskID, activity.ActorID, activity.Type, activity.Metadata, activity.CreatedAt.Unix())
	if err != nil {
		return types.Activity{}, err
	}
	return activity, nil
}

// dueDateLayouts are tried in order; an unparseable string leaves the due
// date empty rather than failing the commit.
var dueDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"01/02/2006",
	"Jan 2, 2006",
}

func parseDueDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range dueDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// UpdateTaskStatus mutates the task status and writes the TASK_UPDATED
// activity in the same transaction.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID, actorID string, status types.TaskStatus) (types.Task, types.Activity, error) {
	if strings.TrimSpace(taskID) == "" || strings.TrimSpace(actorID) == "" {
		return types.Task{}, types.Activity{}, fmt.Errorf("%w: task or actor id is blank", ErrInvalidIdentifier)
	}
	status = types.NormalizeStatus(string(status))

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return types.Task{}, types.Activity{}, beginTxError("update", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().Unix(), taskID)
	if err != nil {
		return types.Task{}, types.Activity{}, classifyTxError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.Task{}, types.Activity{}, err
	}
	if affected == 0 {
		return types.Task{}, types.Activity{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	activity, err := insertActivity(ctx, tx, taskID, actorID, types.ActivityTaskUpdated, map[string]string{
		"status": string(status),
	})
	if err != nil {
		return types.Task{}, types.Activity{}, classifyTxError(err)
	}
	if err := tx.Commit(); err != nil {
		return types.Task{}, types.Activity{}, classifyTxError(err)
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return types.Task{}, types.Activity{}, err
	}
	return task, activity, nil
}

const taskSelect = `
SELECT t.id, t.title, t.description, t.status,
	COALESCE(t.assignee_id, ''), COALESCE(m.name, ''),
	t.customer_id, COALESCE(c.name, ''),
	t.creator_id, COALESCE(t.due_date, 0), t.created_at, t.updated_at
FROM tasks t
LEFT JOIN members m ON m.id = t.assignee_id
LEFT JOIN customers c ON c.id = t.customer_id`

func scanTask(row interface{ Scan(...interface{}) error }) (types.Task, error) {
	var (
		t                             types.Task
		dueDate, createdAt, updatedAt int64
		status                        string
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status,
		&t.AssigneeID, &t.AssigneeName,
		&t.CustomerID, &t.CustomerName,
		&t.CreatorID, &dueDate, &createdAt, &updatedAt)
	if err != nil {
		return types.Task{}, err
	}
	t.Status = types.TaskStatus(status)
	if dueDate > 0 {
		t.DueDate = time.Unix(dueDate, 0).UTC()
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (types.Task, error) {
	task, err := scanTask(s.db.Conn().QueryRowContext(ctx, taskSelect+` WHERE t.id = ?`, taskID))
	if err == sql.ErrNoRows {
		return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return types.Task{}, err
	}

	rows, err := s.db.Conn().QueryContext(ctx, `SELECT g.name FROM task_tags tt JOIN tags g ON g.id = tt.tag_id WHERE tt.task_id = ? ORDER BY g.name ASC`, taskID)
	if err != nil {
		return types.Task{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return types.Task{}, err
		}
		task.Tags = append(task.Tags, tag)
	}
	return task, rows.Err()
}

func (s *Store) ListTasks(ctx context.Context, limit int) ([]types.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Conn().QueryContext(ctx, taskSelect+` ORDER BY t.updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	items := make([]types.Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, task)
	}
	return items, rows.Err()
}

// ListActivities returns the append-only audit trail for one task in
// insertion order.
func (s *Store) ListActivities(ctx context.Context, taskID string, limit int) ([]types.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT id, task_id, actor_id, type, COALESCE(metadata, '{}'), created_at FROM activities WHERE task_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list activities: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	items := make([]types.Activity, 0, limit)
	for rows.Next() {
		var (
			a         types.Activity
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.ActorID, &a.Type, &a.Metadata, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		items = append(items, a)
	}
	return items, rows.Err()
}

// AddCustomer inserts a customer record directly, used by the CRUD layer.
func (s *Store) AddCustomer(ctx context.Context, customer types.Customer) (types.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return types.Customer{}, fmt.Errorf("customer name is required")
	}
	if strings.TrimSpace(customer.ID) == "" {
		customer.ID = "cust-" + uuid.NewString()
	}
	auto := 0
	if customer.AutoCreated {
		auto = 1
	}
	_, err := s.db.Conn().ExecContext(ctx, `INSERT INTO customers (id, name, auto_created, created_at) VALUES (?, ?, ?, ?)`,
		customer.ID, customer.Name, auto, time.Now().Unix())
	if err != nil {
		return types.Customer{}, err
	}
	return customer, nil
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"giftflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier abstracts *sql.DB and *sql.Tx so task reads can run either
// standalone or inside the completion transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const taskColumns = `id,donation_id,participant_id,campaign_id,donor_id,type,title,description,assigned_to,assigned_role,status,priority,order_index,metadata_json,completion_json,created_at,updated_at,completed_at,completed_by`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var donationID, participantID, description, assignedTo, metadataJSON, completionJSON, completedAt, completedBy sql.NullString
	err := scan(&t.ID, &donationID, &participantID, &t.CampaignID, &t.DonorID, &t.Type, &t.Title, &description,
		&assignedTo, &t.AssignedRole, &t.Status, &t.Priority, &t.Order, &metadataJSON, &completionJSON,
		&t.CreatedAt, &t.UpdatedAt, &completedAt, &completedBy)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if donationID.Valid {
		t.DonationID = &donationID.String
	}
	if participantID.Valid {
		t.ParticipantID = &participantID.String
	}
	if description.Valid {
		t.Description = description.String
	}
	if assignedTo.Valid {
		t.AssignedTo = &assignedTo.String
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &t.Metadata); err != nil {
			return t, fmt.Errorf("task %s metadata: %w", t.ID, err)
		}
	}
	if completionJSON.Valid {
		t.Completion = &completionJSON.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if completedBy.Valid {
		t.CompletedBy = &completedBy.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`,envelope_id,valuation_id)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullableStringPtr(t.DonationID), nullableStringPtr(t.ParticipantID), t.CampaignID, t.DonorID,
		string(t.Type), t.Title, nullable(t.Description), nullableStringPtr(t.AssignedTo), string(t.AssignedRole),
		string(t.Status), string(t.Priority), t.Order, string(metadataJSON), nullableStringPtr(t.Completion),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt), nullableStringPtr(t.CompletedBy),
		nullable(t.Metadata.EnvelopeID()), nullable(t.Metadata.ValuationID()))
	if err != nil {
		return err
	}
	for _, dep := range t.Dependencies {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, t.ID, dep); err != nil {
			return err
		}
	}
	return nil
}

// UpdateTask persists mutable task fields. The envelope_id and valuation_id
// lookup columns are kept in step with the metadata bag.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET assigned_to=?, status=?, priority=?, metadata_json=?, envelope_id=?, valuation_id=?, completion_json=?, updated_at=?, completed_at=?, completed_by=? WHERE id=?`,
		nullableStringPtr(t.AssignedTo), string(t.Status), string(t.Priority), string(metadataJSON),
		nullable(t.Metadata.EnvelopeID()), nullable(t.Metadata.ValuationID()),
		nullableStringPtr(t.Completion), t.UpdatedAt, nullableStringPtr(t.CompletedAt), nullableStringPtr(t.CompletedBy), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id)
}

func (r Repo) getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	t.Dependencies, err = r.listDeps(ctx, q, t.ID)
	return t, err
}

func (r Repo) listDeps(ctx context.Context, q querier, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// ListTaskDependencies returns the dependency ids of one task.
func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	return r.listDeps(ctx, r.DB, taskID)
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func scopeClause(scope domain.Scope) (string, any) {
	if scope.DonationID != "" {
		return "donation_id=?", scope.DonationID
	}
	return "participant_id=?", scope.ParticipantID
}

// ListScopeTasks loads every task in a workflow scope ordered by position.
func (r Repo) ListScopeTasks(ctx context.Context, scope domain.Scope) ([]domain.Task, error) {
	return r.listScopeTasks(ctx, r.DB, scope)
}

// ListScopeTasksTx is the in-transaction variant used by the completion
// engine so the unblocking scan sees the freshest committed state.
func (r Repo) ListScopeTasksTx(ctx context.Context, tx *sql.Tx, scope domain.Scope) ([]domain.Task, error) {
	return r.listScopeTasks(ctx, tx, scope)
}

func (r Repo) listScopeTasks(ctx context.Context, q querier, scope domain.Scope) ([]domain.Task, error) {
	clause, arg := scopeClause(scope)
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+clause+` ORDER BY order_index ASC, id ASC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Dependencies, err = r.listDeps(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// CountScopeTasks reports how many tasks exist in a scope; the factory uses
// it to detect prior seeding.
func (r Repo) CountScopeTasks(ctx context.Context, tx *sql.Tx, scope domain.Scope) (int, error) {
	clause, arg := scopeClause(scope)
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE `+clause, arg).Scan(&n)
	return n, err
}

// DeleteScopeTasks removes all tasks in a scope, for workflow reset only.
func (r Repo) DeleteScopeTasks(ctx context.Context, tx *sql.Tx, scope domain.Scope) error {
	clause, arg := scopeClause(scope)
	_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE `+clause, arg)
	return err
}

// TasksByEnvelope finds tasks bound to a signing envelope.
func (r Repo) TasksByEnvelope(ctx context.Context, envelopeID string) ([]domain.Task, error) {
	return r.tasksByLookup(ctx, "envelope_id", envelopeID)
}

// TasksByValuation finds tasks bound to an external valuation.
func (r Repo) TasksByValuation(ctx context.Context, valuationID string) ([]domain.Task, error) {
	return r.tasksByLookup(ctx, "valuation_id", valuationID)
}

func (r Repo) tasksByLookup(ctx context.Context, column, value string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+column+`=? ORDER BY order_index ASC, id ASC`, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Dependencies, err = r.listDeps(ctx, r.DB, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// CountScopeTasksByStatus groups a scope's tasks by status.
func (r Repo) CountScopeTasksByStatus(ctx context.Context, scope domain.Scope) (map[domain.TaskStatus]int, error) {
	clause, arg := scopeClause(scope)
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE `+clause+` GROUP BY status`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.TaskStatus(status)] = count
	}
	return res, rows.Err()
}

func (r Repo) InsertComment(ctx context.Context, c domain.Comment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_comments(id,task_id,author_id,body,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.TaskID, c.AuthorID, c.Body, c.CreatedAt)
	return err
}

func (r Repo) ListComments(ctx context.Context, taskID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,author_id,body,created_at FROM task_comments WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.AuthorID, &c.Body, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// LatestEvents returns audit events, newest first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, scopeKey, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if scopeKey != "" {
		clauses = append(clauses, "scope_key=?")
		args = append(args, scopeKey)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,scope_key,task_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var scope, taskID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &scope, &taskID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if scope.Valid {
			e.ScopeKey = scope.String
		}
		if taskID.Valid {
			e.TaskID = taskID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with id greater than cursor, oldest
// first. Used by the outbound webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,scope_key,task_id,actor_id,payload_json FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var scope, taskID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &scope, &taskID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if scope.Valid {
			e.ScopeKey = scope.String
		}
		if taskID.Valid {
			e.TaskID = taskID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

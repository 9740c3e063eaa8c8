package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/leeoohoo/mcp-subagent-router/pkg/ident"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// Default and maximum page sizes for job listings.
const (
	DefaultJobLimit     = 200
	DefaultSessionLimit = 50
	maxListLimit        = 1000
)

// JobService manages async jobs, their event log and model routing records.
type JobService struct {
	db        *sql.DB
	sessionID string
	runID     string
}

// NewJobService creates a JobService. sessionID and runID identify this
// server process and are the defaults for new jobs and events.
func NewJobService(db *sql.DB, sessionID, runID string) *JobService {
	return &JobService{db: db, sessionID: sessionID, runID: runID}
}

// CreateJob inserts a new job with status queued.
func (s *JobService) CreateJob(ctx context.Context, req models.CreateJobRequest) (*models.Job, error) {
	if req.Task == "" {
		return nil, NewValidationError("task", "required")
	}
	now := time.Now()
	job := models.Job{
		ID:          ident.NewJobID(),
		Status:      models.JobStatusQueued,
		Task:        req.Task,
		AgentID:     req.AgentID,
		CommandID:   req.CommandID,
		PayloadJSON: req.PayloadJSON,
		SessionID:   req.SessionID,
		RunID:       req.RunID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if job.SessionID == "" {
		job.SessionID = s.sessionID
	}
	if job.RunID == "" {
		job.RunID = s.runID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, task, agent_id, command_id, payload_json, result_json, error, session_id, run_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?, ?, ?)`,
		job.ID, string(job.Status), job.Task, job.AgentID, job.CommandID, job.PayloadJSON,
		job.SessionID, job.RunID, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return &job, nil
}

// GetJob returns one job by ID.
func (s *JobService) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// UpdateJobStatus writes a new status plus result and error fields. Terminal
// statuses are sticky: updating an already-terminal job fails with
// ErrJobTerminal so late completions cannot overwrite a cancellation.
func (s *JobService) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, resultJSON, errMsg string) (*models.Job, error) {
	if !status.Valid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result_json = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('done', 'error', 'cancelled')`,
		string(status), resultJSON, errMsg, time.Now().UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.updateMissReason(ctx, id)
	}
	return s.GetJob(ctx, id)
}

// MarkCancelled moves a job to cancelled while preserving any result and
// error already written. Same stickiness rule as UpdateJobStatus.
func (s *JobService) MarkCancelled(ctx context.Context, id string) (*models.Job, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', updated_at = ?
		 WHERE id = ? AND status NOT IN ('done', 'error', 'cancelled')`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.updateMissReason(ctx, id)
	}
	return s.GetJob(ctx, id)
}

// updateMissReason distinguishes a missing job from a terminal one after a
// guarded UPDATE matched no rows.
func (s *JobService) updateMissReason(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, job.Status, ErrJobTerminal)
	}
	return fmt.Errorf("job %s: %w", id, ErrNotFound)
}

// AppendEvent appends one event to a job's log. The event type must belong
// to the closed set; the job must exist.
func (s *JobService) AppendEvent(ctx context.Context, jobID string, eventType models.EventType, payload map[string]any) (*models.JobEvent, error) {
	if !eventType.Valid() {
		return nil, NewValidationError("type", fmt.Sprintf("unknown event type %q", eventType))
	}
	payloadJSON := ""
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event payload: %w", err)
		}
		payloadJSON = string(raw)
	}
	now := time.Now()
	ev := models.JobEvent{
		ID:          ident.NewEventID(),
		JobID:       jobID,
		Type:        eventType,
		PayloadJSON: payloadJSON,
		SessionID:   s.sessionID,
		RunID:       s.runID,
		CreatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, job_id, type, payload_json, session_id, run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.JobID, string(ev.Type), ev.PayloadJSON, ev.SessionID, ev.RunID, now.UnixMilli())
	if err != nil {
		// Foreign key violation means the job row is gone.
		return nil, fmt.Errorf("failed to append event for job %s: %w", jobID, err)
	}
	return &ev, nil
}

// ListEvents returns a job's events oldest first.
func (s *JobService) ListEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, type, payload_json, session_id, run_id, created_at
		 FROM events WHERE job_id = ? ORDER BY created_at, rowid LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var (
			ev        models.JobEvent
			eventType string
			createdMS int64
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &eventType, &ev.PayloadJSON, &ev.SessionID, &ev.RunID, &createdMS); err != nil {
			return nil, err
		}
		ev.Type = models.EventType(eventType)
		ev.CreatedAt = time.UnixMilli(createdMS)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListJobs returns jobs newest first. Without AllSessions the result is
// scoped to the filter's session (or this server's session when unset).
func (s *JobService) ListJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultJobLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := jobSelect + ` WHERE 1 = 1`
	args := []any{}
	if !filter.AllSessions {
		sessionID := filter.SessionID
		if sessionID == "" {
			sessionID = s.sessionID
		}
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", filter.Status))
		}
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ListSessions summarizes job activity per caller session, most recent first.
func (s *JobService) ListSessions(ctx context.Context, limit int) ([]models.SessionInfo, error) {
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*), MAX(updated_at)
		 FROM jobs GROUP BY session_id ORDER BY MAX(updated_at) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.SessionInfo
	for rows.Next() {
		var (
			info   models.SessionInfo
			lastMS int64
		)
		if err := rows.Scan(&info.SessionID, &info.JobCount, &lastMS); err != nil {
			return nil, err
		}
		info.LastActivity = time.UnixMilli(lastMS)
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// AppendModelRoute records which model config served a run.
func (s *JobService) AppendModelRoute(ctx context.Context, route models.ModelRoute) (*models.ModelRoute, error) {
	if route.ModelID == "" {
		return nil, NewValidationError("model_id", "required")
	}
	if route.ID == "" {
		route.ID = ident.NewID()
	}
	if route.SessionID == "" {
		route.SessionID = s.sessionID
	}
	route.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_routes (id, job_id, model_id, model_name, base_url, reason, session_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		route.ID, route.JobID, route.ModelID, route.ModelName, route.BaseURL, route.Reason,
		route.SessionID, route.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to record model route: %w", err)
	}
	return &route, nil
}

// ListModelRoutes returns routing records for one job, oldest first.
func (s *JobService) ListModelRoutes(ctx context.Context, jobID string) ([]models.ModelRoute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, model_id, model_name, base_url, reason, session_id, created_at
		 FROM model_routes WHERE job_id = ? ORDER BY created_at, rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list model routes: %w", err)
	}
	defer rows.Close()

	var routes []models.ModelRoute
	for rows.Next() {
		var (
			route     models.ModelRoute
			createdMS int64
		)
		if err := rows.Scan(&route.ID, &route.JobID, &route.ModelID, &route.ModelName,
			&route.BaseURL, &route.Reason, &route.SessionID, &createdMS); err != nil {
			return nil, err
		}
		route.CreatedAt = time.UnixMilli(createdMS)
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

// RecoverOrphans marks every non-terminal job as error "orphaned by restart"
// and appends a finish_error event to each. Called once at startup before
// the server begins accepting requests; any job still live in the database
// at that point belonged to a previous process.
func (s *JobService) RecoverOrphans(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		jobSelect+` WHERE status IN ('queued', 'running')`)
	if err != nil {
		return 0, fmt.Errorf("failed to find orphaned jobs: %w", err)
	}
	var orphans []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		orphans = append(orphans, *job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, job := range orphans {
		if _, err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusError, job.ResultJSON, "orphaned by restart"); err != nil {
			return 0, err
		}
		if _, err := s.AppendEvent(ctx, job.ID, models.EventFinishError, map[string]any{
			"error": "orphaned by restart",
		}); err != nil {
			return 0, err
		}
	}
	return len(orphans), nil
}

// DeleteTerminalBefore deletes terminal jobs last touched before cutoff.
// Events cascade via the foreign key. Returns the number of jobs removed.
func (s *JobService) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('done', 'error', 'cancelled') AND updated_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired jobs: %w", err)
	}
	return res.RowsAffected()
}

const jobSelect = `SELECT id, status, task, agent_id, command_id, payload_json, result_json, error, session_id, run_id, created_at, updated_at FROM jobs`

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job       models.Job
		status    string
		createdMS int64
		updatedMS int64
	)
	err := row.Scan(&job.ID, &status, &job.Task, &job.AgentID, &job.CommandID,
		&job.PayloadJSON, &job.ResultJSON, &job.Error, &job.SessionID, &job.RunID,
		&createdMS, &updatedMS)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.CreatedAt = time.UnixMilli(createdMS)
	job.UpdatedAt = time.UnixMilli(updatedMS)
	return &job, nil
}

package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leeoohoo/mcp-subagent-router/pkg/database"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJobService(t *testing.T) *JobService {
	t.Helper()
	return NewJobService(newTestDB(t), "ses_test", "run_test")
}

func TestJobService_CreateDefaults(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "summarize the repo"})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, "ses_test", job.SessionID)
	assert.Equal(t, "run_test", job.RunID)
	assert.NotEmpty(t, job.ID)

	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "summarize the repo", got.Task)

	_, err = svc.CreateJob(ctx, models.CreateJobRequest{})
	assert.True(t, IsValidationError(err))
}

func TestJobService_StatusMonotonicity(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "t"})
	require.NoError(t, err)

	running, err := svc.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, "", "")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, running.Status)

	done, err := svc.UpdateJobStatus(ctx, job.ID, models.JobStatusDone, `{"ok":true}`, "")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, done.Status)

	// Terminal statuses are sticky.
	_, err = svc.UpdateJobStatus(ctx, job.ID, models.JobStatusError, "", "late failure")
	assert.ErrorIs(t, err, ErrJobTerminal)
	_, err = svc.MarkCancelled(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobTerminal)

	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, got.Status)
	assert.JSONEq(t, `{"ok":true}`, got.ResultJSON)
}

func TestJobService_MarkCancelledPreservesResult(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "t"})
	require.NoError(t, err)
	_, err = svc.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, `{"partial":true}`, "")
	require.NoError(t, err)

	cancelled, err := svc.MarkCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.JSONEq(t, `{"partial":true}`, cancelled.ResultJSON)
}

func TestJobService_Events(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "t"})
	require.NoError(t, err)

	_, err = svc.AppendEvent(ctx, job.ID, models.EventStart, map[string]any{"agent_id": "coder"})
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, job.ID, models.EventFinish, nil)
	require.NoError(t, err)

	t.Run("unknown type rejected", func(t *testing.T) {
		_, err := svc.AppendEvent(ctx, job.ID, "made_up", nil)
		assert.True(t, IsValidationError(err))
	})

	t.Run("missing job rejected", func(t *testing.T) {
		_, err := svc.AppendEvent(ctx, "job_missing", models.EventStart, nil)
		assert.Error(t, err)
	})

	t.Run("listed oldest first", func(t *testing.T) {
		events, err := svc.ListEvents(ctx, job.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, models.EventStart, events[0].Type)
		assert.Equal(t, models.EventFinish, events[1].Type)
		assert.Contains(t, events[0].PayloadJSON, "coder")
		assert.Equal(t, "ses_test", events[0].SessionID)
	})
}

func TestJobService_ListJobsSessionScope(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	mine1, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "a"})
	require.NoError(t, err)
	mine2, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "b"})
	require.NoError(t, err)
	_, err = svc.CreateJob(ctx, models.CreateJobRequest{Task: "c", SessionID: "ses_other"})
	require.NoError(t, err)

	t.Run("defaults to own session newest first", func(t *testing.T) {
		jobs, err := svc.ListJobs(ctx, models.JobFilter{})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, mine2.ID, jobs[0].ID)
		assert.Equal(t, mine1.ID, jobs[1].ID)
	})

	t.Run("all sessions includes foreign jobs", func(t *testing.T) {
		jobs, err := svc.ListJobs(ctx, models.JobFilter{AllSessions: true})
		require.NoError(t, err)
		assert.Len(t, jobs, 3)
	})

	t.Run("status filter", func(t *testing.T) {
		_, err := svc.UpdateJobStatus(ctx, mine1.ID, models.JobStatusRunning, "", "")
		require.NoError(t, err)

		jobs, err := svc.ListJobs(ctx, models.JobFilter{Status: models.JobStatusRunning})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, mine1.ID, jobs[0].ID)

		_, err = svc.ListJobs(ctx, models.JobFilter{Status: "bogus"})
		assert.True(t, IsValidationError(err))
	})

	t.Run("limit", func(t *testing.T) {
		jobs, err := svc.ListJobs(ctx, models.JobFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})
}

func TestJobService_ListSessions(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "a"})
	require.NoError(t, err)
	_, err = svc.CreateJob(ctx, models.CreateJobRequest{Task: "b"})
	require.NoError(t, err)
	_, err = svc.CreateJob(ctx, models.CreateJobRequest{Task: "c", SessionID: "ses_other"})
	require.NoError(t, err)

	sessions, err := svc.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	counts := map[string]int{}
	for _, s := range sessions {
		counts[s.SessionID] = s.JobCount
	}
	assert.Equal(t, 2, counts["ses_test"])
	assert.Equal(t, 1, counts["ses_other"])
}

func TestJobService_ModelRoutes(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "t"})
	require.NoError(t, err)

	_, err = svc.AppendModelRoute(ctx, models.ModelRoute{
		JobID:     job.ID,
		ModelID:   "m1",
		ModelName: "kimi",
		BaseURL:   "https://api.moonshot.cn/v1",
		Reason:    "active model",
	})
	require.NoError(t, err)

	routes, err := svc.ListModelRoutes(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "kimi", routes[0].ModelName)
	assert.Equal(t, "ses_test", routes[0].SessionID)

	_, err = svc.AppendModelRoute(ctx, models.ModelRoute{JobID: job.ID})
	assert.True(t, IsValidationError(err))
}

func TestJobService_RecoverOrphans(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	queued, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "q"})
	require.NoError(t, err)
	running, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "r"})
	require.NoError(t, err)
	_, err = svc.UpdateJobStatus(ctx, running.ID, models.JobStatusRunning, "", "")
	require.NoError(t, err)
	finished, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "d"})
	require.NoError(t, err)
	_, err = svc.UpdateJobStatus(ctx, finished.ID, models.JobStatusDone, `{}`, "")
	require.NoError(t, err)

	n, err := svc.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{queued.ID, running.ID} {
		job, err := svc.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusError, job.Status)
		assert.Equal(t, "orphaned by restart", job.Error)

		events, err := svc.ListEvents(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, models.EventFinishError, events[0].Type)
	}

	done, err := svc.GetJob(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, done.Status)
}

func TestJobService_DeleteTerminalBefore(t *testing.T) {
	db := newTestDB(t)
	svc := NewJobService(db, "ses_test", "run_test")
	ctx := context.Background()

	old, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "old"})
	require.NoError(t, err)
	_, err = svc.UpdateJobStatus(ctx, old.ID, models.JobStatusDone, `{}`, "")
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, old.ID, models.EventFinish, nil)
	require.NoError(t, err)

	fresh, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "fresh"})
	require.NoError(t, err)
	_, err = svc.UpdateJobStatus(ctx, fresh.ID, models.JobStatusDone, `{}`, "")
	require.NoError(t, err)

	live, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "live"})
	require.NoError(t, err)

	// Backdate the old job past the cutoff.
	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	_, err = db.ExecContext(ctx, `UPDATE jobs SET updated_at = ? WHERE id = ?`,
		cutoff.Add(-time.Hour).UnixMilli(), old.ID)
	require.NoError(t, err)

	deleted, err := svc.DeleteTerminalBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = svc.GetJob(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Events cascade with the job row.
	events, err := svc.ListEvents(ctx, old.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	for _, id := range []string{fresh.ID, live.ID} {
		_, err := svc.GetJob(ctx, id)
		assert.NoError(t, err)
	}
}

func TestJobService_PersistReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.db.sqlite")
	ctx := context.Background()

	client, err := database.Open(ctx, path)
	require.NoError(t, err)
	svc := NewJobService(client.DB(), "ses_test", "run_test")

	job, err := svc.CreateJob(ctx, models.CreateJobRequest{Task: "persist me", AgentID: "coder"})
	require.NoError(t, err)
	_, err = svc.UpdateJobStatus(ctx, job.ID, models.JobStatusDone, `{"text":"hi"}`, "")
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, job.ID, models.EventStart, map[string]any{"agent_id": "coder"})
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, job.ID, models.EventFinish, nil)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	// Reopen the same database file and read everything back.
	client2, err := database.Open(ctx, path)
	require.NoError(t, err)
	defer client2.Close()
	svc2 := NewJobService(client2.DB(), "ses_test", "run_test")

	got, err := svc2.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, got.Status)
	assert.Equal(t, "persist me", got.Task)
	assert.Equal(t, "coder", got.AgentID)
	assert.JSONEq(t, `{"text":"hi"}`, got.ResultJSON)

	events, err := svc2.ListEvents(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventStart, events[0].Type)
	assert.Equal(t, models.EventFinish, events[1].Type)
}

package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskTypeSessionsPurge is the task type for purging expired session rows.
	TaskTypeSessionsPurge = "sessions:purge"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

func unmarshalPayload(t *asynq.Task, v any) error {
	return json.Unmarshal(t.Payload(), v)
}

// NewSessionsPurgeTask constructs the nightly purge task.
func NewSessionsPurgeTask() *asynq.Task {
	return asynq.NewTask(TaskTypeSessionsPurge, nil)
}

// SessionsPurgeJob deletes expired session rows from postgres. The redis
// copies expire on their own; this keeps the audit table bounded.
type SessionsPurgeJob struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewSessionsPurgeJob constructs the purge job.
func NewSessionsPurgeJob(pool *pgxpool.Pool, logger *slog.Logger) *SessionsPurgeJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionsPurgeJob{pool: pool, logger: logger}
}

// Handle processes TaskTypeSessionsPurge tasks.
func (j *SessionsPurgeJob) Handle(ctx context.Context, t *asynq.Task) error {
	tag, err := j.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	j.logger.Info("purged expired sessions", slog.Int64("rows", tag.RowsAffected()))
	return nil
}

package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/wapuda/tg-fetcher/internal/flow"
	logx "github.com/wapuda/tg-fetcher/internal/logs"
)

// NewDownloadTask wraps job in an asynq task. Nothing is retried
// automatically: a failed download needs a fresh button press.
func NewDownloadTask(job flow.Job) (*asynq.Task, error) {
	id := uuid.NewString()
	b, err := json.Marshal(DownloadPayload{TaskID: id, Job: job})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDownload, b,
		asynq.TaskID(id),
		asynq.Queue(QueueDownloads),
		asynq.MaxRetry(0),
	), nil
}

// Queue is a flow.Dispatcher backed by asynq.
type Queue struct {
	client *asynq.Client
}

var _ flow.Dispatcher = (*Queue)(nil)

func NewQueue(client *asynq.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Dispatch(ctx context.Context, job flow.Job) error {
	task, err := NewDownloadTask(job)
	if err != nil {
		return err
	}
	l := logx.FromCtx(ctx)
	info, err := q.client.EnqueueContext(ctx, task)
	if err != nil {
		l.Error().Err(err).Msg("asynq enqueue download:run failed")
		return err
	}
	l.Info().Str("task_id", info.ID).Str("queue", info.Queue).Msg("download queued")
	return nil
}

// HandleDownload adapts run to an asynq handler. The request fields of the
// job are restored on the context so worker logs line up with the bot's.
func HandleDownload(run func(ctx context.Context, job flow.Job) error) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p DownloadPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode %s: %v: %w", TaskDownload, err, asynq.SkipRetry)
		}
		ctx = logx.WithRequest(ctx, p.RequestID, p.UserID, p.ChatID)
		l := logx.FromCtx(ctx)
		l.Info().Str("task_id", p.TaskID).Str("url", p.URL).Msg("download task received")
		if err := run(ctx, p.Job); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return nil
	}
}

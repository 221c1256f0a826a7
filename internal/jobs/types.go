package jobs

import "github.com/wapuda/tg-fetcher/internal/flow"

const (
	TaskDownload = "download:run"

	// QueueDownloads is the asynq queue both bot and worker use.
	QueueDownloads = "downloads"
)

// DownloadPayload is a paid-for download handed from bot to worker.
type DownloadPayload struct {
	TaskID string `json:"task_id"` // uuid, also the asynq task id
	flow.Job
}

package storage

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"remuxd/internal/domain"
)

type ExportConfig struct {
	Bucket    string
	KeyPrefix string
	LinkTTL   time.Duration
	Logger    *logrus.Logger
}

// JobExporter uploads completed job outputs under <prefix>/<job id>/<file name>.
type JobExporter struct {
	svc Service
	cfg ExportConfig
}

func NewJobExporter(svc Service, cfg ExportConfig) *JobExporter {
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &JobExporter{svc: svc, cfg: cfg}
}

// ObjectKey returns the object key used for a job's output.
func ObjectKey(prefix, jobID, fileName string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(jobID, fileName)
	}
	return path.Join(prefix, jobID, fileName)
}

func (e *JobExporter) Export(ctx context.Context, job domain.Job) (string, error) {
	logger := e.cfg.Logger.WithField("job_id", job.ID)
	logger.Infof("upload started from %s", job.OutputPath)
	return e.svc.UploadFile(ctx, job.OutputPath, UploadOptions{
		Bucket:           e.cfg.Bucket,
		Key:              ObjectKey(e.cfg.KeyPrefix, job.ID, job.FileName),
		ContentType:      "video/mp4",
		ProgressCallback: newUploadProgressLogger(logger),
	})
}

func (e *JobExporter) Link(ctx context.Context, location string) (string, error) {
	return e.svc.PresignGet(ctx, location, e.cfg.LinkTTL)
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		if total == 0 {
			logger.Infof("upload progress: %s uploaded", humanize.Bytes(uint64(done)))
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Infof("upload progress: %.1f%% (%s/%s)", percent, humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total)))
	}
}

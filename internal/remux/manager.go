package remux

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"remuxd/internal/capability"
	"remuxd/internal/domain"
)

// Manager coordinates remux jobs: admission, process supervision, retention and export.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Enqueue(ctx context.Context, req EnqueueRequest) (domain.Job, error)
	Pause(ctx context.Context, id string) (domain.Job, error)
	Resume(ctx context.Context, id string) (domain.Job, error)
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.Job, error)
	List(ctx context.Context) []domain.Job
	Support(ctx context.Context, forceRefresh bool) capability.Result
	DownloadLink(ctx context.Context, id string) (string, error)
}

type EnqueueRequest struct {
	SourceURL string
	Title     string
	FileName  string
}

// SupportChecker reports whether the remux binary can run here.
type SupportChecker interface {
	Check(ctx context.Context, forceRefresh bool) capability.Result
}

// Exporter copies a completed job's output somewhere durable.
type Exporter interface {
	Export(ctx context.Context, job domain.Job) (location string, err error)
	Link(ctx context.Context, location string) (string, error)
}

type Config struct {
	OutputDir     string
	FFmpegPath    string
	MaxConcurrent int
	Retention     time.Duration
	SweepInterval time.Duration
	WaitDelay     time.Duration
	Prober        DurationProber
	Support       SupportChecker
	Exporter      Exporter
	Now           func() time.Time
	Logger        *logrus.Logger
}

type manager struct {
	cfg        Config
	registry   *Registry
	scheduler  *Scheduler
	supervisor *Supervisor

	ctx     context.Context
	cancel  context.CancelFunc
	sweeper gocron.Scheduler
	exports sync.WaitGroup
	once    sync.Once
}

func NewManager(cfg Config) Manager {
	return newManager(cfg)
}

func newManager(cfg Config) *manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	m := &manager{cfg: cfg}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.registry = NewRegistry(RegistryConfig{
		OutputDir: cfg.OutputDir,
		Retention: cfg.Retention,
		Now:       cfg.Now,
		Logger:    cfg.Logger,
	})
	m.supervisor = NewSupervisor(SupervisorConfig{
		FFmpegPath: cfg.FFmpegPath,
		Prober:     cfg.Prober,
		WaitDelay:  cfg.WaitDelay,
		Logger:     cfg.Logger,
	}, m.registry)
	m.scheduler = NewScheduler(m.registry, cfg.MaxConcurrent, func(adm admission) {
		m.supervisor.launch(m.ctx, adm)
	}, cfg.Logger)
	m.supervisor.settled = m.onSettled
	return m
}

func (m *manager) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.registry.OutputDir(), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	sweeper, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create sweep scheduler: %w", err)
	}
	_, err = sweeper.NewJob(
		gocron.DurationJob(m.cfg.SweepInterval),
		gocron.NewTask(func() {
			if n := m.registry.Sweep(); n > 0 {
				m.cfg.Logger.Infof("periodic sweep removed %d jobs", n)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	sweeper.Start()
	m.sweeper = sweeper

	m.cfg.Logger.WithContext(ctx).Infof("remux manager started, output dir: %s, max concurrent: %d", m.registry.OutputDir(), m.scheduler.Ceiling())
	return nil
}

// Shutdown kills live processes as if paused and waits for their supervisors.
func (m *manager) Shutdown() {
	m.once.Do(func() {
		m.scheduler.Stop()
		m.cancel()
		if m.sweeper != nil {
			if err := m.sweeper.Shutdown(); err != nil {
				m.cfg.Logger.Warnf("stop sweep scheduler: %v", err)
			}
		}
		for _, proc := range m.registry.stopAll() {
			if err := proc.terminate(); err != nil {
				m.cfg.Logger.Warnf("kill remux process: %v", err)
			}
		}
		m.supervisor.Wait()
		m.exports.Wait()
		m.cfg.Logger.Info("remux manager stopped")
	})
}

func (m *manager) Enqueue(ctx context.Context, req EnqueueRequest) (domain.Job, error) {
	source := strings.TrimSpace(req.SourceURL)
	if err := validateSource(source); err != nil {
		return domain.Job{}, err
	}

	if m.cfg.Support != nil {
		if res := m.cfg.Support.Check(ctx, false); !res.Supported {
			return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrUnsupported, res.Reason)
		}
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = titleFromURL(source)
	}

	job, err := m.registry.Create(title, source, req.FileName)
	if err != nil {
		return domain.Job{}, err
	}
	m.cfg.Logger.WithField("job_id", job.ID).Infof("job queued: %s", job.FileName)

	m.afterTransition()
	return m.currentOr(job), nil
}

func (m *manager) Pause(_ context.Context, id string) (domain.Job, error) {
	job, flipped, err := m.supervisor.Stop(id, stopPause)
	if err != nil {
		return domain.Job{}, err
	}
	if flipped {
		m.cfg.Logger.WithField("job_id", id).Info("job paused before spawn")
		m.afterTransition()
	}
	return m.currentOr(job), nil
}

func (m *manager) Resume(_ context.Context, id string) (domain.Job, error) {
	job, err := m.registry.Resume(id)
	if err != nil {
		return domain.Job{}, err
	}
	m.cfg.Logger.WithField("job_id", id).Info("job resumed from scratch")
	m.afterTransition()
	return m.currentOr(job), nil
}

func (m *manager) Remove(_ context.Context, id string) error {
	if _, err := m.registry.Remove(id); err != nil {
		return err
	}
	m.cfg.Logger.WithField("job_id", id).Info("job removed")
	m.afterTransition()
	return nil
}

func (m *manager) Get(_ context.Context, id string) (domain.Job, error) {
	return m.registry.Get(id)
}

func (m *manager) List(_ context.Context) []domain.Job {
	return m.registry.List()
}

func (m *manager) Support(ctx context.Context, forceRefresh bool) capability.Result {
	if m.cfg.Support == nil {
		return capability.Result{Supported: true}
	}
	return m.cfg.Support.Check(ctx, forceRefresh)
}

func (m *manager) DownloadLink(ctx context.Context, id string) (string, error) {
	job, err := m.registry.Get(id)
	if err != nil {
		return "", err
	}
	if m.cfg.Exporter == nil || job.RemoteLocation == "" {
		return "", fmt.Errorf("%w: job %s has not been exported", domain.ErrInvalidState, id)
	}
	return m.cfg.Exporter.Link(ctx, job.RemoteLocation)
}

// afterTransition reuses freed capacity and applies retention.
func (m *manager) afterTransition() {
	m.scheduler.Kick()
	m.registry.Sweep()
}

func (m *manager) onSettled(job domain.Job, fin finalization) {
	m.afterTransition()
	if fin.status == domain.JobStatusCompleted && m.cfg.Exporter != nil {
		m.export(job)
	}
}

func (m *manager) export(job domain.Job) {
	m.exports.Add(1)
	go func() {
		defer m.exports.Done()
		logger := m.cfg.Logger.WithField("job_id", job.ID)
		location, err := m.cfg.Exporter.Export(m.ctx, job)
		if err != nil {
			logger.Warnf("export output: %v", err)
			return
		}
		m.registry.setRemoteLocation(job.ID, location)
		logger.Infof("output exported to %s", location)
	}()
}

func (m *manager) currentOr(job domain.Job) domain.Job {
	if cur, err := m.registry.Get(job.ID); err == nil {
		return cur
	}
	return job
}

func validateSource(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: source url is required", domain.ErrInvalidSource)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSource, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidSource, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", domain.ErrInvalidSource)
	}
	return nil
}

var _ Manager = (*manager)(nil)

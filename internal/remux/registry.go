package remux

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"remuxd/internal/domain"
)

// stopReason records why a live process is being killed so the exit handler can tell a
// user stop from a crash. It never leaves this package.
type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopRemove
)

func (r stopReason) String() string {
	switch r {
	case stopPause:
		return "pause"
	case stopRemove:
		return "remove"
	default:
		return "none"
	}
}

type record struct {
	job  domain.Job
	seq  uint64
	proc *process
	stop stopReason
	// attempt changes whenever an admission is withdrawn, so late callbacks from an
	// abandoned run can be told apart from the current one.
	attempt uint64
}

// admission is a claim on a queued job that the scheduler hands to the supervisor.
type admission struct {
	job     domain.Job
	attempt uint64
}

type RegistryConfig struct {
	OutputDir string
	Retention time.Duration
	Now       func() time.Time
	Logger    *logrus.Logger
}

// Registry is the single owner of job records. Every mutation happens under its lock.
type Registry struct {
	cfg RegistryConfig

	mu    sync.Mutex
	jobs  map[string]*record
	paths map[string]string
	seq   uint64
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(os.TempDir(), "remuxd")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Registry{
		cfg:   cfg,
		jobs:  make(map[string]*record),
		paths: make(map[string]string),
	}
}

func (r *Registry) OutputDir() string {
	return r.cfg.OutputDir
}

// Create inserts a queued job whose output file lives in the registry's directory.
func (r *Registry) Create(title, sourceURL, fileNameHint string) (domain.Job, error) {
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return domain.Job{}, fmt.Errorf("create output dir: %w", err)
	}

	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	name := outputFileName(fileNameHint, title, id, false)
	path := filepath.Join(r.cfg.OutputDir, name)
	if _, taken := r.paths[path]; taken {
		name = outputFileName(fileNameHint, title, id, true)
		path = filepath.Join(r.cfg.OutputDir, name)
	}

	now := r.cfg.Now()
	r.seq++
	rec := &record{
		seq: r.seq,
		job: domain.Job{
			ID:         id,
			Title:      title,
			SourceURL:  sourceURL,
			FileName:   name,
			OutputPath: path,
			Status:     domain.JobStatusQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}
	r.jobs[id] = rec
	r.paths[path] = id
	return rec.job.Clone(), nil
}

func (r *Registry) Get(id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return rec.job.Clone(), nil
}

// List sweeps expired jobs and returns the rest, most recently updated first.
func (r *Registry) List() []domain.Job {
	r.Sweep()

	r.mu.Lock()
	jobs := make([]domain.Job, 0, len(r.jobs))
	for _, rec := range r.jobs {
		jobs = append(jobs, rec.job.Clone())
	}
	r.mu.Unlock()

	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].UpdatedAt.Equal(jobs[j].UpdatedAt) {
			return jobs[i].UpdatedAt.After(jobs[j].UpdatedAt)
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// RunningCount returns the number of jobs currently in running status.
func (r *Registry) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.jobs {
		if rec.job.Status == domain.JobStatusRunning {
			n++
		}
	}
	return n
}

// Remove deletes the record, kills its process with stop reason remove and deletes the
// output file. A missing file is not an error.
func (r *Registry) Remove(id string) (domain.Job, error) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return domain.Job{}, domain.ErrJobNotFound
	}
	rec.stop = stopRemove
	rec.attempt++
	proc := rec.proc
	delete(r.jobs, id)
	delete(r.paths, rec.job.OutputPath)
	job := rec.job.Clone()
	r.mu.Unlock()

	logger := r.cfg.Logger.WithField("job_id", id)
	if proc != nil {
		logger.Info("killing remux process for removed job")
		if err := proc.terminate(); err != nil {
			logger.Warnf("kill remux process: %v", err)
		}
	}
	if err := removeOutput(job.OutputPath); err != nil {
		logger.Warnf("remove output file: %v", err)
	}
	return job, nil
}

// Sweep deletes idle jobs whose last update is older than the retention window, along
// with their output files. It returns the number of jobs deleted.
func (r *Registry) Sweep() int {
	now := r.cfg.Now()

	r.mu.Lock()
	var doomed []domain.Job
	for id, rec := range r.jobs {
		if rec.proc != nil || !rec.job.Status.IsIdle() {
			continue
		}
		if now.Sub(rec.job.UpdatedAt) <= r.cfg.Retention {
			continue
		}
		delete(r.jobs, id)
		delete(r.paths, rec.job.OutputPath)
		doomed = append(doomed, rec.job)
	}
	r.mu.Unlock()

	for _, job := range doomed {
		logger := r.cfg.Logger.WithField("job_id", job.ID)
		if err := removeOutput(job.OutputPath); err != nil {
			logger.Debugf("retention sweep: %v", err)
		}
		logger.Infof("retention sweep removed %s job", job.Status)
	}
	return len(doomed)
}

// Resume discards partial output, resets runtime fields and queues the job again.
func (r *Registry) Resume(id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if rec.proc != nil {
		return domain.Job{}, fmt.Errorf("%w: job %s is still stopping", domain.ErrInvalidState, id)
	}
	switch rec.job.Status {
	case domain.JobStatusPaused, domain.JobStatusError, domain.JobStatusQueued:
	default:
		return domain.Job{}, fmt.Errorf("%w: cannot resume %s job", domain.ErrInvalidState, rec.job.Status)
	}

	if err := removeOutput(rec.job.OutputPath); err != nil {
		r.cfg.Logger.WithField("job_id", id).Warnf("discard partial output: %v", err)
	}

	rec.job.Progress = 0
	rec.job.DownloadedBytes = 0
	rec.job.Speed = ""
	rec.job.DurationSeconds = nil
	rec.job.Error = ""
	rec.job.RemoteLocation = ""
	rec.job.Status = domain.JobStatusQueued
	rec.stop = stopNone
	rec.job.UpdatedAt = r.cfg.Now()
	return rec.job.Clone(), nil
}

// claimNext admits the oldest queued job without a process if fewer than ceiling jobs
// are running. The running count is read under the same lock as the claim.
func (r *Registry) claimNext(ceiling int) (admission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	running := 0
	var next *record
	for _, rec := range r.jobs {
		switch {
		case rec.job.Status == domain.JobStatusRunning:
			running++
		case rec.job.Status == domain.JobStatusQueued && rec.proc == nil:
			if next == nil || olderThan(rec, next) {
				next = rec
			}
		}
	}
	if next == nil || running >= ceiling {
		return admission{}, false
	}

	next.attempt++
	next.stop = stopNone
	next.job.Status = domain.JobStatusRunning
	next.job.Error = ""
	next.job.UpdatedAt = r.cfg.Now()
	return admission{job: next.job.Clone(), attempt: next.attempt}, true
}

func olderThan(a, b *record) bool {
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

// current returns the record if adm is still the live admission for its job.
// Callers must hold r.mu.
func (r *Registry) current(adm admission) (*record, bool) {
	rec, ok := r.jobs[adm.job.ID]
	if !ok || rec.attempt != adm.attempt {
		return nil, false
	}
	return rec, true
}

func (r *Registry) setDuration(adm admission, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.current(adm); ok {
		rec.job.DurationSeconds = &seconds
		rec.job.UpdatedAt = r.cfg.Now()
	}
}

func (r *Registry) admitted(adm admission) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.current(adm)
	return ok && rec.job.Status == domain.JobStatusRunning && rec.proc == nil
}

// attach binds a freshly spawned process to its job. It fails when the admission was
// withdrawn while the process was starting.
func (r *Registry) attach(adm admission, proc *process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.current(adm)
	if !ok || rec.job.Status != domain.JobStatusRunning || rec.proc != nil {
		return false
	}
	rec.proc = proc
	rec.job.UpdatedAt = r.cfg.Now()
	return true
}

// requeue returns an admitted job that never spawned to the queue.
func (r *Registry) requeue(adm admission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.current(adm); ok && rec.proc == nil && rec.job.Status == domain.JobStatusRunning {
		rec.job.Status = domain.JobStatusQueued
		rec.job.UpdatedAt = r.cfg.Now()
	}
}

func (r *Registry) applyProgress(adm admission, ev progressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.current(adm); ok {
		applyProgress(&rec.job, ev)
		rec.job.UpdatedAt = r.cfg.Now()
	}
}

// stopResult describes what requestStop did.
type stopResult struct {
	job     domain.Job
	proc    *process
	flipped bool
}

// requestStop records reason on a job with a live process and returns the process to
// kill. A pause of a job without a process flips it to paused directly.
func (r *Registry) requestStop(id string, reason stopReason) (stopResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return stopResult{}, domain.ErrJobNotFound
	}

	if rec.proc != nil {
		if rec.stop == stopNone {
			rec.stop = reason
		}
		rec.job.UpdatedAt = r.cfg.Now()
		return stopResult{job: rec.job.Clone(), proc: rec.proc}, nil
	}

	if reason != stopPause {
		return stopResult{job: rec.job.Clone()}, nil
	}
	switch rec.job.Status {
	case domain.JobStatusPaused:
		return stopResult{job: rec.job.Clone()}, nil
	case domain.JobStatusQueued, domain.JobStatusRunning:
		rec.attempt++
		rec.job.Status = domain.JobStatusPaused
		rec.job.Speed = ""
		rec.job.UpdatedAt = r.cfg.Now()
		return stopResult{job: rec.job.Clone(), flipped: true}, nil
	default:
		return stopResult{}, fmt.Errorf("%w: cannot pause %s job", domain.ErrInvalidState, rec.job.Status)
	}
}

// settle detaches the process of adm and applies the exit transition. found is false when
// the job was removed or the admission withdrawn; no state is changed in that case.
func (r *Registry) settle(adm admission, o exitOutcome, outputSize int64) (domain.Job, finalization, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, found := r.current(adm)
	if !found {
		o.reason = stopRemove
		return adm.job, resolveExit(o), false
	}

	o.reason = rec.stop
	rec.stop = stopNone
	rec.proc = nil

	fin := resolveExit(o)
	if fin.silent {
		return rec.job.Clone(), fin, true
	}

	switch fin.status {
	case domain.JobStatusCompleted:
		rec.job.Progress = 100
		if outputSize >= 0 {
			rec.job.DownloadedBytes = outputSize
		}
		rec.job.Error = ""
	case domain.JobStatusPaused:
		rec.job.Speed = ""
		rec.job.Error = ""
	case domain.JobStatusError:
		rec.job.Speed = ""
		rec.job.Error = fin.message
	}
	rec.job.Status = fin.status
	rec.job.UpdatedAt = r.cfg.Now()
	return rec.job.Clone(), fin, true
}

func (r *Registry) setRemoteLocation(id, location string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.jobs[id]; ok && rec.job.Status == domain.JobStatusCompleted {
		rec.job.RemoteLocation = location
		rec.job.UpdatedAt = r.cfg.Now()
	}
}

// stopAll marks every live process as paused and returns them for killing.
func (r *Registry) stopAll() []*process {
	r.mu.Lock()
	defer r.mu.Unlock()
	var procs []*process
	for _, rec := range r.jobs {
		if rec.proc == nil {
			continue
		}
		if rec.stop == stopNone {
			rec.stop = stopPause
		}
		procs = append(procs, rec.proc)
	}
	return procs
}

func removeOutput(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

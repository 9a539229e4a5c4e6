package remux

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"remuxd/internal/domain"
)

// DurationProber reports a source's duration in seconds; ok is false when unknown.
type DurationProber interface {
	ProbeDuration(ctx context.Context, sourceURL string) (seconds float64, ok bool)
}

type SupervisorConfig struct {
	FFmpegPath string
	Prober     DurationProber
	// WaitDelay bounds how long Wait blocks on output pipes after the process exits.
	WaitDelay time.Duration
	Logger    *logrus.Logger
}

// event is a message from a running process: a progress line or its exit.
type event struct {
	progress progressEvent
	exit     *exitOutcome
}

// Supervisor spawns one remux process per admitted job and finalizes the job on exit.
type Supervisor struct {
	cfg      SupervisorConfig
	registry *Registry

	// settled runs after every non-silent finalization.
	settled func(job domain.Job, fin finalization)

	wg sync.WaitGroup
}

func NewSupervisor(cfg SupervisorConfig, registry *Registry) *Supervisor {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Supervisor{
		cfg:      cfg,
		registry: registry,
		settled:  func(domain.Job, finalization) {},
	}
}

// launch runs adm in the background.
func (s *Supervisor) launch(ctx context.Context, adm admission) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, adm)
	}()
}

// Stop records reason on the job and kills its process. The exit handler finishes the
// transition. A queued job being paused is flipped to paused without any process.
func (s *Supervisor) Stop(id string, reason stopReason) (domain.Job, bool, error) {
	res, err := s.registry.requestStop(id, reason)
	if err != nil {
		return domain.Job{}, false, err
	}
	if res.proc != nil {
		logger := s.cfg.Logger.WithField("job_id", id)
		logger.Infof("stopping remux process (%s)", reason)
		if err := res.proc.terminate(); err != nil {
			logger.Warnf("kill remux process: %v", err)
		}
	}
	return res.job, res.flipped, nil
}

// Wait blocks until every launched run has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) run(ctx context.Context, adm admission) {
	logger := s.cfg.Logger.WithField("job_id", adm.job.ID)

	if s.cfg.Prober != nil {
		if seconds, ok := s.cfg.Prober.ProbeDuration(ctx, adm.job.SourceURL); ok {
			s.registry.setDuration(adm, seconds)
		} else {
			logger.Debug("source duration unknown, progress percentage unavailable")
		}
	}

	if ctx.Err() != nil {
		s.registry.requeue(adm)
		return
	}
	if !s.registry.admitted(adm) {
		logger.Info("admission withdrawn before spawn")
		return
	}

	pr, pw := io.Pipe()
	stderr := newTailBuffer(stderrTailLimit)
	cmd := exec.Command(s.cfg.FFmpegPath, remuxArgs(adm.job.SourceURL, adm.job.OutputPath)...)
	cmd.Stdout = pw
	cmd.Stderr = stderr
	cmd.WaitDelay = s.cfg.WaitDelay

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		s.finalize(adm, exitOutcome{cause: causeSpawnFailed, err: err}, logger)
		return
	}

	proc := &process{cmd: cmd}
	attached := s.registry.attach(adm, proc)
	if attached {
		logger.WithField("pid", cmd.Process.Pid).Info("remux process started")
	} else {
		logger.Info("job stopped while remux process was starting")
		if err := proc.terminate(); err != nil {
			logger.Warnf("kill remux process: %v", err)
		}
	}

	events := make(chan event, 16)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readProgress(pr, events)
	}()
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		<-readDone
		outcome := classifyWait(err, stderr.String())
		events <- event{exit: &outcome}
		close(events)
	}()

	for ev := range events {
		if !attached {
			continue
		}
		if ev.exit != nil {
			s.finalize(adm, *ev.exit, logger)
			continue
		}
		s.registry.applyProgress(adm, ev.progress)
	}
}

// readProgress publishes every recognized progress line and drains the rest of r.
func readProgress(r io.Reader, events chan<- event) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ev, ok := parseProgressLine(scanner.Text()); ok {
			events <- event{progress: ev}
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

func (s *Supervisor) finalize(adm admission, o exitOutcome, logger *logrus.Entry) {
	size := int64(-1)
	if o.cause == causeExited && o.code == 0 {
		if info, err := os.Stat(adm.job.OutputPath); err == nil {
			size = info.Size()
		} else {
			logger.Warnf("stat output file: %v", err)
		}
	}

	job, fin, found := s.registry.settle(adm, o, size)
	switch {
	case fin.silent:
		logger.Info("remux process for removed job exited")
		return
	case !found:
		logger.Debugf("remux run ended as %s after job was withdrawn", fin.status)
	case fin.status == domain.JobStatusCompleted:
		logger.Infof("remux completed: %s written to %s", humanize.Bytes(uint64(max(job.DownloadedBytes, 0))), job.OutputPath)
	case fin.status == domain.JobStatusPaused:
		logger.Info("remux paused")
	default:
		logger.Errorf("remux failed: %s", fin.message)
	}
	s.settled(job, fin)
}

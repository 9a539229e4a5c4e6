package remux

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"remuxd/internal/capability"
	"remuxd/internal/domain"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// fakeFFmpegScript behaves according to the first path element of the source URL:
//
//	complete  reports progress, writes the output and exits 0
//	hang      reports some bytes, writes a partial file and sleeps
//	crash     writes to stderr and exits 137
//	silent    exits 137 without output
//	gate      waits until <gates>/<last path element> exists, then completes
const fakeFFmpegScript = `#!/bin/sh
for arg; do out="$arg"; done
prev=""
for arg; do
  if [ "$prev" = "-i" ]; then src="$arg"; fi
  prev="$arg"
done
rest="${src#*://*/}"
mode="${rest%%/*}"
name="${src##*/}"
case "$mode" in
  complete)
    echo "total_size=1024"
    echo "out_time_ms=5000000"
    echo "speed=2.5x"
    echo "progress=continue"
    printf 'remuxed-bytes' > "$out"
    echo "progress=end"
    exit 0
    ;;
  hang)
    printf 'partial' > "$out"
    echo "total_size=10"
    echo "progress=continue"
    exec sleep 30
    ;;
  crash)
    echo "Connection refused" >&2
    exit 137
    ;;
  silent)
    exit 137
    ;;
  gate)
    while [ ! -f "GATES/$name" ]; do sleep 0.05; done
    printf 'gated' > "$out"
    exit 0
    ;;
esac
exit 1
`

type fakeFFmpeg struct {
	path  string
	gates string
}

func newFakeFFmpeg(t *testing.T) fakeFFmpeg {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir := t.TempDir()
	gates := filepath.Join(dir, "gates")
	require.NoError(t, os.MkdirAll(gates, 0o755))

	path := filepath.Join(dir, "ffmpeg")
	script := []byte(strings.ReplaceAll(fakeFFmpegScript, "GATES", gates))
	require.NoError(t, os.WriteFile(path, script, 0o755))
	return fakeFFmpeg{path: path, gates: gates}
}

func (f fakeFFmpeg) open(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.gates, name), nil, 0o644))
}

type staticProber struct {
	seconds float64
	ok      bool
}

func (p staticProber) ProbeDuration(context.Context, string) (float64, bool) {
	return p.seconds, p.ok
}

// blockingProber holds every probe until release is closed.
type blockingProber struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingProber) ProbeDuration(ctx context.Context, _ string) (float64, bool) {
	p.entered <- struct{}{}
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return 0, false
}

type staticSupport capability.Result

func (s staticSupport) Check(context.Context, bool) capability.Result {
	return capability.Result(s)
}

type fakeExporter struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  error
}

func (e *fakeExporter) Export(_ context.Context, job domain.Job) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	e.jobs = append(e.jobs, job)
	return "s3://media/exports/" + job.FileName, nil
}

func (e *fakeExporter) Link(_ context.Context, location string) (string, error) {
	return "https://signed.example.com/" + location[len("s3://"):], nil
}

func (e *fakeExporter) exported() []domain.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Job(nil), e.jobs...)
}

func newTestManager(t *testing.T, ffmpeg string, mutate func(*Config)) *manager {
	t.Helper()
	cfg := Config{
		OutputDir:     t.TempDir(),
		FFmpegPath:    ffmpeg,
		MaxConcurrent: 2,
		Retention:     time.Hour,
		SweepInterval: time.Hour,
		WaitDelay:     time.Second,
		Prober:        staticProber{seconds: 10, ok: true},
		Logger:        quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := newManager(cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Shutdown)
	return m
}

func enqueue(t *testing.T, m *manager, source string) domain.Job {
	t.Helper()
	job, err := m.Enqueue(context.Background(), EnqueueRequest{SourceURL: source})
	require.NoError(t, err)
	return job
}

func statusOf(t *testing.T, m *manager, id string) domain.JobStatus {
	t.Helper()
	job, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func eventuallyStatus(t *testing.T, m *manager, id string, want domain.JobStatus) domain.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := m.Get(context.Background(), id)
		return err == nil && job.Status == want
	}, waitFor, tick, "job %s never reached %s", id, want)
	job, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func eventuallyAttached(t *testing.T, m *manager, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := m.Get(context.Background(), id)
		return err == nil && job.DownloadedBytes == 10
	}, waitFor, tick, "job %s never reported progress", id)
}

func TestManagerCompletes(t *testing.T) {
	ff := newFakeFFmpeg(t)
	exporter := &fakeExporter{}
	m := newTestManager(t, ff.path, func(cfg *Config) { cfg.Exporter = exporter })

	job := enqueue(t, m, "https://cdn.example.com/complete/Big%20Buck%20Bunny.m3u8")
	require.Equal(t, "Big Buck Bunny", job.Title)

	done := eventuallyStatus(t, m, job.ID, domain.JobStatusCompleted)
	require.Equal(t, 100.0, done.Progress)
	require.Equal(t, int64(len("remuxed-bytes")), done.DownloadedBytes)
	require.Equal(t, "2.5x", done.Speed)
	require.NotNil(t, done.DurationSeconds)
	require.Equal(t, 10.0, *done.DurationSeconds)
	require.Empty(t, done.Error)
	require.FileExists(t, done.OutputPath)

	require.Eventually(t, func() bool {
		job, err := m.Get(context.Background(), job.ID)
		return err == nil && job.RemoteLocation != ""
	}, waitFor, tick)
	require.Len(t, exporter.exported(), 1)

	link, err := m.DownloadLink(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, "https://signed.example.com/media/exports/"+done.FileName, link)
}

func TestManagerDownloadLinkWithoutExport(t *testing.T) {
	ff := newFakeFFmpeg(t)
	m := newTestManager(t, ff.path, nil)

	job := enqueue(t, m, "https://cdn.example.com/complete/clip.mp4")
	eventuallyStatus(t, m, job.ID, domain.JobStatusCompleted)

	_, err := m.DownloadLink(context.Background(), job.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = m.DownloadLink(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestManagerAdmissionCeiling(t *testing.T) {
	ff := newFakeFFmpeg(t)
	m := newTestManager(t, ff.path, nil)

	a := enqueue(t, m, "https://cdn.example.com/gate/a")
	b := enqueue(t, m, "https://cdn.example.com/gate/b")
	c := enqueue(t, m, "https://cdn.example.com/gate/c")

	require.Equal(t, domain.JobStatusRunning, a.Status)
	require.Equal(t, domain.JobStatusRunning, b.Status)
	require.Equal(t, domain.JobStatusQueued, c.Status)

	stop := make(chan struct{})
	overflow := make(chan int, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := m.registry.RunningCount(); n > 2 {
				overflow <- n
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	ff.open(t, "a")
	eventuallyStatus(t, m, a.ID, domain.JobStatusCompleted)
	eventuallyStatus(t, m, c.ID, domain.JobStatusRunning)
	require.Equal(t, domain.JobStatusRunning, statusOf(t, m, b.ID))

	ff.open(t, "b")
	ff.open(t, "c")
	eventuallyStatus(t, m, b.ID, domain.JobStatusCompleted)
	eventuallyStatus(t, m, c.ID, domain.JobStatusCompleted)

	close(stop)
	select {
	case n := <-overflow:
		t.Fatalf("%d jobs running at once", n)
	default:
	}
}

func TestManagerPauseRunningPromotesQueued(t *testing.T) {
	ff := newFakeFFmpeg(t)
	m := newTestManager(t, ff.path, func(cfg *Config) { cfg.MaxConcurrent = 1 })

	first := enqueue(t, m, "https://cdn.example.com/hang/first")
	second := enqueue(t, m, "https://cdn.example.com/hang/second")
	require.Equal(t, domain.JobStatusQueued, second.Status)
	eventuallyAttached(t, m, first.ID)

	_, err := m.Pause(context.Background(), first.ID)
	require.NoError(t, err)

	paused := eventuallyStatus(t, m, first.ID, domain.JobStatusPaused)
	require.Empty(t, paused.Error)
	require.FileExists(t, paused.OutputPath)
	eventuallyStatus(t, m, second.ID, domain.JobStatusRunning)

	// Pausing twice is harmless.
	again, err := m.Pause(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusPaused, again.Status)

	resumed, err := m.Resume(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusQueued, resumed.Status)
	require.Zero(t, resumed.Progress)
	require.Zero(t, resumed.DownloadedBytes)
	require.NoFileExists(t, paused.OutputPath)

	require.NoError(t, m.Remove(context.Background(), second.ID))
	eventuallyStatus(t, m, first.ID, domain.JobStatusRunning)
	eventuallyAttached(t, m, first.ID)
}

func TestManagerPauseQueued(t *testing.T) {
	ff := newFakeFFmpeg(t)
	m := newTestManager(t, ff.path, func(cfg *Config) { cfg.MaxConcurrent = 1 })

	running := enqueue(t, m, "https://cdn.example.com/hang/running")
	queued := enqueue(t, m, "https://cdn.example.com/hang/queued")

	paused, err := m.Pause(context.Background(), queued.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusPaused, paused.Status)
	require.Equal(t, domain.JobStatusRunning, statusOf(t, m, running.ID))
}

func TestManagerPauseDuringProbe(t *testing.T) {
	ff := newFakeFFmpeg(t)
	prober := &blockingProber{entered: make(chan struct{}, 4), release: make(chan struct{})}
	m := newTestManager(t, ff.path, func(cfg *Config) {
		cfg.MaxConcurrent = 1
		cfg.Prober = prober
	})

	first := enqueue(t, m, "https://cdn.example.com/complete/first")
	second := enqueue(t, m, "https://cdn.example.com/complete/second")
	<-prober.entered

	paused, err := m.Pause(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusPaused, paused.Status)
	require.Equal(t, domain.JobStatusRunning, statusOf(t, m, second.ID))

	close(prober.release)
	eventuallyStatus(t, m, second.ID, domain.JobStatusCompleted)

	m.supervisor.Wait()
	require.Equal(t, domain.JobStatusPaused, statusOf(t, m, first.ID))
	require.NoFileExists(t, first.OutputPath)
}

func TestManagerRemoveQueued(t *testing.T) {
	ff := newFakeFFmpeg(t)
	m := newTestManager(t, ff.path, func(cfg *Config) { cfg.MaxConcurrent = 1 })

	running := enqueue(t, m, "https://cdn.example.com/hang/running")
	queued := enqueue(t, m, "https://cdn.example.com/hang/queued")

	require.NoError(t, m.Remove(context.Background(), queued.ID))
	_, err := m.Get(context.Background(), queued.ID)
	require.ErrorIs(t, err, domain.ErrJobNotFound)
	require.Equal(t, domain.JobStatusRunning, statusOf(t, m, running.ID))
	require.Len(t, m.List(context.Background()), 1)

	require.ErrorIs(t, m.Remove(context.Background(), queued.ID), domain.ErrJobNotFound)
}

func TestManagerRemoveRunning(t *testing.T) {
	ff := newFakeFFmpeg(t)
	m := newTestManager(t, ff.path, nil)

	job := enqueue(t, m, "https://cdn.example.com/hang/clip")
	eventuallyAttached(t, m, job.ID)
	require.FileExists(t, job.OutputPath)

	require.NoError(t, m.Remove(context.Background(), job.ID))
	_, err := m.Get(context.Background(), job.ID)
	require.ErrorIs(t, err, domain.ErrJobNotFound)

	exited := make(chan struct{})
	go func() {
		m.supervisor.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(waitFor):
		t.Fatal("remux process survived removal")
	}
	require.NoFileExists(t, job.OutputPath)
	require.Empty(t, m.List(context.Background()))
}

func TestManagerProcessFailures(t *testing.T) {
	ff := newFakeFFmpeg(t)
	m := newTestManager(t, ff.path, nil)

	crash := enqueue(t, m, "https://cdn.example.com/crash/clip")
	silent := enqueue(t, m, "https://cdn.example.com/silent/clip")

	failed := eventuallyStatus(t, m, crash.ID, domain.JobStatusError)
	require.Equal(t, "Connection refused", failed.Error)
	require.Empty(t, failed.Speed)

	failed = eventuallyStatus(t, m, silent.ID, domain.JobStatusError)
	require.Equal(t, "remux process exited with code 137", failed.Error)

	_, err := m.Pause(context.Background(), crash.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = m.Resume(context.Background(), crash.ID)
	require.NoError(t, err)
	eventuallyStatus(t, m, crash.ID, domain.JobStatusError)
}

func TestManagerSpawnFailure(t *testing.T) {
	m := newTestManager(t, filepath.Join(t.TempDir(), "no-such-ffmpeg"), nil)

	job := enqueue(t, m, "https://cdn.example.com/complete/clip")
	failed := eventuallyStatus(t, m, job.ID, domain.JobStatusError)
	require.Contains(t, failed.Error, "failed to start remux process")
}

func TestManagerResumeRejected(t *testing.T) {
	ff := newFakeFFmpeg(t)
	m := newTestManager(t, ff.path, nil)

	running := enqueue(t, m, "https://cdn.example.com/hang/running")
	_, err := m.Resume(context.Background(), running.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	done := enqueue(t, m, "https://cdn.example.com/complete/done")
	eventuallyStatus(t, m, done.ID, domain.JobStatusCompleted)
	_, err = m.Resume(context.Background(), done.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = m.Resume(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestManagerEnqueueValidation(t *testing.T) {
	ff := newFakeFFmpeg(t)
	m := newTestManager(t, ff.path, nil)

	for _, source := range []string{"", "   ", "ftp://example.com/a.mp4", "file:///etc/passwd", "https://", "::not a url"} {
		_, err := m.Enqueue(context.Background(), EnqueueRequest{SourceURL: source})
		require.ErrorIs(t, err, domain.ErrInvalidSource, source)
	}
	require.Empty(t, m.List(context.Background()))

	job, err := m.Enqueue(context.Background(), EnqueueRequest{
		SourceURL: " https://cdn.example.com/hang/x.m3u8 ",
		Title:     "Trailer",
		FileName:  "trailer.mkv",
	})
	require.NoError(t, err)
	require.Equal(t, "Trailer", job.Title)
	require.Equal(t, "https://cdn.example.com/hang/x.m3u8", job.SourceURL)
	require.Regexp(t, `^trailer-[0-9a-f]{8}\.mp4$`, job.FileName)
}

func TestManagerUnsupported(t *testing.T) {
	ff := newFakeFFmpeg(t)
	m := newTestManager(t, ff.path, func(cfg *Config) {
		cfg.Support = staticSupport{Supported: false, Reason: "ffmpeg not found"}
	})

	_, err := m.Enqueue(context.Background(), EnqueueRequest{SourceURL: "https://cdn.example.com/complete/clip"})
	require.ErrorIs(t, err, domain.ErrUnsupported)
	require.Contains(t, err.Error(), "ffmpeg not found")
	require.Empty(t, m.List(context.Background()))

	res := m.Support(context.Background(), true)
	require.False(t, res.Supported)
}

func TestManagerExportFailureKeepsJob(t *testing.T) {
	ff := newFakeFFmpeg(t)
	exporter := &fakeExporter{err: errors.New("bucket unavailable")}
	m := newTestManager(t, ff.path, func(cfg *Config) { cfg.Exporter = exporter })

	job := enqueue(t, m, "https://cdn.example.com/complete/clip")
	done := eventuallyStatus(t, m, job.ID, domain.JobStatusCompleted)
	m.Shutdown()

	got, err := m.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, got.Status)
	require.Empty(t, got.RemoteLocation)
	require.FileExists(t, done.OutputPath)
}

func TestManagerShutdownPausesRunning(t *testing.T) {
	ff := newFakeFFmpeg(t)
	m := newTestManager(t, ff.path, func(cfg *Config) { cfg.MaxConcurrent = 1 })

	running := enqueue(t, m, "https://cdn.example.com/hang/running")
	queued := enqueue(t, m, "https://cdn.example.com/hang/queued")
	eventuallyAttached(t, m, running.ID)

	m.Shutdown()

	require.Equal(t, domain.JobStatusPaused, statusOf(t, m, running.ID))
	require.Equal(t, domain.JobStatusQueued, statusOf(t, m, queued.ID))
}

// Package probe asks ffprobe for facts about a source stream without touching job state.
package probe

import (
	"bytes"
	"context"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Binary  string
	Timeout time.Duration
	Logger  *logrus.Logger
}

// FFprobe reads the container duration of a source.
type FFprobe struct {
	cfg Config
}

func NewFFprobe(cfg Config) *FFprobe {
	if cfg.Binary == "" {
		cfg.Binary = "ffprobe"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &FFprobe{cfg: cfg}
}

// Args returns the ffprobe argument list used for sourceURL.
func Args(sourceURL string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		sourceURL,
	}
}

// ProbeDuration returns the duration in seconds. ok is false when the duration is unknown
// for any reason; callers treat that as advisory.
func (p *FFprobe) ProbeDuration(ctx context.Context, sourceURL string) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, p.cfg.Binary, Args(sourceURL)...)
	cmd.Stdout = &stdout

	logger := p.cfg.Logger.WithField("source", sourceURL)
	if err := cmd.Run(); err != nil {
		logger.Debugf("duration probe failed: %v", err)
		return 0, false
	}

	seconds, ok := ParseDuration(stdout.String())
	if !ok {
		logger.Debugf("duration probe returned %q", strings.TrimSpace(stdout.String()))
	}
	return seconds, ok
}

// ParseDuration accepts the first non-empty line of ffprobe output and rejects
// anything that is not a finite positive number.
func ParseDuration(raw string) (float64, bool) {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

package remux

import (
	"math"
	"strconv"
	"strings"

	"remuxd/internal/domain"
)

// maxRunningProgress caps time-based estimates so only a real completion signal reaches 100.
const maxRunningProgress = 99.5

type progressKind int

const (
	progressTotalSize progressKind = iota
	progressSpeed
	progressOutTime
	progressContinue
	progressEnd
)

// progressEvent is one parsed key=value line of ffmpeg's -progress output.
type progressEvent struct {
	kind         progressKind
	bytes        int64
	speed        string
	outTimeMicro int64
}

// parseProgressLine recognizes total_size, speed, out_time_ms and progress. Anything
// else, including recognized keys with unusable values, is rejected.
func parseProgressLine(line string) (progressEvent, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return progressEvent{}, false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	switch key {
	case "total_size":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return progressEvent{}, false
		}
		return progressEvent{kind: progressTotalSize, bytes: n}, true
	case "speed":
		if value == "" {
			return progressEvent{}, false
		}
		return progressEvent{kind: progressSpeed, speed: value}, true
	case "out_time_ms":
		// ffmpeg reports this key in microseconds despite the name.
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return progressEvent{}, false
		}
		return progressEvent{kind: progressOutTime, outTimeMicro: n}, true
	case "progress":
		switch value {
		case "end":
			return progressEvent{kind: progressEnd}, true
		case "continue":
			return progressEvent{kind: progressContinue}, true
		}
	}
	return progressEvent{}, false
}

// applyProgress folds ev into job. Progress never decreases while a run is live.
func applyProgress(job *domain.Job, ev progressEvent) {
	switch ev.kind {
	case progressTotalSize:
		job.DownloadedBytes = ev.bytes
	case progressSpeed:
		job.Speed = ev.speed
	case progressOutTime:
		if job.DurationSeconds == nil || *job.DurationSeconds <= 0 {
			return
		}
		pct := float64(ev.outTimeMicro) / 1e6 / *job.DurationSeconds * 100
		pct = math.Max(0, math.Min(maxRunningProgress, pct))
		if pct > job.Progress {
			job.Progress = pct
		}
	case progressEnd:
		job.Progress = 100
	}
}

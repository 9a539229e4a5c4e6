package remux

import (
	"errors"
	"fmt"
	"os/exec"

	"remuxd/internal/domain"
)

// exitCause is how a remux run ended.
type exitCause int

const (
	causeSpawnFailed exitCause = iota
	causeProcessError
	causeExited
)

type exitOutcome struct {
	cause  exitCause
	reason stopReason
	code   int
	err    error
	stderr string
}

// finalization is the resulting job transition. A silent finalization leaves the job
// untouched and does not trigger admission.
type finalization struct {
	status  domain.JobStatus
	message string
	silent  bool
}

// classifyWait turns the result of cmd.Wait into an exit outcome.
func classifyWait(err error, stderr string) exitOutcome {
	if err == nil {
		return exitOutcome{cause: causeExited, stderr: stderr}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitOutcome{cause: causeExited, code: exitErr.ExitCode(), err: err, stderr: stderr}
	}
	return exitOutcome{cause: causeProcessError, err: err, stderr: stderr}
}

// resolveExit maps an outcome to a job transition:
//
//	spawn failed                      -> error
//	process error, stop pause|remove  -> paused
//	process error, no stop            -> error
//	exited, stop pause                -> paused (any code)
//	exited, stop remove               -> silent
//	exited 0, no stop                 -> completed
//	exited != 0, no stop              -> error (stderr tail, else exit code)
func resolveExit(o exitOutcome) finalization {
	switch o.cause {
	case causeSpawnFailed:
		return finalization{status: domain.JobStatusError, message: fmt.Sprintf("failed to start remux process: %v", o.err)}
	case causeProcessError:
		if o.reason == stopPause || o.reason == stopRemove {
			return finalization{status: domain.JobStatusPaused}
		}
		return finalization{status: domain.JobStatusError, message: fmt.Sprintf("remux process error: %v", o.err)}
	}

	switch o.reason {
	case stopPause:
		return finalization{status: domain.JobStatusPaused}
	case stopRemove:
		return finalization{silent: true}
	}
	if o.code == 0 {
		return finalization{status: domain.JobStatusCompleted}
	}
	if o.stderr != "" {
		return finalization{status: domain.JobStatusError, message: o.stderr}
	}
	if o.code < 0 && o.err != nil {
		return finalization{status: domain.JobStatusError, message: fmt.Sprintf("remux process terminated: %v", o.err)}
	}
	return finalization{status: domain.JobStatusError, message: fmt.Sprintf("remux process exited with code %d", o.code)}
}

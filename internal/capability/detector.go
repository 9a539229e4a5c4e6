// Package capability decides whether the remux binary can run in the current deployment.
package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Result is the outcome of a runtime support check.
type Result struct {
	Supported bool   `json:"supported"`
	Reason    string `json:"reason,omitempty"`
}

// serverlessMarkers are environment variables set by hosted function runtimes that do
// not allow spawning long-lived child processes.
var serverlessMarkers = []string{
	"AWS_LAMBDA_FUNCTION_NAME",
	"LAMBDA_TASK_ROOT",
	"VERCEL",
	"NETLIFY",
	"FUNCTION_TARGET",
	"AZURE_FUNCTIONS_ENVIRONMENT",
}

type Config struct {
	Binary          string
	Timeout         time.Duration
	AllowServerless bool
	// Cache holds the last probe result; a fresh 30s cache is created when nil.
	Cache     *Cache
	LookupEnv func(key string) (string, bool)
	Logger    *logrus.Logger
}

// Detector probes the remux binary with a version query and caches the answer.
type Detector struct {
	cfg   Config
	group singleflight.Group
}

func NewDetector(cfg Config) *Detector {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Cache == nil {
		cfg.Cache = NewCache(30*time.Second, nil)
	}
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.LookupEnv
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Detector{cfg: cfg}
}

// Check reports whether remuxing is possible. Concurrent callers share a single probe.
func (d *Detector) Check(ctx context.Context, forceRefresh bool) Result {
	if !d.cfg.AllowServerless {
		if marker, ok := d.serverlessMarker(); ok {
			return Result{
				Reason: fmt.Sprintf("serverless runtime detected (%s is set); %s cannot be spawned here, set REMUXD_REMUX_ALLOWSERVERLESS=true to override", marker, d.cfg.Binary),
			}
		}
	}

	if !forceRefresh {
		if res, ok := d.cfg.Cache.Get(); ok {
			return res
		}
	}

	v, _, _ := d.group.Do("probe", func() (any, error) {
		res := d.probe(context.WithoutCancel(ctx))
		d.cfg.Cache.Put(res)
		return res, nil
	})
	return v.(Result)
}

func (d *Detector) serverlessMarker() (string, bool) {
	for _, key := range serverlessMarkers {
		if v, ok := d.cfg.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return key, true
		}
	}
	return "", false
}

func (d *Detector) probe(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, d.cfg.Binary, "-version")
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	switch {
	case err == nil:
		d.cfg.Logger.WithField("binary", d.cfg.Binary).Debug("remux binary available")
		return Result{Supported: true}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%s -version timed out after %s", d.cfg.Binary, d.cfg.Timeout)
	default:
		if detail := strings.TrimSpace(out.String()); detail != "" {
			err = fmt.Errorf("%s -version: %w: %s", d.cfg.Binary, err, lastLine(detail))
		} else {
			err = fmt.Errorf("%s -version: %w", d.cfg.Binary, err)
		}
	}

	d.cfg.Logger.WithField("binary", d.cfg.Binary).Warnf("remux binary unavailable: %v", err)
	return Result{Reason: err.Error()}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Remux struct {
		FFmpegPath      string
		FFprobePath     string
		OutputDir       string
		MaxConcurrent   int
		Retention       time.Duration
		SweepInterval   time.Duration
		ProbeTimeout    time.Duration
		AllowServerless bool
	}
	Support struct {
		Timeout time.Duration
		TTL     time.Duration
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Log struct {
		Level string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv(".env")

	v := viper.New()
	v.SetEnvPrefix("REMUXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("remux.ffmpegpath", "ffmpeg")
	v.SetDefault("remux.ffprobepath", "ffprobe")
	v.SetDefault("remux.outputdir", "")
	v.SetDefault("remux.maxconcurrent", 2)
	v.SetDefault("remux.retention", 24*time.Hour)
	v.SetDefault("remux.sweepinterval", 10*time.Minute)
	v.SetDefault("remux.probetimeout", 15*time.Second)
	v.SetDefault("remux.allowserverless", false)
	v.SetDefault("support.timeout", 10*time.Second)
	v.SetDefault("support.ttl", 30*time.Second)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "remuxd")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("log.level", "info")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv exports KEY=VALUE pairs from path without overriding the real environment.
func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.Trim(strings.TrimSpace(line[idx+1:]), `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}

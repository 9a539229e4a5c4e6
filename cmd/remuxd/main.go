package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"remuxd/internal/capability"
	"remuxd/internal/config"
	apphttp "remuxd/internal/http"
	"remuxd/internal/probe"
	"remuxd/internal/remux"
	"remuxd/internal/storage"
)

var (
	cfg    config.Config
	logger = logrus.New()

	flagVerbose bool
	flagRefresh bool
)

func main() {
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentPreRunE = initRemuxd
	rootCmd.SilenceErrors = true

	checkCmd.Flags().BoolVar(&flagRefresh, "refresh", true, "bypass the cached support result")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Errorf("remuxd failed: %v", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "remuxd",
	Short:        "Managed ffmpeg remux downloads over HTTP",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the HTTP API and the job manager",
	RunE:  doServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "report whether ffmpeg can run in this environment",
	RunE:  doCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("remuxd: version info not available")
			return
		}
		fmt.Printf("remuxd: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
	},
}

func initRemuxd(cmd *cobra.Command, _ []string) error {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	loaded, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = loaded

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	if flagVerbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)
	return nil
}

func newDetector() *capability.Detector {
	return capability.NewDetector(capability.Config{
		Binary:          cfg.Remux.FFmpegPath,
		Timeout:         cfg.Support.Timeout,
		AllowServerless: cfg.Remux.AllowServerless,
		Cache:           capability.NewCache(cfg.Support.TTL, time.Now),
		Logger:          logger,
	})
}

func doCheck(cmd *cobra.Command, _ []string) error {
	res := newDetector().Check(cmd.Context(), flagRefresh)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Supported {
		return fmt.Errorf("remux not supported: %s", res.Reason)
	}
	return nil
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var exporter remux.Exporter
	storageSvc, err := buildStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("setup storage: %w", err)
	}
	if storageSvc != nil {
		exporter = storage.NewJobExporter(storageSvc, storage.ExportConfig{
			Bucket:    cfg.Storage.Bucket,
			KeyPrefix: cfg.Storage.KeyPrefix,
			Logger:    logger,
		})
	}

	manager := remux.NewManager(remux.Config{
		OutputDir:     cfg.Remux.OutputDir,
		FFmpegPath:    cfg.Remux.FFmpegPath,
		MaxConcurrent: cfg.Remux.MaxConcurrent,
		Retention:     cfg.Remux.Retention,
		SweepInterval: cfg.Remux.SweepInterval,
		Prober: probe.NewFFprobe(probe.Config{
			Binary:  cfg.Remux.FFprobePath,
			Timeout: cfg.Remux.ProbeTimeout,
			Logger:  logger,
		}),
		Support:  newDetector(),
		Exporter: exporter,
		Logger:   logger,
	})
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	if res := manager.Support(ctx, false); !res.Supported {
		logger.Warnf("remux not supported, new jobs will be rejected: %s", res.Reason)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	apphttp.NewHandler(manager, logger).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown()

	logger.Info("bye")
	return nil
}

// buildStorage returns nil when no bucket is configured; exports are then disabled.
func buildStorage(ctx context.Context, cfg config.Config) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("no storage bucket configured, completed outputs stay local")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("exporting outputs to s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}

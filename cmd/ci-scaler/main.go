// Command ci-scaler runs the CI runner autoscaler control loop: it accepts
// GitHub webhook deliveries to predict and request runner capacity, reaps
// idle and offline runners on a poll loop, and publishes CloudWatch metrics
// about both the runner fleet and the upstream API rate limits.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"ci-scaler/internal/appconfig"
	"ci-scaler/internal/cloud"
	"ci-scaler/internal/dockerhub"
	"ci-scaler/internal/logger"
	"ci-scaler/internal/metrics"
	"ci-scaler/internal/platform"
	"ci-scaler/internal/reconciler"
	"ci-scaler/internal/types"
	"ci-scaler/internal/webhook"
)

// exitConfigInvalid is returned for any CLI/ambient configuration failure,
// per SPEC_FULL.md §4.9/§7: fatal configuration exits before serving. Mirrors
// the original's argparse-driven exit code for bad CLI input; exit code 3 is
// reserved for subprocess/upstream-call failures at runtime, not startup
// configuration.
const exitConfigInvalid = 2

var schemeAndPath = regexp.MustCompile(`^[^/]*//|/.*$`)

type cliFlags struct {
	port             int
	domain           string
	asgs             []string
	pollIntervalSec  int
	maxIdleAgeSec    int
	maxOfflineAgeSec int
	logLevel         string
	logFormat        string
	logOutput        string
	metricsAddr      string
}

func parseFlags(args []string) (*cliFlags, error) {
	fs := pflag.NewFlagSet("ci-scaler", pflag.ContinueOnError)
	f := &cliFlags{}

	fs.IntVar(&f.port, "port", 8088, "port to listen for GitHub webhook events")
	fs.StringVar(&f.domain, "domain", "", "domain of the API Gateway forwarding webhook requests to this process")
	fs.StringArrayVar(&f.asgs, "asgs", nil, "space delimited list of owner/repo:label:asg_name specs; repeatable")
	fs.IntVar(&f.pollIntervalSec, "poll-interval-sec", 120, "seconds between reconciliation ticks")
	fs.IntVar(&f.maxIdleAgeSec, "max-idle-age-sec", 300, "seconds an idle runner may sit before being reaped")
	fs.IntVar(&f.maxOfflineAgeSec, "max-offline-age-sec", 120, "seconds an offline runner may sit before being deregistered")
	fs.StringVar(&f.logLevel, "log-level", "", "overrides ambient log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "overrides ambient log format (json, text)")
	fs.StringVar(&f.logOutput, "log-output", "", "overrides ambient log output (stdout, stderr, file)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "overrides ambient metrics listen address; empty disables the endpoint")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.domain == "" {
		return nil, fmt.Errorf("--domain is required")
	}
	return f, nil
}

func parseAsgSpecs(asgs []string) ([]types.AsgSpec, error) {
	var specs []types.AsgSpec
	for _, raw := range strings.Fields(strings.Join(asgs, " ")) {
		spec, err := types.ParseAsgSpec(raw)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("--asgs must list at least one owner/repo:label:asg_name spec")
	}
	return specs, nil
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "ci-scaler:", err)
		os.Exit(exitConfigInvalid)
	}

	asgSpecs, err := parseAsgSpecs(flags.asgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ci-scaler:", err)
		os.Exit(exitConfigInvalid)
	}
	domain := schemeAndPath.ReplaceAllString(flags.domain, "")

	ambient, err := appconfig.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ci-scaler: ambient configuration:", err)
		os.Exit(exitConfigInvalid)
	}
	applyAmbientOverrides(ambient, flags)
	if err := ambient.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "ci-scaler: ambient configuration:", err)
		os.Exit(exitConfigInvalid)
	}

	logger.InitWithConfig(logger.Config{
		Level:      ambient.Log.Level,
		Format:     ambient.Log.Format,
		Output:     ambient.Log.Output,
		FilePath:   ambient.Log.FilePath,
		MaxSize:    ambient.Log.MaxSize,
		MaxBackups: ambient.Log.MaxBackups,
		MaxAge:     ambient.Log.MaxAge,
		Compress:   ambient.Log.Compress,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudAPI, err := cloud.NewClient(ctx)
	if err != nil {
		logger.Log.Error("failed to initialize cloud adapter", "error", err)
		os.Exit(1)
	}
	if cloudAPI.DryRun() {
		logger.Log.Warn("no AWS region reachable, cloud adapter running in dry-run mode")
	}

	ghClient := platform.NewClient(ctx, platform.TokenFromEnv())
	dockerHubClient := dockerhub.NewClient(nil)

	core := webhook.NewCore(domain, asgSpecs, ghClient, cloudAPI)
	core.Acquire(ctx)
	defer core.Release(context.Background())

	go core.RunServiceActions(ctx)

	metricsReg := metrics.Init("ciscaler", "")
	metrics.RegisterRuntimeCollector("ciscaler", "")
	metricsReg.SetServiceInfo("dev")

	recon := reconciler.New(reconciler.Config{
		AsgSpecs:      asgSpecs,
		PollInterval:  time.Duration(flags.pollIntervalSec) * time.Second,
		MaxIdleAge:    time.Duration(flags.maxIdleAgeSec) * time.Second,
		MaxOfflineAge: time.Duration(flags.maxOfflineAgeSec) * time.Second,
	}, ghClient, cloudAPI, dockerHubClient)
	go recon.Run(ctx)

	metricsReg := metrics.Init("ciscaler", "")
	metrics.RegisterRuntimeCollector("ciscaler", "")
	metricsReg.SetServiceInfo("dev")
	var metricsSrv *http.Server
	if ambient.Metrics.Addr != "" {
		metricsSrv = metrics.NewServer(ambient.Metrics.Addr)
		go func() {
			logger.Log.Info("metrics endpoint listening", "addr", ambient.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Log.Error("metrics server failed", "error", err)
			}
		}()
	}

	handler := webhook.NewHandler(core)
	lc := net.ListenConfig{Control: reusePortControl}
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", flags.port))
	if err != nil {
		logger.Log.Error("failed to bind webhook listener", "port", flags.port, "error", err)
		os.Exit(1)
	}

	server := &http.Server{Handler: handler}
	go func() {
		logger.Log.Info("listening for webhook events", "port", flags.port, "domain", domain)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("webhook server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("webhook server shutdown error", "error", err)
	}

	cancel() // stops the reconciler and service-actions goroutines

	if metricsSrv != nil {
		_ = metrics.Shutdown(shutdownCtx, metricsSrv)
	}

	core.Release(context.Background())

	logger.Log.Info("stopped")
	// Serving ends only on SIGINT/SIGTERM, reported as exit code 1 (interrupted).
	os.Exit(1)
}

// applyAmbientOverrides lets the ambient CLI flags win over whatever
// appconfig loaded from defaults/file/env, without disturbing the
// domain-flag contract (--asgs/--domain/poll/age intervals stay pflag-only).
func applyAmbientOverrides(cfg *appconfig.Config, flags *cliFlags) {
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	if flags.logOutput != "" {
		cfg.Log.Output = flags.logOutput
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Addr = flags.metricsAddr
	}
}

// reusePortControl sets SO_REUSEPORT/SO_REUSEADDR on the listening socket,
// mirroring the source's httpd.allow_reuse_port = True.
func reusePortControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Command deployer rebuilds, publishes and redeploys the ledgerscan
// application: build an image from source, push it to the registry, replace
// the container on the service port, and report the outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ledgerscan/deployer/internal/core/pipeline"
	"github.com/ledgerscan/deployer/internal/core/release"
	"github.com/ledgerscan/deployer/internal/shell/builder"
	"github.com/ledgerscan/deployer/internal/shell/docker"
	"github.com/ledgerscan/deployer/internal/shell/gitsrc"
	"github.com/ledgerscan/deployer/internal/shell/lifecycle"
	"github.com/ledgerscan/deployer/internal/shell/notify"
	"github.com/ledgerscan/deployer/internal/shell/registry"
	"github.com/ledgerscan/deployer/internal/shell/runner"
	"github.com/ledgerscan/deployer/internal/shell/secrets"
	"github.com/ledgerscan/deployer/internal/shell/store"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes distinguish failure classes for operator triage.
const (
	ExitSuccess       = 0
	ExitConfigError   = 1
	ExitCheckoutError = 2
	ExitSecretsError  = 3
	ExitAuthError     = 4
	ExitBuildError    = 5
	ExitPushError     = 6
	ExitRetireError   = 7
	ExitLaunchError   = 8
	ExitInFlight      = 9
	ExitUnknownError  = 10
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	ref := flag.String("ref", "", "Source ref to deploy (branch, tag or commit); overrides config")
	historyLimit := flag.Int("history", 0, "Print the last N runs and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("deployer %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	logger := SetupLogger(cfg)
	logger.Info("starting deployer", "version", Version, "config", *configPath)

	// Run history store is optional; history listing requires it.
	var history store.RunStore
	if cfg.History.DSN != "" {
		s, err := store.NewSQLiteStore(cfg.History.DSN)
		if err != nil {
			logger.Error("failed to open run history store", "dsn", cfg.History.DSN, "error", err)
			return ExitConfigError
		}
		defer s.Close()
		history = s
	}

	if *historyLimit > 0 {
		return printHistory(history, *historyLimit)
	}

	dockerClient, err := docker.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		logger.Error("failed to create docker client", "error", err)
		return ExitConfigError
	}
	defer dockerClient.Close()

	ctrl := buildController(cfg, dockerClient, history, logger)

	targetRef := cfg.Source.Ref
	if *ref != "" {
		targetRef = *ref
	}

	runRecord, err := ctrl.Deploy(context.Background(), targetRef)
	if runRecord != nil {
		printReport(runRecord)
	}
	return exitCode(err)
}

// buildController wires the pipeline components from configuration. Every
// credential and endpoint is passed in here; no component reads the ambient
// environment.
func buildController(cfg *Config, dockerClient docker.Client, history store.RunStore, logger *slog.Logger) *runner.Controller {
	checkouter := gitsrc.NewCheckouter(cfg.Source.WorkDir, logger)

	provisioner := secrets.NewProvisioner(secrets.Config{
		Region:          cfg.Secrets.Region,
		AccessKeyID:     cfg.Secrets.AccessKeyID,
		SecretAccessKey: cfg.Secrets.SecretAccessKey,
		Parameters:      cfg.Secrets.Parameters,
	}, logger)

	publisher := registry.NewPublisher(registry.Config{
		Region:          cfg.Registry.Region,
		AccessKeyID:     cfg.Registry.AccessKeyID,
		SecretAccessKey: cfg.Registry.SecretAccessKey,
		Registry:        cfg.Registry.Host,
		Repository:      cfg.Registry.Repository,
		PushAttempts:    cfg.Registry.PushAttempts,
		PushBackoff:     cfg.Registry.PushBackoff,
	}, dockerClient, logger)

	imageBuilder := builder.NewBuilder(dockerClient, logger)
	manager := lifecycle.NewManager(dockerClient, cfg.Deploy.StopTimeout, logger)

	notifier := notify.NewWebhookNotifier(notify.Config{
		URL:     cfg.Notify.WebhookURL,
		Timeout: cfg.Notify.Timeout,
	}, logger)

	return runner.NewController(runner.Config{
		Build: release.BuildSpec{
			RepoURL:    cfg.Source.RepoURL,
			ContextDir: cfg.Image.ContextDir,
			Dockerfile: cfg.Image.Dockerfile,
			ImageName:  cfg.Image.Name,
		},
		Port:          cfg.Deploy.Port,
		ContainerName: cfg.Deploy.ContainerName,
		Timeouts: runner.Timeouts{
			Checkout: cfg.Timeouts.Checkout,
			Secrets:  cfg.Timeouts.Secrets,
			Auth:     cfg.Timeouts.Auth,
			Build:    cfg.Timeouts.Build,
			Push:     cfg.Timeouts.Push,
			Retire:   cfg.Timeouts.Retire,
			Launch:   cfg.Timeouts.Launch,
			Notify:   cfg.Timeouts.Notify,
		},
	}, checkouter, provisioner, publisher, imageBuilder, manager, notifier, history, logger)
}

// printReport writes the terminal run report to stdout.
func printReport(run *pipeline.Run) {
	fmt.Printf("run %s (%s)\n", run.ID, run.Ref)
	for _, res := range run.Results {
		line := fmt.Sprintf("  %-12s %s", res.Stage, res.Status)
		if res.Detail != "" {
			line += "  " + res.Detail
		}
		fmt.Println(line)
	}
	if run.Succeeded() {
		fmt.Printf("deploy succeeded: %s in %s\n", run.Image, run.Duration().Round(time.Second))
	} else if stage, ok := run.FailedStage(); ok {
		fmt.Printf("deploy FAILED at stage %s after %s\n", stage, run.Duration().Round(time.Second))
	}
}

// printHistory lists recent runs from the history store.
func printHistory(history store.RunStore, limit int) int {
	if history == nil {
		fmt.Fprintln(os.Stderr, "run history requires history.dsn to be configured")
		return ExitConfigError
	}
	runs, err := history.ListRuns(context.Background(), limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list runs: %v\n", err)
		return ExitUnknownError
	}
	for _, r := range runs {
		status := "failure"
		if r.Succeeded() {
			status = "success"
		}
		fmt.Printf("%s  %-8s  %-24s  %s\n", r.StartedAt.Format(time.RFC3339), status, r.Ref, r.Image)
	}
	return ExitSuccess
}

// exitCode maps the pipeline failure class to the process exit code.
func exitCode(err error) int {
	switch pipeline.Class(err) {
	case pipeline.ClassNone:
		return ExitSuccess
	case pipeline.ClassCheckout:
		return ExitCheckoutError
	case pipeline.ClassSecrets:
		return ExitSecretsError
	case pipeline.ClassAuth:
		return ExitAuthError
	case pipeline.ClassBuild:
		return ExitBuildError
	case pipeline.ClassPush:
		return ExitPushError
	case pipeline.ClassRetire:
		return ExitRetireError
	case pipeline.ClassLaunch:
		return ExitLaunchError
	case pipeline.ClassInFlight:
		return ExitInFlight
	default:
		return ExitUnknownError
	}
}

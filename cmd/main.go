// Copyright 2025 Casey Koons
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ckoons/argod/pkg/api"
	"github.com/ckoons/argod/pkg/config"
	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/control"
	"github.com/ckoons/argod/pkg/exitqueue"
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/metrics"
	"github.com/ckoons/argod/pkg/reaper"
	"github.com/ckoons/argod/pkg/sentry"
	"github.com/ckoons/argod/pkg/service/supervisor"
	"github.com/ckoons/argod/pkg/serviceregistry"
	"github.com/ckoons/argod/pkg/version"
	"github.com/ckoons/argod/pkg/workflow"
)

func main() {
	portFlag := flag.Int("port", 0, "listen port (overrides ARGO_DAEMON_PORT and the config file)")
	rootFlag := flag.String("root", "", "state directory (default ARGO_ROOT or ~/.argo)")
	flag.Parse()

	// Initialize the global logger first thing
	logger.Initialize()
	defer func() { _ = logger.Sync() }()

	// Initialize Sentry
	sentry.InitSentry(version.GetAppVersion(), true)

	log := logger.For(logger.ComponentCore)
	log.Info("Starting argod...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	baseDir := *rootFlag
	if baseDir == "" {
		var err error
		baseDir, err = config.ResolveBaseDir()
		if err != nil {
			sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to resolve state directory: %w", err)
			os.Exit(1)
		}
	}

	// Load the config
	configManager, err := config.NewFileConfigManagerWithBackoff(baseDir)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create config manager: %w", err)
		os.Exit(1)
	}

	// Load or create configuration with environment variable overrides.
	// This loads the config file if it exists, applies any environment
	// variables as overrides, and persists the result back to the file.
	configData, err := config.LoadConfigWithEnvOverrides(ctx, configManager, log)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %w", err)
		os.Exit(1)
	}

	// The --port flag outranks both the environment and the file.
	if *portFlag > 0 {
		configData.Server.Port = *portFlag
	}

	// LOGGING_LEVEL was already applied at Initialize; the file's level
	// only takes over when the variable is unset.
	if os.Getenv("LOGGING_LEVEL") == "" && configData.LogLevel != "" {
		logger.SetLevel(configData.LogLevel)
	}

	services := serviceregistry.NewRegistry()
	fsService := services.GetFileSystem()

	logDir := filepath.Join(baseDir, constants.LogDirName)
	if err := fsService.EnsureDirectory(ctx, logDir); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create log directory %s: %w", logDir, err)
		os.Exit(1)
	}

	// Start the metrics server
	metricsServer := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", configData.Server.MetricsPort))
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %w", err)
		}
	}()

	// Rebuild the registry from the last snapshot. A corrupt snapshot
	// starts the daemon with an empty registry rather than keeping it down.
	wfRegistry := workflow.NewRegistry()
	persister := workflow.NewPersister(fsService, baseDir)
	if _, err := persister.Restore(ctx, wfRegistry); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Registry restore failed, starting empty: %w", err)
	}

	queue, err := exitqueue.New(configData.Workflow.QueueCapacity)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create exit queue: %w", err)
		os.Exit(1)
	}

	childReaper := reaper.NewReaper(queue)
	defer childReaper.Stop()

	logManager := supervisor.NewLogManager(logDir,
		supervisor.WithRotationThresholds(time.Duration(configData.Logs.MaxAge), configData.Logs.MaxSize),
		supervisor.WithKeepCount(configData.Logs.KeepCount),
		supervisor.WithCompression(configData.Logs.CompressionEnabled()),
	)

	manager := workflow.NewManager(wfRegistry, services.GetSupervisor(), logManager, fsService)
	snapshots := workflow.NewSnapshotManager()

	// Wire the periodic tasks into the scheduler
	controlLoop := control.NewControlLoop(time.Duration(configData.Scheduler.TickInterval))
	snapshotTask := workflow.NewSnapshotTask(wfRegistry, persister, snapshots)
	controlLoop.Register(workflow.NewCompletionTask(wfRegistry, queue, services.GetSupervisor(), logManager),
		time.Duration(configData.Scheduler.CompletionInterval))
	controlLoop.Register(workflow.NewTimeoutTask(wfRegistry, services.GetSupervisor()),
		time.Duration(configData.Scheduler.TimeoutInterval))
	controlLoop.Register(workflow.NewRotationTask(wfRegistry, logManager, fsService),
		time.Duration(configData.Scheduler.RotationInterval))
	controlLoop.Register(snapshotTask,
		time.Duration(configData.Scheduler.SnapshotInterval))

	metrics.RegisterDebugProvider("control_loop", controlLoop)
	metrics.RegisterDebugProvider("workflow_registry", wfRegistry)

	apiConfig := api.DefaultConfig()
	apiConfig.Port = configData.Server.Port
	apiConfig.DefaultTimeout = time.Duration(configData.Workflow.DefaultTimeout)
	apiConfig.DefaultMaxRetries = configData.Workflow.DefaultMaxRetries

	apiServer, err := api.NewServer(manager, controlLoop, cancel, apiConfig)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create API server: %w", err)
		os.Exit(1)
	}

	// Supervise the scheduler, the API server and the signal watcher as
	// one group; the first failure or the first shutdown trigger cancels
	// all of them.
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return controlLoop.Execute(groupCtx)
	})

	group.Go(func() error {
		return apiServer.Start(groupCtx)
	})

	group.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Infof("Received signal %s, shutting down", sig)
			cancel()
		case <-groupCtx.Done():
		}

		return nil
	})

	<-groupCtx.Done()

	log.Info("Shutting down argod...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Drain in-flight API requests first so clients get their responses,
	// then wait for the scheduler to finish its cycle.
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Errorf("API server shutdown failed: %v", err)
	}

	if err := group.Wait(); err != nil {
		log.Errorf("Daemon failed: %v", err)
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Daemon failed: %w", err)
	}

	if err := controlLoop.Stop(shutdownCtx); err != nil {
		log.Errorf("Control loop stop failed: %v", err)
	}

	// Final snapshot so a restart sees the latest workflow state.
	if err := snapshotTask.Run(shutdownCtx); err != nil {
		log.Errorf("Final registry snapshot failed: %v", err)
	}

	log.Info("argod completed")
}

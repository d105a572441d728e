package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	goerrors "github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	yaml "github.com/jesseduffield/yaml"
	"github.com/samber/lo"

	"github.com/cuemby/sandboxctl/internal/applog"
	"github.com/cuemby/sandboxctl/internal/config"
	"github.com/cuemby/sandboxctl/internal/execution"
	"github.com/cuemby/sandboxctl/internal/fileops"
	"github.com/cuemby/sandboxctl/internal/pathguard"
	"github.com/cuemby/sandboxctl/internal/runner"
	"github.com/cuemby/sandboxctl/internal/transport"
	"github.com/cuemby/sandboxctl/internal/volume"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string

	printConfigFlag bool
	listenAddrFlag  string
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf("%s\nCommit: %s\nDate: %s\nOS: %s\nArch: %s",
		version, commit, date, runtime.GOOS, runtime.GOARCH)

	flaggy.SetName("sandboxctl")
	flaggy.SetDescription("Runs untrusted Python/shell code in ephemeral Docker containers")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/cuemby/sandboxctl"
	flaggy.Bool(&printConfigFlag, "c", "print-config", "Print the resolved configuration and exit")
	flaggy.String(&listenAddrFlag, "l", "listen", "HTTP listen address, overrides LISTEN_ADDR")
	flaggy.SetVersion(info)
	flaggy.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err.Error())
	}
	if listenAddrFlag != "" {
		cfg.ListenAddr = listenAddrFlag
	}

	if printConfigFlag {
		printConfig(cfg)
		os.Exit(0)
	}

	logger := applog.New(cfg)

	engine, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatalf("connect to container engine: %s", err.Error())
	}
	defer engine.Close()

	volumes := volume.NewRegistry(engine, logger)
	run := runner.New(engine, volumes, logger, cfg.ForwardEnv)
	guard := pathguard.New(cfg.WorkspaceDir)

	chart := execution.NewChart(run, cfg.SandboxImageName, logger)
	shell := execution.NewShell(run, cfg.SandboxImageName, cfg.WorkspaceDir)
	script := execution.NewScript(run, cfg.SandboxImageName, cfg.WorkspaceDir)
	files := fileops.New(run, guard, cfg.SandboxImageName, logger)

	adapter := transport.New(chart, shell, script, files, engine, logger,
		cfg.ContainerRunTimeoutDuration(), cfg.ScriptRunTimeoutDuration(), cfg.DefaultMemLimit)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: adapter.Router(),
	}

	logger.WithField("listen", cfg.ListenAddr).Info("sandboxctl starting")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			newErr := goerrors.Wrap(err, 0)
			logger.Error(newErr.ErrorStack())
			log.Fatalf("server exited: %s", err.Error())
		}
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("graceful shutdown failed")
		}
	}
}

func printConfig(cfg config.Config) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	if err := encoder.Encode(map[string]string{
		"sandbox_image_name": cfg.SandboxImageName,
		"workspace_dir":      cfg.WorkspaceDir,
		"default_mem_limit":  cfg.DefaultMemLimit,
		"default_network":    cfg.DefaultNetworkMode,
		"listen_addr":        cfg.ListenAddr,
		"log_level":          cfg.LogLevel,
		"log_format":         cfg.LogFormat,
	}); err != nil {
		log.Fatal(err.Error())
	}
	fmt.Printf("%s\n", buf.String())
}

func updateBuildInfo() {
	if version != defaultVersion {
		return
	}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if revision, found := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.revision"
	}); found {
		commit = revision.Value
		if len(commit) > 7 {
			version = commit[:7]
		} else {
			version = commit
		}
	}
	if t, found := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.time"
	}); found {
		date = t.Value
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/supabase/opensnoop/internal/config"
	"github.com/supabase/opensnoop/internal/correlator"
	"github.com/supabase/opensnoop/internal/docker"
	"github.com/supabase/opensnoop/internal/filter"
	"github.com/supabase/opensnoop/internal/ftrace"
	"github.com/supabase/opensnoop/internal/logger"
	"github.com/supabase/opensnoop/internal/report"
	"github.com/supabase/opensnoop/internal/rules"
	"github.com/supabase/opensnoop/internal/session"
)

func runSnoop(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		v.Set(config.KeyFile, args[0])
	}
	if err := config.ReadFile(v, flagConfig); err != nil {
		return err
	}

	cfg := config.Load(v)
	log := logger.Setup(cfg.Verbose, cfg.Debug, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if used := v.ConfigFileUsed(); used != "" {
		log.Info("Using config file", "path", used)
	}

	r, err := loadRules(cfg.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	engine, err := filter.New(cfg.FilterSpec())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Debug("Received signal, ending trace", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	expr, err := kernelFilter(ctx, cfg, log)
	if err != nil {
		return err
	}

	ctrl, dir, err := ftrace.Open(cfg.TracingDir, log)
	if err != nil {
		return err
	}
	log.Info("Using tracefs", "dir", dir)

	if err := session.CheckPermissions(dir); err != nil {
		return err
	}
	guard, err := session.Acquire(cfg.LockFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := guard.Release(); err != nil {
			log.Warn("Failed to release lock", "error", err)
		}
	}()

	defer func() {
		if err := ctrl.Teardown(); err != nil {
			log.Error("Failed to clean up ftrace", "error", err)
			fmt.Fprintf(os.Stderr, "WARNING: ftrace cleanup incomplete: %v\n", err)
		}
	}()
	if err := setupProbes(ctrl, r, cfg, expr); err != nil {
		return err
	}

	out, err := newWriter(cfg, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, banner(cfg))
	if err := out.WriteHeader(); err != nil {
		return err
	}

	corr := correlator.New(correlator.Options{
		Rules:    r,
		Filter:   engine,
		ShowTime: cfg.ShowTime,
		Queue:    cfg.Queue,
		Logger:   log,
	}, out)

	runErr := consume(ctx, ctrl, corr, cfg)

	stats := corr.Stats()
	log.Info("Trace finished",
		"lines", stats.Lines,
		"records", stats.Records,
		"filtered", stats.Filtered,
		"discarded", stats.Discarded,
		"lost", stats.Lost,
		"malformed", stats.Malformed,
		"pending", corr.Pending(),
	)

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func loadRules(path string) (*rules.Rules, error) {
	data := rules.DefaultRulesYAML
	if path != "" {
		custom, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rules file: %w", err)
		}
		data = custom
	}
	return rules.LoadFromYAML(data)
}

// kernelFilter returns the ftrace filter for a pid, tid or container
// target, or "" when every process is traced.
func kernelFilter(ctx context.Context, cfg *config.Config, log *log.Logger) (string, error) {
	if cfg.TID > 0 {
		return filter.KernelExpression([]int{cfg.TID}), nil
	}

	pid := cfg.PID
	if cfg.Container != "" {
		dockerClient, err := docker.NewClient()
		if err != nil {
			return "", err
		}
		defer dockerClient.Close()

		pid, err = dockerClient.ContainerPID(ctx, cfg.Container)
		if err != nil {
			return "", err
		}
		log.Info("Resolved container", "container", cfg.Container, "pid", pid)
	}
	if pid <= 0 {
		return "", nil
	}

	tids, err := filter.ThreadsOf(pid)
	if err != nil {
		return "", fmt.Errorf("failed to list threads: %w", err)
	}
	log.Debug("Filtering threads", "pid", pid, "threads", len(tids))
	return filter.KernelExpression(tids), nil
}

// setupProbes installs and enables the probe. Everything it changes is
// undone by ctrl.Teardown, also after a partial failure.
func setupProbes(ctrl *ftrace.Controller, r *rules.Rules, cfg *config.Config, expr string) error {
	if r.Probe.Name == "" || r.Probe.Definition == "" {
		return fmt.Errorf("rules define no probe to install")
	}
	events, err := ctrl.Install(ftrace.ProbeSpec{
		Name:          r.Probe.Name,
		Definition:    r.Probe.Definition,
		SyscallEvents: r.Probe.SyscallEvents,
	})
	if err != nil {
		return err
	}

	if cfg.Mode() == config.ModeBuffered {
		if err := ctrl.SetBufferSize(cfg.BufferKB); err != nil {
			return err
		}
	}
	if expr != "" {
		for _, event := range events {
			if err := ctrl.SetFilter(event, expr); err != nil {
				return err
			}
		}
	}
	if err := ctrl.Clear(); err != nil {
		return err
	}
	for _, event := range events {
		if err := ctrl.Enable(event); err != nil {
			return err
		}
	}
	return nil
}

func newWriter(cfg *config.Config, w, diag io.Writer) (report.Writer, error) {
	format := report.FormatText
	if cfg.JSON {
		format = report.FormatJSON
	}
	return report.New(format, w, diag, cfg.ShowTime)
}

func banner(cfg *config.Config) string {
	if cfg.Mode() == config.ModeBuffered {
		return fmt.Sprintf("Tracing open()s for %d seconds (buffered)...", int(cfg.Duration.Seconds()))
	}
	return "Tracing open()s. Ctrl-C to end."
}

func consume(ctx context.Context, ctrl *ftrace.Controller, corr *correlator.Correlator, cfg *config.Config) error {
	if cfg.Mode() == config.ModeBuffered {
		snapshot, err := ctrl.Snapshot(ctx, cfg.Duration)
		if err != nil {
			return err
		}
		defer snapshot.Close()
		return corr.RunBuffered(snapshot)
	}

	stream, err := ctrl.Live(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	return corr.RunLive(ctx, stream)
}

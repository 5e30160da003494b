package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/redswoop/domuser/internal/activitylog"
	"github.com/redswoop/domuser/internal/config"
	"github.com/redswoop/domuser/internal/llm"
	"github.com/redswoop/domuser/internal/memory"
	"github.com/redswoop/domuser/internal/persona"
	"github.com/redswoop/domuser/internal/pool"
	"github.com/redswoop/domuser/internal/ratelimit"
	"github.com/redswoop/domuser/internal/scheduler"
	"github.com/redswoop/domuser/internal/simclock"
	"github.com/redswoop/domuser/internal/tui"
)

type orchestrateOptions struct {
	personas    string
	personasDir string
	speed       float64
	simStart    string
	rpm         int
	maxConc     int
	noTUI       bool
	verbose     bool
}

func newOrchestrateCmd() *cobra.Command {
	var (
		opts      orchestrateOptions
		port      int
		model     string
		memoryDir string
	)

	cmd := &cobra.Command{
		Use:   "orchestrate <host>",
		Short: "Run the whole scheduled community against a board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.NewSession(args[0])
			cfg.Port = port
			cfg.Model = model
			cfg.MemoryDir = memoryDir
			if err := cfg.Validate(); err != nil {
				return err
			}
			if opts.maxConc < 1 {
				return fmt.Errorf("max-concurrent must be at least 1")
			}
			if opts.rpm < 1 {
				return fmt.Errorf("rpm must be at least 1")
			}
			if opts.speed < 0 {
				return fmt.Errorf("speed cannot be negative (0 means turbo)")
			}
			return runOrchestrate(cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.personas, "personas", "all", "comma-separated persona handles, or all")
	f.StringVar(&opts.personasDir, "personas-dir", "personas", "directory of persona YAML files")
	f.IntVar(&opts.maxConc, "max-concurrent", config.DefaultMaxConcurrent, "simultaneous sessions")
	f.Float64Var(&opts.speed, "speed", 1, "simulated hours per real hour (0 = turbo)")
	f.StringVar(&opts.simStart, "sim-start", "", "simulated start time, RFC 3339 (default: now)")
	f.IntVar(&opts.rpm, "rpm", config.DefaultRequestsPerMin, "model requests per minute across all sessions")
	f.BoolVar(&opts.noTUI, "no-tui", false, "log to stderr instead of the monitoring TUI")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	f.IntVar(&port, "port", config.DefaultPort, "telnet port")
	f.StringVar(&model, "model", config.DefaultModel, "model identifier")
	f.StringVar(&memoryDir, "memory-dir", "memory", "root of the persistent memory tree")

	return cmd
}

func runOrchestrate(cfg config.Session, opts orchestrateOptions) error {
	logger := config.NewLogger(opts.verbose)
	apiKey, err := config.APIKey()
	if err != nil {
		return err
	}

	loaded, err := persona.LoadDir(opts.personasDir)
	if err != nil {
		return err
	}
	selected, err := persona.Select(loaded, opts.personas)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		return fmt.Errorf("no personas selected")
	}

	simStart := time.Now()
	if opts.simStart != "" {
		simStart, err = time.Parse(time.RFC3339, opts.simStart)
		if err != nil {
			return fmt.Errorf("parse --sim-start: %w", err)
		}
	}
	sim := simclock.New(simStart, opts.speed, clockwork.NewRealClock())
	limiter := ratelimit.New(opts.rpm, clockwork.NewRealClock())
	defer limiter.Dispose()

	client := llm.NewClient(apiKey, cfg.Model, config.DefaultMaxTokens, logger)
	p := pool.New(pool.Config{
		Host:           cfg.Host,
		Port:           cfg.Port,
		MaxConcurrent:  opts.maxConc,
		ConnectTimeout: config.DefaultConnectTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		PromptGrace:    cfg.PromptGrace,
		KeystrokeMin:   cfg.KeystrokeMin,
		KeystrokeMax:   cfg.KeystrokeMax,
		MaxTurns:       cfg.MaxTurns,
		MemoryDir:      cfg.MemoryDir,
		Clock:          sim,
		Completer:      client,
		Extractor:      memory.NewExtractor(client, logger),
		Limiter:        limiter,
		Logger:         logger,
	})

	if err := os.MkdirAll(cfg.MemoryDir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	activity := activitylog.New(true, filepath.Join(cfg.MemoryDir, "activity.log"))
	defer activity.Close()
	go activity.Consume(p.Events().Subscribe(512))
	activity.RunStarted(cfg.Host, cfg.Port, len(selected), opts.maxConc)

	sched := scheduler.New(sim, selected, logger, func(slot scheduler.Slot) {
		activity.SlotDue(slot.Persona.Handle, slot.At)
		p.Enqueue(slot.Persona)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler stopped", "err", err)
		}
	}()

	logger.Info("orchestrator started",
		"host", cfg.Host,
		"personas", len(selected),
		"max_concurrent", opts.maxConc,
		"speed", opts.speed)

	reason := "interrupt"
	if opts.noTUI {
		<-ctx.Done()
	} else {
		if err := tui.Run(ctx, p, sim); err != nil {
			logger.Warn("tui exited", "err", err)
		}
		if ctx.Err() == nil {
			reason = "operator quit"
		}
		stop()
	}

	<-schedDone
	p.Shutdown(config.DefaultShutdownTimeout)
	activity.RunStopped(reason)
	logger.Info("orchestrator stopped", "reason", reason)
	return nil
}

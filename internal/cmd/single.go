package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/redswoop/domuser/internal/config"
	"github.com/redswoop/domuser/internal/console"
	"github.com/redswoop/domuser/internal/llm"
	"github.com/redswoop/domuser/internal/localpty"
	"github.com/redswoop/domuser/internal/memory"
	"github.com/redswoop/domuser/internal/persona"
	"github.com/redswoop/domuser/internal/pool"
	"github.com/redswoop/domuser/internal/session"
	"github.com/redswoop/domuser/internal/telnet"
	"github.com/redswoop/domuser/internal/virtualterminal"
)

type singleOptions struct {
	persona     string
	personasDir string
	local       string
	console     bool
	verbose     bool
}

func newSingleCmd() *cobra.Command {
	var (
		opts           singleOptions
		port           int
		maxTurns       int
		sessionMinutes int
		idleTimeoutMS  int
		keystrokeMinMS int
		keystrokeMaxMS int
		model          string
		memoryDir      string
	)

	cmd := &cobra.Command{
		Use:   "single <host>",
		Short: "Run one persona session against a board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.NewSession(args[0])
			cfg.Port = port
			cfg.MaxTurns = maxTurns
			cfg.SessionMinutes = sessionMinutes
			cfg.IdleTimeout = time.Duration(idleTimeoutMS) * time.Millisecond
			cfg.KeystrokeMin = time.Duration(keystrokeMinMS) * time.Millisecond
			cfg.KeystrokeMax = time.Duration(keystrokeMaxMS) * time.Millisecond
			cfg.Model = model
			cfg.MemoryDir = memoryDir
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runSingle(cfg, opts)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.console, "console", false, "render the session to stdout and let the operator co-drive")
	f.StringVar(&opts.persona, "persona", "", "persona handle to run (required when several are loaded)")
	f.StringVar(&opts.personasDir, "personas-dir", "personas", "directory of persona YAML files")
	f.StringVar(&opts.local, "local", "", "run this command under a local PTY instead of dialing out")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	f.IntVar(&port, "port", config.DefaultPort, "telnet port")
	f.IntVar(&maxTurns, "max-turns", config.DefaultMaxTurns, "turn budget for the session")
	f.IntVar(&sessionMinutes, "session-minutes", config.DefaultSessionMinutes, "wall-clock budget in minutes")
	f.IntVar(&idleTimeoutMS, "idle-timeout", 1500, "screen settle timeout in milliseconds")
	f.IntVar(&keystrokeMinMS, "keystroke-min", 40, "minimum keystroke delay in milliseconds")
	f.IntVar(&keystrokeMaxMS, "keystroke-max", 120, "maximum keystroke delay in milliseconds")
	f.StringVar(&model, "model", config.DefaultModel, "model identifier")
	f.StringVar(&memoryDir, "memory-dir", "memory", "root of the persistent memory tree")

	return cmd
}

func runSingle(cfg config.Session, opts singleOptions) error {
	logger := config.NewLogger(opts.verbose)
	apiKey, err := config.APIKey()
	if err != nil {
		return err
	}

	personas, err := persona.LoadDir(opts.personasDir)
	if err != nil {
		return err
	}
	pe, err := pickPersona(personas, opts.persona)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var transport pool.Stream
	if opts.local != "" {
		name, cmdArgs, err := splitCommand(opts.local)
		if err != nil {
			return fmt.Errorf("--local: %w", err)
		}
		proc, err := localpty.Start(name, cmdArgs, virtualterminal.Rows, virtualterminal.Cols, nil)
		if err != nil {
			return err
		}
		transport = proc
	} else {
		conn, err := telnet.Dial(ctx, cfg.Host, cfg.Port, config.DefaultConnectTimeout)
		if err != nil {
			return err
		}
		transport = conn
	}
	defer transport.Close()

	buffer := virtualterminal.NewBuffer(cfg.IdleTimeout, cfg.PromptGrace, nil)
	go pump(transport, buffer)

	store := memory.Open(cfg.MemoryDir, cfg.Host, pe.Handle, logger)
	client := llm.NewClient(apiKey, cfg.Model, config.DefaultMaxTokens, logger)
	sess := session.New(session.Config{
		Persona:      pe,
		Transport:    transport,
		Buffer:       buffer,
		Store:        store,
		Completer:    client,
		Extractor:    memory.NewExtractor(client, logger),
		Logger:       logger,
		MaxTurns:     cfg.MaxTurns,
		SessionTime:  time.Duration(cfg.SessionMinutes) * time.Minute,
		KeystrokeMin: cfg.KeystrokeMin,
		KeystrokeMax: cfg.KeystrokeMax,
	})

	renderDone := make(chan struct{})
	if opts.console {
		cons := console.New(os.Stdout)
		events := sess.Events().Subscribe(256)
		go func() {
			cons.Render(events)
			close(renderDone)
		}()

		if isatty.IsTerminal(os.Stdin.Fd()) {
			// Remember the terminal state ourselves: if the session ends
			// while passthrough still owns stdin, its deferred restore
			// never runs.
			fd := int(os.Stdin.Fd())
			if saved, err := term.GetState(fd); err == nil {
				defer term.Restore(fd, saved)
			}
			go func() {
				cons.SetCRLF(true)
				if err := console.Passthrough(os.Stdin, transport); err != nil {
					logger.Debug("passthrough ended", "err", err)
				}
				cons.SetCRLF(false)
			}()
		}
	} else {
		close(renderDone)
	}

	go func() {
		<-ctx.Done()
		sess.Stop()
	}()

	runErr := sess.Run(ctx)
	sess.Events().Close()
	<-renderDone
	transport.Close()
	return runErr
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"yaxha/internal/bootstrap"
	"yaxha/internal/broadcast"
	"yaxha/internal/config"
	"yaxha/internal/domain"
)

var version = "dev"

type runOptions struct {
	backendURL string
	noSpeech   bool
	logLevel   string
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "examctl",
		Short:        "Terminal client for the spoken exam backend",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.AddCommand(newRunCmd(in, out), newVersionCmd(out))
	return root
}

func newVersionCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(out, "examctl %s\n", version)
		},
	}
}

func newRunCmd(in io.Reader, out io.Writer) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the backend and take the exam from the terminal",
		Long: `Connects to the exam backend and reads commands from stdin:

  start    begin the exam
  toggle   start or end your answer (an empty line does the same)
  dismiss  clear the current error
  quit     leave the exam`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			applyRunOptions(&cfg, opts)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSession(ctx, cfg, in, out)
		},
	}
	cmd.Flags().StringVar(&opts.backendURL, "backend", "", "exam backend websocket URL")
	cmd.Flags().BoolVar(&opts.noSpeech, "no-speech", false, "do not narrate examiner responses")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

func applyRunOptions(cfg *config.Config, opts runOptions) {
	if opts.backendURL != "" {
		cfg.Backend.URL = opts.backendURL
	}
	if opts.noSpeech {
		cfg.Speech.Enabled = false
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
}

func runSession(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	services, err := bootstrap.BuildWith(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		broadcast.Watch(ctx, services.Bus.Snapshot, newPrinter(out).snapshot)
	}()
	go func() {
		defer wg.Done()
		broadcast.Consume(ctx, services.Bus.Notices, func(n domain.Notice) {
			fmt.Fprintf(out, "! [%s] %s\n", n.Code, n.Message)
		})
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- services.Run(ctx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			quit, err := dispatch(ctx, services.Controller, line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				break loop
			}
		}
	}

	cancel()
	err = <-runErr
	wg.Wait()
	return err
}

type sessionActions interface {
	StartExam(ctx context.Context) error
	Toggle(ctx context.Context) error
	DismissError(ctx context.Context) error
}

var errUnknownCommand = errors.New("unknown command (try start, toggle, dismiss or quit)")

// dispatch runs one stdin command. It reports whether the client should exit.
func dispatch(ctx context.Context, session sessionActions, line string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "start", "s":
		return false, session.StartExam(ctx)
	case "", "toggle", "t":
		return false, session.Toggle(ctx)
	case "dismiss", "d":
		return false, session.DismissError(ctx)
	case "quit", "q", "exit":
		return true, nil
	default:
		return false, errUnknownCommand
	}
}

// printer writes the parts of each snapshot that changed.
type printer struct {
	out  io.Writer
	last domain.Snapshot
	seen bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) snapshot(s domain.Snapshot) {
	prev, first := p.last, !p.seen
	p.last, p.seen = s, true

	if first || s.StageHeader != prev.StageHeader {
		fmt.Fprintf(p.out, "== %s ==\n", s.StageHeader)
	}
	if s.Question != "" && (first || s.Question != prev.Question) {
		fmt.Fprintf(p.out, "Examiner: %s\n", s.Question)
	}
	if s.Transcript != "" && (first || s.Transcript != prev.Transcript) {
		fmt.Fprintf(p.out, "You: %s\n", s.Transcript)
	}
	if first || s.Status != prev.Status {
		fmt.Fprintf(p.out, "[%s]\n", s.Status)
	}
}

// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/microsoft/rvdbg/internal/rsp"
	"github.com/microsoft/rvdbg/pkg/logger"
)

const (
	// Defaults match the OpenOCD gdbserver endpoint.
	defaultHost = "localhost"
	defaultPort = 3333

	// defaultPollInterval paces the background notification poll while the
	// console waits for input.
	defaultPollInterval = 500 * time.Millisecond

	envHost = "RVDBG_HOST"
	envPort = "RVDBG_PORT"
)

type rootOptions struct {
	host          string
	port          int
	envFile       string
	targetXMLPath string
	pollInterval  time.Duration
	noConnect     bool
}

// NewRootCommand builds the rvdbg command tree.
func NewRootCommand(log *logger.Logger) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "rvdbg",
		Short: "Interactive debugger console for remote GDB protocol targets",
		Long: `rvdbg is an interactive console for debug servers that speak the GDB
remote serial protocol (OpenOCD, QEMU, emulators). It connects over TCP,
switches the target to no-acknowledgment mode, and exposes memory, register,
breakpoint, and execution control commands.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConsole(cmd.Context(), log, opts)
		},
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.AddCommand(NewVersionCommand(log.Logger))

	flags := rootCmd.Flags()
	flags.StringVar(&opts.host, "host", "", "Target host (default $RVDBG_HOST or 'localhost')")
	flags.IntVar(&opts.port, "port", 0, "Target port (default $RVDBG_PORT or 3333)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "Env file providing connection defaults")
	flags.StringVar(&opts.targetXMLPath, "target-xml", "target.xml", "File the target feature description is written to on connect (empty disables)")
	flags.DurationVar(&opts.pollInterval, "poll-interval", defaultPollInterval, "Interval of the background notification poll")
	flags.BoolVar(&opts.noConnect, "no-connect", false, "Start the console without connecting")

	log.AddLevelFlag(rootCmd.PersistentFlags())

	return rootCmd
}

// resolveAddress layers flag > env file > environment > default.
func resolveAddress(opts *rootOptions, log *logger.Logger) string {
	env := map[string]string{}
	if opts.envFile != "" {
		if fromFile, err := godotenv.Read(opts.envFile); err == nil {
			env = fromFile
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Error(err, "failed to read env file", "path", opts.envFile)
		}
	}

	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return env[key]
	}

	host := opts.host
	if host == "" {
		host = lookup(envHost)
	}
	if host == "" {
		host = defaultHost
	}

	port := opts.port
	if port == 0 {
		if v, err := strconv.Atoi(lookup(envPort)); err == nil {
			port = v
		}
	}
	if port == 0 {
		port = defaultPort
	}

	return net.JoinHostPort(host, strconv.Itoa(port))
}

func runConsole(ctx context.Context, log *logger.Logger, opts *rootOptions) error {
	address := resolveAddress(opts, log)

	observer := &consoleObserver{
		log:           log.Logger.WithName("target"),
		targetXMLPath: opts.targetXMLPath,
	}
	session := rsp.New(rsp.Config{
		Observer: observer,
		Logger:   log.Logger.WithName("rsp"),
	})
	defer session.Disconnect()

	if !opts.noConnect {
		if _, err := session.Connect(ctx, address); err != nil {
			// The console still comes up; 'connect' retries interactively.
			log.Error(err, "initial connection failed", "address", address)
		}
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	go pollLoop(pollCtx, session, opts.pollInterval, log)

	console := NewConsole(session, address, os.Stdout, log.Logger.WithName("console"))

	lines := make(chan string)
	go readLines(ctx, os.Stdin, lines)

	fmt.Printf("rvdbg console, 'help' lists commands\n")
	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := console.Dispatch(ctx, line)
			if errors.Is(err, ErrQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	}
}

// pollLoop drains asynchronous target notifications while the console is
// idle. Session.Poll never blocks behind an in-flight command.
func pollLoop(ctx context.Context, session *rsp.Session, interval time.Duration, log *logger.Logger) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := session.Poll(); err != nil && !errors.Is(err, rsp.ErrNotConnected) {
				log.Error(err, "notification poll failed")
			}
		}
	}
}

func readLines(ctx context.Context, in *os.File, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// consoleObserver renders session notifications for an interactive user and
// persists the target feature description on connect.
type consoleObserver struct {
	log           logr.Logger
	targetXMLPath string
}

func (o *consoleObserver) OnTargetDescriptionUpdated(desc *rsp.TargetDescription) {
	if o.targetXMLPath == "" || desc == nil {
		return
	}
	if err := os.WriteFile(o.targetXMLPath, desc.Raw, 0o644); err != nil {
		o.log.Error(err, "failed to persist target description", "path", o.targetXMLPath)
	}
}

func (o *consoleObserver) OnStateUpdated(state rsp.ExecutionState) {
	o.log.Info("execution state changed", "state", state.String())
}

func (o *consoleObserver) OnLog(text string) {
	fmt.Print(text)
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	tug "github.com/kyle-sylvestre/tug"
	"github.com/kyle-sylvestre/tug/internal/logging"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// GDBPath is the debugger binary to spawn.
	GDBPath string
	// ExePath is the executable to debug.
	ExePath string
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	// Verbose enables debug logging.
	Verbose bool
}

var rootCmd = &cobra.Command{
	Use:           "tug",
	Short:         "Frontend for the GDB machine interface",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cmd.GDBPath, "gdb", "", "path to debugger binary")
	rootCmd.Flags().StringVar(&cmd.ExePath, "exe", "", "path to executable to debug")
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "tug.yaml", "path to the configuration file")
	rootCmd.Flags().BoolVarP(&cmd.Verbose, "verbose", "v", false, "verbose output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	logConfig := logging.DefaultConfig()
	if cmd.Verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)
	defer logger.Sync()

	cfg, err := tug.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// flags override file values
	if cmd.GDBPath != "" {
		cfg.GDBPath = cmd.GDBPath
	}
	if cmd.ExePath != "" {
		cfg.DebugExePath = cmd.ExePath
	}
	if cfg.GDBPath == "" {
		return errors.New("no debugger configured, pass --gdb or set gdb_path")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := tug.Spawn(ctx, tug.Params{GDBPath: cfg.GDBPath, GDBArgs: cfg.GDBArgs}, &tug.Options{
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer session.Shutdown()

	if cfg.DebugExePath != "" {
		if err := session.LoadInferior(cfg.DebugExePath, cfg.DebugExeArgs); err != nil {
			return err
		}
	}

	// user commands arrive over stdin and are forwarded on the driver loop
	input := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			input <- scanner.Text()
		}
		close(input)
	}()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return drive(ctx, session, input)
	})
	wg.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Infof("caught signal: %v", sig)
			cancel()
			return nil
		case <-ctx.Done():
			return nil
		}
	})

	return wg.Wait()
}

// drive is the single driver loop: it pumps the model update pass on a
// tick and forwards user commands, echoing completed console lines.
func drive(ctx context.Context, session *tug.Session, input <-chan string) error {
	tick := time.NewTicker(16 * time.Millisecond)
	defer tick.Stop()

	var printed uint64
	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-input:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if _, err := session.SendBlocking(line); err != nil && tug.IsCode(err, tug.ErrCodeTransport) {
				return err
			}
			printed = echoConsole(session, printed)

		case <-tick.C:
			if err := session.ProcessEvents(); err != nil && tug.IsCode(err, tug.ErrCodeTransport) {
				return err
			}
			printed = echoConsole(session, printed)
		}
	}
}

// echoConsole prints console lines completed since the last call.
func echoConsole(session *tug.Session, printed uint64) uint64 {
	written := session.ConsoleLinesWritten()
	delta := written - printed
	if delta == 0 {
		return printed
	}
	if delta > tug.NumLogRows-1 {
		delta = tug.NumLogRows - 1
	}

	lines := session.ConsoleLines()
	// ring is newest-first; index 0 is the partial row
	for i := int(delta); i >= 1; i-- {
		fmt.Println(lines[i].Text)
	}
	return written
}

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sark-labs/sark/internal/adapter/outbound/state"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gateway",
	Long: `Stop a running gateway by reading its pid from the run-state file and
sending SIGTERM.

The run-state file location follows the same resolution as start:
the --state flag, then SARK_STATE_PATH, then ./sark-state.json.

Examples:
  # Stop the gateway started from this directory
  sark stop`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store := state.NewFileStateStore(resolveStatePath(), logger)

	runState, err := store.Load()
	if err != nil {
		return fmt.Errorf("read run state: %w", err)
	}
	if !runState.HasProcess() {
		return fmt.Errorf("no running gateway recorded in %s\nIs the gateway running?", store.Path())
	}
	pid := runState.PID

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("invalid pid %d: %w", pid, err)
	}
	if !processIsAlive(proc) {
		runState.MarkStopped()
		if err := store.Save(runState); err != nil {
			return fmt.Errorf("clear stale run state: %w", err)
		}
		return fmt.Errorf("gateway process %d is not running (stale record cleared)", pid)
	}

	// Graceful stop: SIGTERM on Unix, Kill on Windows.
	fmt.Fprintf(os.Stderr, "Stopping sark gateway (pid %d)...\n", pid)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop gateway: %w", err)
	}

	// Wait for the process to exit (poll every 200ms, max 10s). The
	// gateway clears its own run-state record on clean shutdown.
	for i := 0; i < 50; i++ {
		time.Sleep(200 * time.Millisecond)
		if !processIsAlive(proc) {
			fmt.Fprintf(os.Stderr, "Gateway stopped.\n")
			return nil
		}
	}

	fmt.Fprintf(os.Stderr, "Gateway did not stop gracefully, sending SIGKILL...\n")
	_ = proc.Kill()
	runState.MarkStopped()
	if err := store.Save(runState); err != nil {
		return fmt.Errorf("clear run state after kill: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Gateway killed.\n")
	return nil
}

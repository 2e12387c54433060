package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/harun/lifeline/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the lifeline daemon",
	Long: `Stop the lifeline daemon gracefully.
Sends SIGTERM to the daemon and waits for it to shut down, then SIGKILL once
the timeout passes.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := cfg.PIDFile()

	pid, err := daemon.ReadPIDFile(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Daemon is not running")
		if err == nil {
			_ = os.Remove(pidFile)
		}
		return nil
	}

	stopped, err := stopProcess(pid, time.Duration(stopTimeout)*time.Second)
	if err != nil {
		return err
	}
	_ = os.Remove(pidFile)
	if stopped {
		fmt.Fprintln(out, "Daemon stopped successfully")
	} else {
		fmt.Fprintln(out, "Timeout reached, daemon killed")
	}
	return nil
}

// stopProcess sends SIGTERM and waits up to timeout before SIGKILL. It
// reports whether the process exited on its own.
func stopProcess(pid int, timeout time.Duration) (bool, error) {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return false, fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := process.Signal(syscall.SIGKILL); err != nil && daemon.ProcessAlive(pid) {
		return false, fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	return false, nil
}

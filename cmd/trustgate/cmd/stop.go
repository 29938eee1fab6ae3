package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const stopPollInterval = 200 * time.Millisecond

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gateway",
	Long: `Send SIGTERM to the trustgate process named in ~/.trustgate/server.pid
and wait for it to exit, killing it after --timeout.

Sessions live in process memory, so every signed-in user has to sign in
again after a restart. Rate-limit counters survive only with a file, sqlite
or redis store.

Examples:
  trustgate stop
  trustgate stop --timeout 30s`,
	RunE: runStop,
}

var stopTimeout time.Duration

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 10*time.Second, "Grace period before the process is killed")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, _ []string) error {
	out := cmd.ErrOrStderr()
	pidPath := pidFilePath()

	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no PID file at %s; is trustgate running?", pidPath)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		_ = os.Remove(pidPath)
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if !processIsAlive(proc) {
		_ = os.Remove(pidPath)
		return fmt.Errorf("process %d is not running, removed stale PID file", pid)
	}

	fmt.Fprintf(out, "stopping trustgate (pid %d)\n", pid)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	if waitForExit(func() bool { return processIsAlive(proc) }, stopTimeout, stopPollInterval) {
		_ = os.Remove(pidPath)
		fmt.Fprintln(out, "stopped")
		return nil
	}

	fmt.Fprintf(out, "still running after %s, killing\n", stopTimeout)
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	_ = os.Remove(pidPath)
	fmt.Fprintln(out, "killed")
	return nil
}

// waitForExit polls alive until it reports false or timeout passes. It
// reports whether the process exited in time.
func waitForExit(alive func() bool, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !alive() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}

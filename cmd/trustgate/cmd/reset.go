package cmd

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/freightdesk/trustgate/internal/config"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove persisted rate limit counters",
	Long: `Reset clears every attempt counter kept by a file or SQLite rate limit
store, unlocking all users and sessions immediately.

In-memory stores reset when the server restarts. Redis counters expire on
their own; use your Redis tooling to clear them early.

Stop the server first: a running server may recreate the files.

Examples:
  # Interactive confirmation
  trustgate reset

  # No prompt
  trustgate reset --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

// resetTarget is a file reset removes.
type resetTarget struct {
	path string
	desc string
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	targets, err := resetTargets(cfg.RateLimit.Store)
	if err != nil {
		return err
	}
	return removeTargets(cmd.InOrStdin(), cmd.ErrOrStderr(), targets, resetForce)
}

// resetTargets lists the files backing store. Stores without files yield
// none.
func resetTargets(store string) ([]resetTarget, error) {
	if store == "" || store == "memory://" {
		return nil, nil
	}
	u, err := url.Parse(store)
	if err != nil {
		return nil, fmt.Errorf("parse rate_limit.store: %w", err)
	}
	switch u.Scheme {
	case "file":
		return []resetTarget{
			{u.Path, "rate limit state"},
			{u.Path + ".bak", "rate limit backup"},
			{u.Path + ".lock", "lock file"},
		}, nil
	case "sqlite":
		return []resetTarget{
			{u.Path, "rate limit database"},
			{u.Path + "-wal", "write-ahead log"},
			{u.Path + "-shm", "shared memory index"},
		}, nil
	case "redis", "rediss":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported rate_limit.store scheme %q", u.Scheme)
	}
}

// removeTargets deletes the targets that exist, asking first unless force.
func removeTargets(in io.Reader, out io.Writer, targets []resetTarget, force bool) error {
	var existing []resetTarget
	for _, t := range targets {
		if _, err := os.Stat(t.path); err == nil {
			existing = append(existing, t)
		}
	}
	if len(existing) == 0 {
		fmt.Fprintln(out, "Nothing to reset: no persisted rate limit files found.")
		return nil
	}

	fmt.Fprintln(out, "The following will be removed:")
	for _, t := range existing {
		fmt.Fprintf(out, "  - %s (%s)\n", t.path, t.desc)
	}

	if !force {
		fmt.Fprint(out, "\nProceed? [y/N] ")
		var answer string
		fmt.Fscanln(in, &answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var failed int
	for _, t := range existing {
		if err := os.Remove(t.path); err != nil {
			fmt.Fprintf(out, "  ERROR removing %s: %v\n", t.path, err)
			failed++
		} else {
			fmt.Fprintf(out, "  Removed %s\n", t.path)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d file(s) could not be removed", failed)
	}
	fmt.Fprintln(out, "\nReset complete. All attempt counters start fresh.")
	return nil
}

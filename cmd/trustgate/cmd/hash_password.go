package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/freightdesk/trustgate/internal/domain/auth"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Generate an Argon2id hash for an identity",
	Long: `Generate an Argon2id hash of a password for use in config.

The output can be used directly in the auth.identities[].password_hash field.
Without an argument the password is read from the first line of stdin.

Examples:
  trustgate hash-password "correct horse battery staple"
  # Output: $argon2id$v=19$m=65536,t=1,p=...

  # Keep the password out of shell history
  printf '%s\n' "$PORTAL_PASSWORD" | trustgate hash-password`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := passwordInput(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}

// passwordInput returns the argument, or the first stdin line without its
// line ending.
func passwordInput(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("no password given: pass it as an argument or on stdin")
	}
	return password, nil
}

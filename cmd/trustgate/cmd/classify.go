package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/freightdesk/trustgate/internal/config"
	"github.com/freightdesk/trustgate/internal/domain/errsafe"
)

var (
	classifyStatus  int
	classifyBody    string
	classifyNetwork bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Show the display-safe message for a backend error",
	Long: `Run a backend error response through the error sanitizer with the
configured code catalog and print what a user would see.

The body is read from --body, or from stdin when --body is "-".

Examples:
  trustgate classify --status 409 --body '{"code":"SLOT_UNAVAILABLE"}'
  curl -s https://portal.internal/api/bookings | trustgate classify --status 500 --body -
  trustgate classify --network`,
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().IntVar(&classifyStatus, "status", http.StatusInternalServerError, "HTTP status of the backend response")
	classifyCmd.Flags().StringVar(&classifyBody, "body", "", `Response body, or "-" for stdin`)
	classifyCmd.Flags().BoolVar(&classifyNetwork, "network", false, "Classify a network failure instead of a response")
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	sanitizer, err := buildSanitizer(cfg.Errors, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}

	body := []byte(classifyBody)
	if classifyBody == "-" {
		body, err = io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
	}

	return writeClassification(cmd.OutOrStdout(), classifyOffline(sanitizer, classifyNetwork, classifyStatus, body))
}

// classifyOffline classifies a network failure or a status and body pair.
func classifyOffline(s *errsafe.Sanitizer, network bool, status int, body []byte) errsafe.Classification {
	if network {
		return s.Classify(&errsafe.BackendError{Network: true})
	}
	return s.ClassifyResponse(status, body)
}

// classifyOutput is the printed form of a Classification.
type classifyOutput struct {
	errsafe.Classification
	Retryable   bool `json:"retryable"`
	ForceLogout bool `json:"force_logout"`
}

func writeClassification(w io.Writer, c errsafe.Classification) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(classifyOutput{
		Classification: c,
		Retryable:      c.Kind.Retryable(),
		ForceLogout:    c.Kind.ForcesLogout(),
	})
}

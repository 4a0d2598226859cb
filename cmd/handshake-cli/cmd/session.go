package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-wallet-handshake/internal/session"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/config"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/logging"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored sessions",
	Long:  `Commands for inspecting the sessions and claim receipts kept by the session store.`,
}

var (
	sessionGetID      string
	sessionGetRequest string
)

var sessionGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show a stored session",
	Long:  `Show a session by its ID, or by the request ID of the handshake that created it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionGetID == "" && sessionGetRequest == "" {
			return fmt.Errorf("--id or --request is required")
		}

		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		logger, err := logging.NewCLILogger(logLevel)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		store, err := session.NewStore(cfg.SessionStore, clockwork.NewRealClock(), logger)
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
		defer func() { _ = store.Close() }()

		var data *session.SessionData
		if sessionGetID != "" {
			data, err = store.Get(cmd.Context(), sessionGetID)
		} else {
			data, err = store.GetByRequest(cmd.Context(), sessionGetRequest)
		}
		if errors.Is(err, session.ErrSessionNotFound) {
			return fmt.Errorf("no session found")
		}
		if err != nil {
			return err
		}

		if output == "json" {
			data.Token = ""
			return printJSON(cmd.OutOrStdout(), data)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ID:         %s\n", data.ID)
		fmt.Fprintf(out, "Kind:       %s\n", data.Kind)
		fmt.Fprintf(out, "Request ID: %s\n", data.RequestID)
		if data.Subject != "" {
			fmt.Fprintf(out, "Subject:    %s\n", data.Subject)
		}
		if data.Kind == session.KindClaim {
			fmt.Fprintf(out, "Insurance:  %s\n", data.InsuranceID)
			fmt.Fprintf(out, "Address:    %s\n", data.Address)
			fmt.Fprintf(out, "Tx hash:    %s\n", data.TxHash)
		}
		fmt.Fprintf(out, "Expires:    %s\n", data.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionGetCmd)

	sessionGetCmd.Flags().StringVar(&sessionGetID, "id", "", "Session ID")
	sessionGetCmd.Flags().StringVar(&sessionGetRequest, "request", "", "Request ID of the handshake")
}

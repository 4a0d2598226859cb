package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
	"github.com/sirosfoundation/go-wallet-handshake/internal/session"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/config"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/logging"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with the wallet",
	Long:  `Print a login request as a QR code and wait for the wallet to approve it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVariant(cmd, domain.VariantLogin, "", "")
	},
}

var (
	claimInsuranceID string
	claimCardID      string
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim a certificate into the wallet",
	Long: `Print a claim request as a QR code, wait for the wallet address and
transfer the certificate to it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if claimInsuranceID == "" {
			return fmt.Errorf("--insurance-id is required")
		}
		if claimCardID == "" {
			return fmt.Errorf("--card-id is required")
		}
		return runVariant(cmd, domain.VariantClaim, claimInsuranceID, claimCardID)
	},
}

func runVariant(cmd *cobra.Command, variant domain.Variant, insuranceID, cardID string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger, err := logging.NewCLILogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	clock := clockwork.NewRealClock()
	store, err := session.NewStore(cfg.SessionStore, clock, logger)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() { _ = store.Close() }()

	r := &runner{
		cfg:    cfg,
		store:  store,
		clock:  clock,
		out:    cmd.OutOrStdout(),
		status: cmd.ErrOrStderr(),
		logger: logger,
	}

	confirmer, err := r.confirmer(variant, insuranceID, cardID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	outcome, err := r.run(ctx, confirmer)
	if outcome != nil {
		if rerr := r.report(outcome); rerr != nil {
			return rerr
		}
	}
	return err
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(claimCmd)

	claimCmd.Flags().StringVar(&claimInsuranceID, "insurance-id", "", "Insurance ID of the certificate (required)")
	claimCmd.Flags().StringVar(&claimCardID, "card-id", "", "Card ID of the certificate (required)")
}

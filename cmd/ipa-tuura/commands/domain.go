package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/isometry/ipa-tuura/internal/domain"
)

func newDomainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Inspect the integration domain",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored domain record without secrets",
		Args:  cobra.NoArgs,
		RunE:  runDomainShow,
	})
	return cmd
}

func runDomainShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := domain.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open domain store: %w", err)
	}
	defer func() { _ = store.Close() }()

	rec, err := store.Get(cmd.Context())
	if errors.Is(err, domain.ErrNotFound) {
		fmt.Fprintln(cmd.OutOrStdout(), "No integration domain configured")
		return nil
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(rec.Redacted(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/isometry/ipa-tuura/internal/logging"
	"github.com/isometry/ipa-tuura/internal/sssd"
)

var noRestart bool

func newSSSDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sssd",
		Short: "Manage the local SSSD configuration",
	}

	activate := &cobra.Command{
		Use:   "activate-ifp",
		Short: "Enable the InfoPipe responder and the attributes ipa-tuura reads",
		Long: `Enable the ifp responder in sssd.conf, publish the mail, givenname, sn
and lock user attributes, and add the matching ldap_user_extra_attrs to every
ipa, ad and ldap domain. SSSD is restarted afterwards unless --no-restart is
given.`,
		Args: cobra.NoArgs,
		RunE: runActivateIFP,
	}
	activate.Flags().BoolVar(&noRestart, "no-restart", false, "leave SSSD running with the old configuration")

	cmd.AddCommand(activate)
	return cmd
}

func runActivateIFP(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := logging.NewContext(cmd.Context(), logging.Options{Level: cfg.Logging.Level})

	var configured []string
	err = sssd.Edit(cfg.SSSD.ConfigPath, func(c *sssd.Config) error {
		sssd.ActivateIFP(c)
		configured = sssd.ConfigureDomains(c)
		return nil
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Updated %s\n", cfg.SSSD.ConfigPath)
	if len(configured) > 0 {
		fmt.Fprintf(out, "Configured domains: %s\n", strings.Join(configured, ", "))
	}

	if noRestart {
		return nil
	}
	if err := sssd.NewRestarter(cfg.SSSD.UnitName).Restart(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Restarted %s\n", cfg.SSSD.UnitName)
	return nil
}

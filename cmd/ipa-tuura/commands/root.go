// Package commands implements the ipa-tuura command line.
package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/isometry/ipa-tuura/internal/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ipa-tuura",
		Short: "SCIM bridge to IPA, LDAP and Active Directory",
		Long: `ipa-tuura exposes the users and groups of an integration domain over
SCIM 2.0. Reads are served by SSSD through its InfoPipe responder; writes go
to the domain's directory or IPA API.

Use "ipa-tuura [command] --help" for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment: "+config.EnvPrefix+"_*)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDomainCmd())
	cmd.AddCommand(newSSSDCmd())
	cmd.AddCommand(newVersionCmd())
	cmd.CompletionOptions.DisableDefaultCmd = true
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// loadConfig reads the file named by --config, if any, over the defaults.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

package cli

import (
	"fmt"
	"os"

	"github.com/johnstarich/dcsync/vault"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// vaultParams tunes key derivation for new vaults
var vaultParams = vault.DefaultParams

// NewInitCommand creates the init command
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the vault protecting stored credentials",
		Long: `Create the data directory and a vault key file protected by a passphrase.

The passphrase is read from ` + passphraseEnv + ` if set, otherwise from the terminal.
It cannot be recovered: credentials stored with a forgotten passphrase must be added again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(rootOpts.DataDir, 0700); err != nil {
				return errors.Wrap(err, "Create data directory")
			}
			passphrase, err := newTerminal(cmd).Passphrase()
			if err != nil {
				return err
			}
			if err := vault.Create(rootOpts.vaultPath(), passphrase, vaultParams); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Created vault in", rootOpts.DataDir)
			return nil
		},
	}
}

// Package cli implements the dcsync command line
package cli

import (
	"os"
	"path/filepath"

	"github.com/johnstarich/dcsync/consts"
	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	passphraseEnv = "DCSYNC_PASSPHRASE"
	passwordEnv   = "DCSYNC_PASSWORD"
	dataDirEnv    = "DCSYNC_DATA"
	vaultFileName = "vault.key"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	DataDir string
	Logger  *zap.Logger
}

func (o *RootOptions) vaultPath() string {
	return filepath.Join(o.DataDir, vaultFileName)
}

// NewRootCommand creates the dcsync command
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dcsync",
		Short:         "Download statements from banks over OFX DirectConnect",
		Version:       consts.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Logger != nil {
				return nil
			}
			logger, err := newLogger()
			opts.Logger = logger
			return err
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DataDir, "data", defaultDataDir(), "directory holding the vault and institution profiles")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewAddCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewVersionCommand())
	return cmd
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("DEVELOPMENT") == "true" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func defaultDataDir() string {
	if dir := os.Getenv(dataDirEnv); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "dcsync")
	}
	return ".dcsync"
}

// ExitCode maps a command error to a process exit code. Vault and store failures get their own code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case sErrors.IsFatal(err):
		return 2
	default:
		return 1
	}
}

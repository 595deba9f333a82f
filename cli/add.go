package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/johnstarich/dcsync/profile"
	"github.com/johnstarich/dcsync/vault"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// AddOptions holds flags for the add command
type AddOptions struct {
	*RootOptions
	Profile  profile.InstitutionProfile
	Dialect  []string
	Accounts []string
}

// NewAddCommand creates the add command
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AddOptions{RootOptions: rootOpts}
	p := &opts.Profile

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or replace an institution",
		Long: `Add an institution profile, replacing any profile with the same ID.

The password is read from ` + passwordEnv + ` if set, otherwise from the terminal, and is stored
encrypted with the vault. Accounts are given as type:id[:KEY=value,...] where type is checking,
savings, credit or investment. Without accounts, they are discovered at the next sync.

Example:
  dcsync add mybank --url https://ofx.mybank.com/ofx --org MYBANK --fid 1234 \
    --username someone --account checking:00001234:BANKID=121000248`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.ID = args[0]
			return runAdd(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&p.Name, "name", "", "display name")
	flags.StringVar(&p.URL, "url", "", "DirectConnect URL (required)")
	flags.StringVar(&p.Org, "org", "", "FI ORG (required)")
	flags.StringVar(&p.FID, "fid", "", "FI FID (required)")
	flags.StringVar(&p.Version, "ofx-version", "102", "OFX version to speak")
	flags.StringVar(&p.Credential.Username, "username", "", "user ID (required)")
	flags.StringSliceVar(&opts.Dialect, "dialect", nil, "server quirks, defaults depend on the OFX version: "+strings.Join(profile.AllDialect.Names(), ", "))
	flags.StringVar(&p.AppID, "app-id", "", "APPID to identify as")
	flags.StringVar(&p.AppVersion, "app-version", "", "APPVER to identify as")
	flags.StringVar(&p.ClientUID, "client-uid", "", "CLIENTUID, derived from the URL and username if empty")
	flags.StringVar(&p.UserAgent, "user-agent", "", `HTTP User-Agent, or "none"`)
	flags.DurationVar(&p.RequestDelay, "delay", 0, "minimum time between requests to this institution")
	flags.IntVar(&p.MinWindowDays, "min-window-days", 0, "days to download for accounts never synced before, at least")
	flags.StringArrayVar(&opts.Accounts, "account", nil, "account as type:id[:KEY=value,...], repeatable")
	for _, name := range []string{"url", "org", "fid", "username"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runAdd(cmd *cobra.Command, opts *AddOptions) error {
	p := opts.Profile
	var err error
	if len(opts.Dialect) > 0 {
		p.Dialect, err = profile.ParseDialect(opts.Dialect...)
	} else {
		p.Dialect = profile.DefaultDialect(p.Version)
	}
	if err != nil {
		return err
	}
	for _, account := range opts.Accounts {
		ref, err := parseAccount(account)
		if err != nil {
			return err
		}
		p.Accounts = append(p.Accounts, ref)
	}
	if len(p.Accounts) > 0 {
		p.AccountsUpdated = time.Now()
	}

	t := newTerminal(cmd)
	passphrase, err := t.Passphrase()
	if err != nil {
		return err
	}
	password, err := t.Secret(passwordEnv, fmt.Sprintf("Password for %s at %s: ", p.Credential.Username, p.ID))
	if err != nil {
		return err
	}
	store, err := openStore(opts.RootOptions, t)
	if err != nil {
		return err
	}
	return vault.With(opts.vaultPath(), passphrase, func(h *vault.Handle) error {
		secret, err := h.Seal(password)
		if err != nil {
			return err
		}
		p.Credential.InstitutionID = p.ID
		p.Credential.Secret = secret
		if err := store.Put(p); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved institution %s with %d accounts\n", p.ID, len(p.Accounts))
		return nil
	})
}

// parseAccount reads type:id[:KEY=value,...]
func parseAccount(s string) (profile.AccountRef, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return profile.AccountRef{}, errors.Errorf("Account must look like type:id[:KEY=value,...]: %q", s)
	}
	ref := profile.AccountRef{
		Type: strings.ToLower(parts[0]),
		ID:   parts[1],
	}
	if len(parts) == 3 && parts[2] != "" {
		ref.Routing = make(map[string]string)
		for _, pair := range strings.Split(parts[2], ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 || kv[0] == "" {
				return profile.AccountRef{}, errors.Errorf("Invalid account routing %q in %q", pair, s)
			}
			ref.Routing[strings.ToUpper(kv[0])] = kv[1]
		}
	}
	return ref, nil
}

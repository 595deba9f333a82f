package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/johnstarich/dcsync/profile"
	"github.com/johnstarich/dcsync/search"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// ListOptions holds flags for the list command
type ListOptions struct {
	*RootOptions
	Format string
}

// institutionView is an institution without its credentials
type institutionView struct {
	ID       string
	Name     string `json:",omitempty"`
	URL      string
	Version  string
	Dialect  profile.Dialect
	Username string
	Accounts []accountView
}

type accountView struct {
	ID          string
	Type        string
	Description string `json:",omitempty"`
	SyncedUntil time.Time
}

// NewListCommand creates the list command
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "list [query]",
		Short: "List institutions, their accounts and how far each is synced",
		Long: `List institutions, their accounts and how far each is synced.

With a query, only institutions whose ID or name matches are listed, best match first.
A query matches by prefix, substring, or the first letters of each word.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts.RootOptions, newTerminal(cmd))
			if err != nil {
				return err
			}
			profiles, err := store.Load()
			if err != nil {
				return err
			}
			var query string
			if len(args) > 0 {
				query = args[0]
			}
			return printInstitutions(cmd.OutOrStdout(), opts.Format, profiles, query)
		},
	}
	cmd.Flags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	return cmd
}

func printInstitutions(w io.Writer, format string, profiles map[string]profile.InstitutionProfile, query string) error {
	ids := make([]string, 0, len(profiles))
	for id := range profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	names := make([][]string, len(ids))
	for i, id := range ids {
		names[i] = []string{id, profiles[id].Name}
	}

	matches := search.Rank(names, query)
	views := make([]institutionView, 0, len(matches))
	for _, i := range matches {
		p := profiles[ids[i]]
		view := institutionView{
			ID:       p.ID,
			Name:     p.Name,
			URL:      p.URL,
			Version:  p.Version,
			Dialect:  p.Dialect,
			Username: p.Credential.Username,
			Accounts: []accountView{},
		}
		for _, account := range p.Accounts {
			cursor, _ := p.Cursor(account.ID)
			view.Accounts = append(view.Accounts, accountView{
				ID:          account.ID,
				Type:        account.Type,
				Description: account.Description,
				SyncedUntil: cursor.Date,
			})
		}
		views = append(views, view)
	}

	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(views)
	case "text":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "INSTITUTION\tACCOUNT\tTYPE\tSYNCED UNTIL")
		for _, view := range views {
			if len(view.Accounts) == 0 {
				fmt.Fprintf(tw, "%s\t-\t-\t-\n", view.ID)
			}
			for _, account := range view.Accounts {
				synced := "never"
				if !account.SyncedUntil.IsZero() {
					synced = account.SyncedUntil.Format("2006-01-02")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", view.ID, account.ID, account.Type, synced)
			}
		}
		return tw.Flush()
	default:
		return errors.Errorf("Invalid format %q: must be json or text", format)
	}
}

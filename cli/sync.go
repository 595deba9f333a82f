package cli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"time"

	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/johnstarich/dcsync/session"
	"github.com/johnstarich/dcsync/transport"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// SyncOptions holds flags for the sync command
type SyncOptions struct {
	*RootOptions
	OutDir      string
	Concurrency int
	Timeout     time.Duration
	Retries     int
	CAFile      string
	Window      time.Duration
	Overlap     time.Duration
	Every       time.Duration
}

// NewSyncCommand creates the sync command
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "sync [id...]",
		Short: "Download new statements from every institution, or only the given ones",
		Long: `Sign on to each institution, answer any challenges, and download a statement per account.

Statements are written as JSON, one file per account in --out or one line each on stdout.
An account is only marked synced once its statement is written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, args)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.OutDir, "out", "", "directory to write statements to, stdout if empty")
	flags.IntVar(&opts.Concurrency, "concurrency", session.DefaultMaxConcurrent, "institutions to sync at once")
	flags.DurationVar(&opts.Timeout, "timeout", transport.DefaultTimeout, "timeout for each request")
	flags.IntVar(&opts.Retries, "retries", transport.DefaultMaxRetries, "retries after connection failures, 0 disables")
	flags.StringVar(&opts.CAFile, "ca", "", "PEM file with extra trusted certificate authorities")
	flags.DurationVar(&opts.Window, "window", session.DefaultWindow, "how far back to download for accounts never synced")
	flags.DurationVar(&opts.Overlap, "overlap", session.DefaultOverlap, "how far before the last sync to start downloading")
	flags.DurationVar(&opts.Every, "every", 0, "keep running, syncing again on this interval until interrupted")
	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions, ids []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	t := newTerminal(cmd)
	passphrase, err := t.Passphrase()
	if err != nil {
		return err
	}
	store, err := openStore(opts.RootOptions, t)
	if err != nil {
		return err
	}
	if opts.OutDir != "" {
		if err := os.MkdirAll(opts.OutDir, 0700); err != nil {
			return errors.Wrap(err, "Create output directory")
		}
	}

	transportConfig := transport.Config{
		MaxRetries: opts.Retries,
		Timeout:    opts.Timeout,
		Logger:     opts.Logger,
	}
	if opts.Retries == 0 {
		transportConfig.MaxRetries = -1
	}
	if opts.CAFile != "" {
		transportConfig.TLS, err = tlsConfig(opts.CAFile)
		if err != nil {
			return err
		}
	}
	client, err := transport.New(transportConfig)
	if err != nil {
		return err
	}

	collab := newCollaborator(t, opts.OutDir, cmd.OutOrStdout())
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	go collab.Serve(serveCtx)

	batch := session.NewBatch(store, opts.vaultPath(), client, collab, session.Config{
		Overlap:       opts.Overlap,
		Window:        opts.Window,
		MaxConcurrent: opts.Concurrency,
		Logger:        opts.Logger,
	})
	if opts.Every <= 0 {
		return syncOnce(ctx, cmd, opts, batch, passphrase, ids)
	}
	// only vault and store failures stop the loop, the rest are retried next time
	if err := syncOnce(ctx, cmd, opts, batch, passphrase, ids); sErrors.IsFatal(err) {
		return err
	}
	ticker := time.NewTicker(opts.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := syncOnce(ctx, cmd, opts, batch, passphrase, ids); sErrors.IsFatal(err) {
				return err
			}
		}
	}
}

func syncOnce(ctx context.Context, cmd *cobra.Command, opts *SyncOptions, batch *session.Batch, passphrase []byte, ids []string) error {
	outcomes, err := batch.Run(ctx, passphrase, ids...)
	if sErrors.IsFatal(err) || err == session.ErrBatchRunning {
		return err
	}
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			opts.Logger.Error("Sync failed", zap.String("institution", outcome.InstitutionID), zap.Error(outcome.Err))
			continue
		}
		transactions := 0
		for _, statement := range outcome.Statements {
			transactions += len(statement.Transactions)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d statements, %d transactions\n", outcome.InstitutionID, len(outcome.Statements), transactions)
	}
	succeeded, failed := batch.Counts()
	opts.Logger.Debug("Sync totals", zap.Int64("succeeded", succeeded), zap.Int64("failed", failed))
	return err
}

func tlsConfig(caFile string) (*tls.Config, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.Wrap(err, "Read certificate authorities")
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("No certificates found in %s", caFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}

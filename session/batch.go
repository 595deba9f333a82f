package session

import (
	"context"
	"sort"

	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/johnstarich/dcsync/model"
	"github.com/johnstarich/dcsync/profile"
	"github.com/johnstarich/dcsync/vault"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrBatchRunning is returned when Run is called while another run is in progress
var ErrBatchRunning = errors.New("A sync is already running")

// Outcome is the result of one institution's session
type Outcome struct {
	InstitutionID string
	Statements    []model.Statement
	Err           error
}

// Batch syncs many institutions concurrently with one vault unlock
type Batch struct {
	store        *profile.Store
	vaultPath    string
	sender       Sender
	collaborator Collaborator
	config       Config
	logger       *zap.Logger

	running     *atomic.Bool
	lastRunErr  *atomic.Error
	succeeded   *atomic.Int64
	failed      *atomic.Int64
	unlockVault func(path string, passphrase []byte) (*vault.Handle, error)
}

// NewBatch returns a Batch syncing institutions from store with credentials sealed by the vault at vaultPath
func NewBatch(store *profile.Store, vaultPath string, sender Sender, collaborator Collaborator, config Config) *Batch {
	config = config.withDefaults()
	return &Batch{
		store:        store,
		vaultPath:    vaultPath,
		sender:       sender,
		collaborator: collaborator,
		config:       config,
		logger:       config.Logger,
		running:      atomic.NewBool(false),
		lastRunErr:   atomic.NewError(nil),
		succeeded:    atomic.NewInt64(0),
		failed:       atomic.NewInt64(0),
		unlockVault:  vault.Unlock,
	}
}

// Run syncs the institutions in ids, or all of them if ids is empty.
//
// The vault is unlocked and the store read before any request is sent; either failing is fatal and
// returned alone. Otherwise every institution runs to completion regardless of the others, and the
// returned error combines their failures.
func (b *Batch) Run(ctx context.Context, passphrase []byte, ids ...string) ([]Outcome, error) {
	if !b.running.CompareAndSwap(false, true) {
		return nil, ErrBatchRunning
	}
	defer b.running.Store(false)

	outcomes, err := b.run(ctx, passphrase, ids)
	b.lastRunErr.Store(err)
	return outcomes, err
}

func (b *Batch) run(ctx context.Context, passphrase []byte, ids []string) ([]Outcome, error) {
	handle, err := b.unlockVault(b.vaultPath, passphrase)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	profiles, err := b.store.Load()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		for id := range profiles {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	outcomes := make([]Outcome, len(ids))
	var group errgroup.Group
	group.SetLimit(b.config.MaxConcurrent)
	for i, id := range ids {
		outcomes[i].InstitutionID = id
		p, ok := profiles[id]
		if !ok {
			outcomes[i].Err = errors.Errorf("Institution not found by ID: %q", id)
			continue
		}
		outcome := &outcomes[i]
		group.Go(func() error {
			session := New(p, b.store, handle, b.sender, b.collaborator, b.config)
			outcome.Statements, outcome.Err = session.Run(ctx)
			return nil
		})
	}
	_ = group.Wait()

	var errs sErrors.Errors
	for _, outcome := range outcomes {
		if errs.AddErr(outcome.Err) {
			b.succeeded.Inc()
		} else {
			b.failed.Inc()
		}
	}
	b.logger.Info("Sync finished",
		zap.Int("institutions", len(outcomes)),
		zap.Int("failed", len(errs)),
	)
	return outcomes, errs.ErrOrNil()
}

// Running returns true while a Run is in progress
func (b *Batch) Running() bool {
	return b.running.Load()
}

// LastRunErr returns the error from the last completed Run
func (b *Batch) LastRunErr() error {
	return b.lastRunErr.Load()
}

// Counts returns how many institution sessions have succeeded and failed across all runs
func (b *Batch) Counts() (succeeded, failed int64) {
	return b.succeeded.Load(), b.failed.Load()
}

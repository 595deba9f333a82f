package profile

import (
	"sync"
	"time"

	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/johnstarich/dcsync/plaindb"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	storeBucket  = "institutions"
	storeVersion = "2"
)

// ErrUpgradeDeclined is returned by writes after ConfirmUpgrade declined to replace an older store format
var ErrUpgradeDeclined = errors.New("Profile store upgrade declined")

// Store persists institution profiles. Writes are serialized and atomic.
type Store struct {
	mu             sync.Mutex
	bucket         plaindb.Bucket
	logger         *zap.Logger
	confirmUpgrade func(from, to string) bool
}

// StoreOpt configures a Store
type StoreOpt func(*storeOptions)

type storeOptions struct {
	logger         *zap.Logger
	confirmUpgrade func(from, to string) bool
	formats        map[string]LegacyFormat
}

// WithLogger sets the store's logger
func WithLogger(logger *zap.Logger) StoreOpt {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// ConfirmUpgrade sets a callback consulted before the first write replaces an older on-disk format
func ConfirmUpgrade(confirm func(from, to string) bool) StoreOpt {
	return func(o *storeOptions) {
		o.confirmUpgrade = confirm
	}
}

// WithLegacyFormat registers a reader for an older store version, replacing any built-in one
func WithLegacyFormat(version string, format LegacyFormat) StoreOpt {
	return func(o *storeOptions) {
		o.formats[version] = format
	}
}

// NewStore loads the profile store from db, upgrading older formats in memory
func NewStore(db plaindb.DB, opts ...StoreOpt) (*Store, error) {
	options := storeOptions{
		logger: zap.NewNop(),
		formats: map[string]LegacyFormat{
			flatAccountVersion: flatAccountFormat{},
		},
	}
	for _, opt := range opts {
		opt(&options)
	}

	bucket, err := db.Bucket(storeBucket, storeVersion, &storeUpgrader{formats: options.formats})
	if err != nil {
		if plaindb.IsCorrupt(err) {
			return nil, sErrors.Wrap(sErrors.StoreCorrupt, err, "Profile store is unreadable")
		}
		return nil, err
	}
	if from := bucket.UpgradedFrom(); from != "" {
		options.logger.Warn("Profile store is in an older format. It will be rewritten on the next save",
			zap.String("from", from),
			zap.String("to", storeVersion),
		)
	}
	return &Store{
		bucket:         bucket,
		logger:         options.logger,
		confirmUpgrade: options.confirmUpgrade,
	}, nil
}

// Load returns a copy of every profile, keyed by ID
func (s *Store) Load() (map[string]InstitutionProfile, error) {
	profiles := make(map[string]InstitutionProfile)
	var p InstitutionProfile
	err := s.bucket.Iter(&p, func(id string) bool {
		profiles[id] = p.Clone()
		return true
	})
	if err != nil {
		return nil, sErrors.Wrap(sErrors.StoreCorrupt, err, "Load profiles")
	}
	return profiles, nil
}

// Get returns a copy of the profile with the given ID
func (s *Store) Get(id string) (InstitutionProfile, bool, error) {
	var p InstitutionProfile
	found, err := s.bucket.Get(id, &p)
	if err != nil {
		return InstitutionProfile{}, false, sErrors.Wrap(sErrors.StoreCorrupt, err, "Get profile")
	}
	return p, found, nil
}

// Put validates and adds or replaces a profile
func (s *Store) Put(p InstitutionProfile) error {
	if err := Validate(p); err != nil {
		return err
	}
	return s.write(func() error {
		return s.bucket.Put(p.ID, p)
	})
}

// Remove deletes a profile
func (s *Store) Remove(id string) error {
	return s.write(func() error {
		var p InstitutionProfile
		found, err := s.bucket.Get(id, &p)
		if err != nil {
			return err
		}
		if !found {
			return errors.Errorf("Institution not found by ID: %q", id)
		}
		return s.bucket.Delete(id)
	})
}

// Save replaces the whole store with profiles in a single write
func (s *Store) Save(profiles map[string]InstitutionProfile) error {
	var errs sErrors.Errors
	records := make(map[string]interface{}, len(profiles))
	for id, p := range profiles {
		errs.ErrIf(id != p.ID, "Profile key %q does not match its ID %q", id, p.ID)
		errs.AddErr(Validate(p))
		records[id] = p
	}
	if err := errs.ErrOrNil(); err != nil {
		return err
	}
	return s.write(func() error {
		return s.bucket.Replace(records)
	})
}

// UpdateCursor records how far an account has been synced
func (s *Store) UpdateCursor(institutionID, accountID string, cursor Cursor) error {
	return s.modify(institutionID, func(p *InstitutionProfile) error {
		if _, ok := p.Account(accountID); !ok {
			return errors.Errorf("Account %q not found in institution %q", accountID, institutionID)
		}
		if p.Cursors == nil {
			p.Cursors = make(map[string]Cursor)
		}
		p.Cursors[accountID] = cursor
		return nil
	})
}

// UpdateCredential replaces an institution's credential record
func (s *Store) UpdateCredential(institutionID string, record CredentialRecord) error {
	return s.modify(institutionID, func(p *InstitutionProfile) error {
		record.InstitutionID = institutionID
		p.Credential = record
		return nil
	})
}

// UpdateAccounts replaces an institution's account list, dropping cursors of accounts that went away
func (s *Store) UpdateAccounts(institutionID string, accounts []AccountRef, updated time.Time) error {
	return s.modify(institutionID, func(p *InstitutionProfile) error {
		p.Accounts = accounts
		p.AccountsUpdated = updated
		for accountID := range p.Cursors {
			if _, ok := p.Account(accountID); !ok {
				delete(p.Cursors, accountID)
			}
		}
		return nil
	})
}

// UpgradedFrom returns the older format version the store was loaded from, if it has not been saved since
func (s *Store) UpgradedFrom() string {
	return s.bucket.UpgradedFrom()
}

func (s *Store) modify(institutionID string, fn func(p *InstitutionProfile) error) error {
	return s.write(func() error {
		var p InstitutionProfile
		found, err := s.bucket.Get(institutionID, &p)
		if err != nil {
			return err
		}
		if !found {
			return errors.Errorf("Institution not found by ID: %q", institutionID)
		}
		if err := fn(&p); err != nil {
			return err
		}
		if err := Validate(p); err != nil {
			return err
		}
		return s.bucket.Put(institutionID, p)
	})
}

func (s *Store) write(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from := s.bucket.UpgradedFrom(); from != "" && s.confirmUpgrade != nil {
		if !s.confirmUpgrade(from, storeVersion) {
			return ErrUpgradeDeclined
		}
		s.logger.Info("Replacing older profile store format", zap.String("from", from), zap.String("to", storeVersion))
	}
	return fn()
}

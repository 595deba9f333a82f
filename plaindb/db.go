package plaindb

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/johnstarich/dcsync/vcs"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// MaxUpgradeAttempts is the maximum number of times a bucket will attempt to be upgraded successively.
	// Used to prevent version loops. i.e. upgrading to v3 but goes v1 -> v2 -> v1 infinitely
	MaxUpgradeAttempts = 1000
)

var (
	// ErrCorrupt is the cause of errors for bucket files that cannot be parsed or upgraded
	ErrCorrupt = errors.New("Bucket data is corrupt")
	// ErrClosed is returned for writes after the DB is closed
	ErrClosed = errors.New("Database is closed")
)

// Upgrader upgrades data to the given version
type Upgrader interface {
	// Parse parses the original JSON record for the given version
	Parse(dataVersion, id string, data json.RawMessage) (interface{}, error)
	// Upgrade upgrades 'data' from 'dataVersion'. Run repeatedly to incrementally upgrade the data.
	Upgrade(dataVersion, id string, data interface{}) (newVersion string, newData interface{}, err error)
}

// LegacyUpgrader upgrades data from a legacy, unversioned format
type LegacyUpgrader interface {
	Upgrader
	// ParseLegacy splits the original JSON data into versioned records
	ParseLegacy(legacyData json.RawMessage) (version string, data map[string]json.RawMessage, err error)
}

// BucketUpgrader upgrades all records at once, for format changes that regroup records.
// If UpgradeAll returns dataVersion unchanged, records are upgraded one at a time with Upgrade.
type BucketUpgrader interface {
	Upgrader
	UpgradeAll(dataVersion string, data map[string]interface{}) (newVersion string, newData map[string]interface{}, err error)
}

// DB creates buckets that can read or write JSON data
type DB interface {
	io.Closer
	// Bucket returns a bucket with 'name.json' on disk, upgraded in memory to 'version'
	Bucket(name, version string, upgrader Upgrader) (Bucket, error)
}

type database struct {
	path    string
	logger  *zap.Logger
	repo    vcs.Repository
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Open prepares a DB rooted at the directory 'path'
func Open(path string, opts ...DBOpt) (DB, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	db := &database{
		path:    path,
		logger:  zap.NewNop(),
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		if err := opt.do(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func (db *database) Bucket(name, version string, upgrader Upgrader) (Bucket, error) {
	db.mu.Lock()
	_, loaded := db.buckets[name]
	db.mu.Unlock()
	if !loaded {
		// leftovers from an interrupted save, never the live file
		removeStaleTempFiles(filepath.Join(db.path, name+".json"), db.logger)
	}
	return db.bucket(name, version, upgrader, os.ReadFile, db.saveFile)
}

func (db *database) saveFile(b *bucket, contents []byte) error {
	if db.repo == nil {
		return writeFileAtomic(b.path, contents, writeAndSync)
	}
	return db.repo.CommitFiles(func() error {
		return writeFileAtomic(b.path, contents, writeAndSync)
	}, "Update "+b.name, b.path)
}

func (db *database) bucket(
	name, version string,
	upgrader Upgrader,
	readFile func(string) ([]byte, error),
	saveFn func(*bucket, []byte) error,
) (Bucket, error) {
	if upgrader == nil {
		return nil, errors.New("Upgrader must not be nil")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if b, exists := db.buckets[name]; exists {
		return b, nil
	}

	path := filepath.Join(db.path, name+".json")
	dataBytes, err := readFile(path)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			return nil, err
		}
		dataBytes = []byte(fmt.Sprintf(`{"Version": %q}`, version))
	}

	originalVersion, data, err := parseBucket(dataBytes, upgrader)
	if err != nil {
		return nil, corrupt(name, err)
	}
	data, err = upgradeBucket(name, originalVersion, version, upgrader, data)
	if err != nil {
		return nil, corrupt(name, err)
	}

	rawData := make(map[string]json.RawMessage, len(data))
	for id, value := range data {
		rawData[id], err = json.Marshal(value)
		if err != nil {
			return nil, corrupt(name, err)
		}
	}

	b := &bucket{
		name:    name,
		path:    path,
		saveFn:  saveFn,
		version: version,
		data:    rawData,
	}
	if originalVersion != version {
		b.upgradedFrom = originalVersion
		db.logger.Info("Upgraded bucket in memory",
			zap.String("bucket", name),
			zap.String("from", originalVersion),
			zap.String("to", version),
		)
	}
	db.buckets[name] = b
	return b, nil
}

func corrupt(name string, err error) error {
	return errors.Wrapf(ErrCorrupt, "Bucket %q: %s", name, err)
}

// IsCorrupt returns true if err was caused by unreadable bucket data
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

func parseBucket(dataBytes []byte, upgrader Upgrader) (string, map[string]interface{}, error) {
	var bucketBytes unmarshalBucket
	if err := json.Unmarshal(dataBytes, &bucketBytes); err != nil {
		legacyUp, ok := upgrader.(LegacyUpgrader)
		if !ok {
			return "", nil, err
		}
		// try a legacy format too
		version, data, legacyErr := legacyUp.ParseLegacy(dataBytes)
		if legacyErr != nil {
			return "", nil, errors.Wrap(legacyErr, "Parse legacy format")
		}
		bucketBytes.Version = version
		bucketBytes.Data = data
	}
	if bucketBytes.Version == "" {
		return "", nil, errors.New("Missing bucket version")
	}

	data := make(map[string]interface{}, len(bucketBytes.Data))
	for id, raw := range bucketBytes.Data {
		value, err := upgrader.Parse(bucketBytes.Version, id, raw)
		if err != nil {
			return "", nil, errors.Wrapf(err, "Parse record %q", id)
		}
		data[id] = value
	}
	return bucketBytes.Version, data, nil
}

func upgradeBucket(name, currentVersion, version string, upgrader Upgrader, data map[string]interface{}) (map[string]interface{}, error) {
	bucketUp, canUpgradeAll := upgrader.(BucketUpgrader)
	for attempts := 0; currentVersion != version; attempts++ {
		if attempts >= MaxUpgradeAttempts {
			return nil, errors.Errorf("Too many upgrade attempts to version: %q. Possibly a version upgrade loop? Current version: %q", version, currentVersion)
		}

		if canUpgradeAll {
			newVersion, newData, err := bucketUp.UpgradeAll(currentVersion, data)
			if err != nil {
				return nil, err
			}
			if newVersion != currentVersion {
				currentVersion, data = newVersion, newData
				continue
			}
		}

		if len(data) == 0 {
			// nothing to convert
			return data, nil
		}

		newVersion := ""
		newData := make(map[string]interface{}, len(data))
		for _, id := range sortedIDs(data) {
			recordVersion, value, err := upgrader.Upgrade(currentVersion, id, data[id])
			if err != nil {
				return nil, err
			}
			if recordVersion == currentVersion {
				return nil, errors.Errorf("Could not upgrade %q data from %q to %q: %+v", name, currentVersion, version, data[id])
			}
			if newVersion != "" && recordVersion != newVersion {
				return nil, errors.Errorf("Inconsistent upgrade of %q data from %q: %q and %q", name, currentVersion, newVersion, recordVersion)
			}
			newVersion = recordVersion
			newData[id] = value
		}
		currentVersion, data = newVersion, newData
	}
	return data, nil
}

func sortedIDs(data map[string]interface{}) []string {
	ids := make([]string, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops all further writes. Reads of loaded buckets continue to work.
func (db *database) Close() error {
	if db == nil {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, b := range db.buckets {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
	}
	return nil
}

// MockDB is a DB with additional mocking utilities
type MockDB interface {
	DB
	Dump(Bucket) string
}

type mockDatabase struct {
	database
	MockConfig
}

// MockConfig contains stubs for a full MockDB
type MockConfig struct {
	// FileReader returns the contents of a bucket file. Defaults to a missing file.
	FileReader func(path string) ([]byte, error)
	// Saver receives the encoded contents of every save. Defaults to a no-op.
	Saver func(path string, contents []byte) error
}

// NewMockDB creates a new DB without a backing file store, to be used in tests
func NewMockDB(conf MockConfig) MockDB {
	if conf.FileReader == nil {
		conf.FileReader = func(string) ([]byte, error) { return nil, os.ErrNotExist }
	}
	if conf.Saver == nil {
		conf.Saver = func(string, []byte) error { return nil }
	}
	return &mockDatabase{
		database: database{
			path:    "mock",
			logger:  zap.NewNop(),
			buckets: map[string]*bucket{},
		},
		MockConfig: conf,
	}
}

func (db *mockDatabase) Bucket(name, version string, upgrader Upgrader) (Bucket, error) {
	return db.bucket(name, version, upgrader, db.FileReader, func(b *bucket, contents []byte) error {
		return db.Saver(b.path, contents)
	})
}

func (db *mockDatabase) Dump(b Bucket) string {
	bucketStruct, ok := b.(*bucket)
	if !ok {
		panic(fmt.Sprintf("Invalid bucket struct for MockDB.Dump: %T", b))
	}
	if filepath.Dir(bucketStruct.path) != db.path {
		panic("Invalid bucket for MockDB.Dump: Bucket was not created by MockDB")
	}
	bucketStruct.mu.RLock()
	defer bucketStruct.mu.RUnlock()
	contents, err := encodeBucket(bucketStruct.version, bucketStruct.data)
	if err != nil {
		panic(err)
	}
	return string(contents)
}

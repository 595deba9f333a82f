package plaindb

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Bucket reads and writes records on a DB. Every write is persisted before it becomes visible.
type Bucket interface {
	// Iter iterates over all values in ID order, decoding each into 'v', then calling fn with its ID
	Iter(v interface{}, fn func(id string) (keepGoing bool)) error
	// Get decodes the record with key 'id' into 'v'
	Get(id string, v interface{}) (found bool, err error)
	// Put writes the record 'v' with key 'id'
	Put(id string, v interface{}) error
	// Delete removes the record with key 'id'
	Delete(id string) error
	// Replace swaps every record for 'records' in a single write
	Replace(records map[string]interface{}) error
	// UpgradedFrom returns the on-disk version the bucket was upgraded from when loaded, if any
	UpgradedFrom() string
}

type bucket struct {
	name   string
	path   string
	mu     sync.RWMutex
	saveFn func(b *bucket, contents []byte) error
	closed bool

	version      string
	upgradedFrom string
	data         map[string]json.RawMessage
}

type unmarshalBucket struct {
	Version string
	Data    map[string]json.RawMessage
}

type marshalBucket struct {
	Version string
	Data    map[string]json.RawMessage
}

func (b *bucket) Iter(v interface{}, fn func(id string) (keepGoing bool)) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.data))
	for id := range b.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := decode(b.data[id], v); err != nil {
			return b.wrapErr(err)
		}
		if !fn(id) {
			return nil
		}
	}
	return nil
}

func (b *bucket) Get(id string, v interface{}) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	raw, found := b.data[id]
	if !found {
		return false, nil
	}
	return true, b.wrapErr(decode(raw, v))
}

func (b *bucket) Put(id string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return b.wrapErr(err)
	}
	return b.update(func(data map[string]json.RawMessage) {
		data[id] = raw
	})
}

func (b *bucket) Delete(id string) error {
	return b.update(func(data map[string]json.RawMessage) {
		delete(data, id)
	})
}

func (b *bucket) Replace(records map[string]interface{}) error {
	newData := make(map[string]json.RawMessage, len(records))
	for id, v := range records {
		raw, err := json.Marshal(v)
		if err != nil {
			return b.wrapErr(errors.Wrapf(err, "Record %q", id))
		}
		newData[id] = raw
	}
	return b.update(func(data map[string]json.RawMessage) {
		for id := range data {
			delete(data, id)
		}
		for id, raw := range newData {
			data[id] = raw
		}
	})
}

func (b *bucket) UpgradedFrom() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.upgradedFrom
}

// update applies fn to a copy of the data, saves it, then makes it visible.
// Writers are serialized, and a failed save leaves the bucket unchanged.
func (b *bucket) update(fn func(data map[string]json.RawMessage)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return b.wrapErr(ErrClosed)
	}

	newData := make(map[string]json.RawMessage, len(b.data)+1)
	for id, raw := range b.data {
		newData[id] = raw
	}
	fn(newData)

	contents, err := encodeBucket(b.version, newData)
	if err != nil {
		return b.wrapErr(err)
	}
	if err := b.saveFn(b, contents); err != nil {
		return b.wrapErr(err)
	}
	b.data = newData
	b.upgradedFrom = ""
	return nil
}

func (b *bucket) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, "Bucket "+b.name)
}

func encodeBucket(version string, data map[string]json.RawMessage) ([]byte, error) {
	if data == nil {
		data = map[string]json.RawMessage{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	err := enc.Encode(marshalBucket{
		Version: version,
		Data:    data,
	})
	return buf.Bytes(), err
}

// decode resets v, then unmarshals raw into it so fields from earlier records do not leak through
func decode(raw json.RawMessage, v interface{}) error {
	value := reflect.ValueOf(v)
	if value.Kind() != reflect.Ptr || value.IsNil() {
		return errors.Errorf("Destination must be a non-nil pointer: %T", v)
	}
	elem := value.Elem()
	elem.Set(reflect.Zero(elem.Type()))
	return json.Unmarshal(raw, v)
}

func writeAndSync(file *os.File, contents []byte) error {
	if _, err := file.Write(contents); err != nil {
		return err
	}
	return file.Sync()
}

// writeFileAtomic writes contents to a temp file beside path, then renames it over path.
// Readers see either the old or the new file, never a partial one.
func writeFileAtomic(path string, contents []byte, write func(*os.File, []byte) error) (returnErr error) {
	dir := filepath.Dir(path)
	file, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	renamed := false
	defer func() {
		if !renamed {
			_ = file.Close()
			if rmErr := os.Remove(file.Name()); rmErr != nil && !os.IsNotExist(rmErr) && returnErr == nil {
				returnErr = rmErr
			}
		}
	}()

	if err := file.Chmod(0600); err != nil {
		return err
	}
	if err := write(file, contents); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(file.Name(), path); err != nil {
		return err
	}
	renamed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

func removeStaleTempFiles(path string, logger *zap.Logger) {
	matches, err := filepath.Glob(path + ".*.tmp")
	if err != nil {
		return
	}
	for _, match := range matches {
		if err := os.Remove(match); err != nil {
			logger.Warn("Failed to remove stale temp file", zap.String("path", match), zap.Error(err))
		} else {
			logger.Info("Removed stale temp file from an interrupted save", zap.String("path", match))
		}
	}
}

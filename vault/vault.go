// Package vault seals credentials with a key derived from a master passphrase.
//
// The key file holds the KDF parameters, a salt and a check blob. Unlocking derives the key and
// opens the check blob, so a wrong passphrase is detected before any secret is decrypted.
package vault

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/johnstarich/dcsync/redactor"
	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keyFileVersion = 1
	kdfName        = "argon2id"
	saltSize       = 16
	blobVersion    = byte(1)
	checkPlaintext = "dcsync vault check"
)

// ErrClosed is returned when a Handle is used after Close
var ErrClosed = errors.New("Vault handle is closed")

// Params tunes the argon2id key derivation. Memory is in KiB.
type Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultParams are used for new key files
var DefaultParams = Params{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 4,
}

// Blob is an encrypted value: a version byte, a nonce, then the sealed ciphertext
type Blob []byte

// KeyFile is the on-disk description of how to derive the vault key
type KeyFile struct {
	Version int
	KDF     string
	Params
	Salt  []byte
	Check Blob
}

// NewKeyFile derives a key from passphrase with a fresh salt and seals a check value with it
func NewKeyFile(passphrase []byte, params Params) (*KeyFile, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("Passphrase must not be empty")
	}
	if params.Time == 0 || params.Threads == 0 || params.Memory < 8*uint32(params.Threads) {
		return nil, errors.Errorf("Invalid key derivation parameters: %+v", params)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "Generate salt")
	}
	kf := &KeyFile{
		Version: keyFileVersion,
		KDF:     kdfName,
		Params:  params,
		Salt:    salt,
	}
	h := &Handle{key: kf.deriveKey(passphrase)}
	defer h.Close()
	check, err := h.Encrypt([]byte(checkPlaintext))
	if err != nil {
		return nil, err
	}
	kf.Check = check
	return kf, nil
}

func (kf *KeyFile) deriveKey(passphrase []byte) []byte {
	return argon2.IDKey(passphrase, kf.Salt, kf.Time, kf.Memory, kf.Threads, chacha20poly1305.KeySize)
}

func (kf *KeyFile) validate() error {
	var errs sErrors.Errors
	errs.ErrIf(kf.Version != keyFileVersion, "Unsupported key file version: %d", kf.Version)
	errs.ErrIf(kf.KDF != kdfName, "Unsupported key derivation function: %q", kf.KDF)
	errs.ErrIf(len(kf.Salt) != saltSize, "Invalid salt size: %d", len(kf.Salt))
	errs.ErrIf(kf.Time == 0 || kf.Threads == 0 || kf.Memory == 0, "Invalid key derivation parameters: %+v", kf.Params)
	errs.ErrIf(len(kf.Check) == 0, "Missing check value")
	return errs.ErrOrNil()
}

// Unlock derives the key from passphrase. Returns a WrongPassphrase error if it does not open the check value.
func (kf *KeyFile) Unlock(passphrase []byte) (*Handle, error) {
	if err := kf.validate(); err != nil {
		return nil, sErrors.Wrap(sErrors.CorruptData, err, "Invalid vault key file")
	}
	h := &Handle{key: kf.deriveKey(passphrase)}
	check, err := h.Decrypt(kf.Check)
	if err != nil || string(check) != checkPlaintext {
		h.Close()
		return nil, sErrors.New(sErrors.WrongPassphrase, "Vault passphrase is incorrect")
	}
	return h, nil
}

// Create writes a new key file to path. Fails if the file already exists.
func Create(path string, passphrase []byte, params Params) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("Vault key file already exists: %s", path)
	} else if !os.IsNotExist(err) {
		return err
	}
	kf, err := NewKeyFile(passphrase, params)
	if err != nil {
		return err
	}
	return writeKeyFile(path, kf)
}

func writeKeyFile(path string, kf *KeyFile) (returnErr error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	file, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		closeErr := file.Close()
		rmErr := os.Remove(file.Name())
		if returnErr == nil {
			if rmErr != nil && !os.IsNotExist(rmErr) {
				returnErr = rmErr
			}
			if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				returnErr = closeErr
			}
		}
	}()
	if err := file.Chmod(0600); err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "    ")
	if err := enc.Encode(kf); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(file.Name(), path)
}

// ReadKeyFile reads the key file at path
func ReadKeyFile(path string) (*KeyFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "Read vault key file")
	}
	var kf KeyFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return nil, sErrors.Wrap(sErrors.CorruptData, err, "Invalid vault key file")
	}
	return &kf, nil
}

// Unlock reads the key file at path and unlocks it with passphrase
func Unlock(path string, passphrase []byte) (*Handle, error) {
	kf, err := ReadKeyFile(path)
	if err != nil {
		return nil, err
	}
	return kf.Unlock(passphrase)
}

// With unlocks the vault for the duration of fn. The handle is closed on every return path.
func With(path string, passphrase []byte, fn func(*Handle) error) error {
	h, err := Unlock(path, passphrase)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(h)
}

// Handle is an unlocked vault. Safe for concurrent use.
type Handle struct {
	mu  sync.RWMutex
	key []byte
}

// Encrypt seals plaintext into a Blob
func (h *Handle) Encrypt(plaintext []byte) (Blob, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.key == nil {
		return nil, ErrClosed
	}
	aead, err := chacha20poly1305.NewX(h.key)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	blob[0] = blobVersion
	nonce := blob[1:]
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "Generate nonce")
	}
	return aead.Seal(blob, nonce, plaintext, blob[:1]), nil
}

// Decrypt opens a Blob. Tampered, truncated or foreign blobs fail with a CorruptData error.
func (h *Handle) Decrypt(blob Blob) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.key == nil {
		return nil, ErrClosed
	}
	aead, err := chacha20poly1305.NewX(h.key)
	if err != nil {
		return nil, err
	}

	headerSize := 1 + aead.NonceSize()
	if len(blob) < headerSize+aead.Overhead() {
		return nil, sErrors.Newf(sErrors.CorruptData, "Encrypted value is too short: %d bytes", len(blob))
	}
	if blob[0] != blobVersion {
		return nil, sErrors.Newf(sErrors.CorruptData, "Unsupported encrypted value version: %d", blob[0])
	}
	plaintext, err := aead.Open(nil, blob[1:headerSize], blob[headerSize:], blob[:1])
	if err != nil {
		return nil, sErrors.Wrap(sErrors.CorruptData, err, "Encrypted value failed authentication")
	}
	return plaintext, nil
}

// Seal encrypts a secret string
func (h *Handle) Seal(secret redactor.String) (Blob, error) {
	return h.Encrypt([]byte(secret.Value()))
}

// Open decrypts a Blob into a secret string
func (h *Handle) Open(blob Blob) (redactor.String, error) {
	b, err := h.Decrypt(blob)
	if err != nil {
		return "", err
	}
	secret := redactor.String(b)
	redactor.Zero(b)
	return secret, nil
}

// Close zeroes the key. Further use of h returns ErrClosed.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	redactor.Zero(h.key)
	h.key = nil
	return nil
}

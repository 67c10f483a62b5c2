package credentials

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrsteele09/go-auth-session/authmodel"
	internalerrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var _ Store = (*FileStore)(nil)

// ErrStoreLocked is returned when sealed credentials cannot be opened with the
// configured passphrase (or no passphrase is configured).
var ErrStoreLocked = errors.New("credential store is locked")

const (
	fileFormatVersion = 1
	saltLength        = 16

	// Argon2id parameters (RFC 9106 second recommended option scaled down for a CLI).
	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
	argonKeyLen  = chacha20poly1305.KeySize
)

var sealAdditionalData = []byte("go-auth-session/credentials/v1")

type fileDocument struct {
	Version int               `json:"version"`
	Values  map[string]string `json:"values,omitempty"`
	Sealed  *sealedValues     `json:"sealed,omitempty"`
}

type sealedValues struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// FileStore keeps the token pair in a JSON file. Writes go to a temporary file
// that is renamed over the target, so readers see either the old pair or the
// new pair. With a passphrase the values are sealed with XChaCha20-Poly1305
// under an Argon2id-derived key.
type FileStore struct {
	path       string
	passphrase []byte

	mu   sync.Mutex
	salt []byte
	key  []byte
}

type FileStoreOption func(*FileStore)

// WithPassphrase enables at-rest encryption of the stored tokens.
func WithPassphrase(passphrase string) FileStoreOption {
	return func(s *FileStore) {
		if passphrase != "" {
			s.passphrase = []byte(passphrase)
		}
	}
}

// NewFileStore creates a store backed by the file at path. The file and its
// directory are created on the first Save.
func NewFileStore(path string, options ...FileStoreOption) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("[NewFileStore] path is required")
	}

	s := &FileStore{path: filepath.Clean(path)}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Save(_ context.Context, pair authmodel.TokenPair) error {
	if err := validatePair(pair); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	values := map[string]string{
		authmodel.AccessTokenKey:  pair.Access,
		authmodel.RefreshTokenKey: pair.Refresh,
	}

	doc := fileDocument{Version: fileFormatVersion}
	if s.passphrase == nil {
		doc.Values = values
	} else {
		sealed, err := s.seal(values)
		if err != nil {
			return internalerrors.Wrapf(err, "FileStore.Save seal")
		}
		doc.Sealed = sealed
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return internalerrors.Wrapf(err, "FileStore.Save marshal")
	}
	return s.writeAtomic(data)
}

func (s *FileStore) Load(_ context.Context) (*authmodel.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if internalerrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, internalerrors.Wrapf(err, "FileStore.Load read %s", s.path)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("FileStore.Load %s: %w: %v", s.path, internalerrors.ErrCorruptStore, err)
	}
	if doc.Version != fileFormatVersion {
		return nil, fmt.Errorf("FileStore.Load %s: %w: unsupported version %d", s.path, internalerrors.ErrCorruptStore, doc.Version)
	}

	values := doc.Values
	if doc.Sealed != nil {
		values, err = s.open(doc.Sealed)
		if err != nil {
			return nil, err
		}
	}

	return pairFromValues(values[authmodel.AccessTokenKey], values[authmodel.RefreshTokenKey]), nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !internalerrors.Is(err, fs.ErrNotExist) {
		return internalerrors.Wrapf(err, "FileStore.Clear remove %s", s.path)
	}
	return nil
}

func (s *FileStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return internalerrors.Wrapf(err, "FileStore mkdir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-*")
	if err != nil {
		return internalerrors.Wrapf(err, "FileStore create temp")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return internalerrors.Wrapf(err, "FileStore write temp")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return internalerrors.Wrapf(err, "FileStore sync temp")
	}
	if err := tmp.Close(); err != nil {
		return internalerrors.Wrapf(err, "FileStore close temp")
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return internalerrors.Wrapf(err, "FileStore chmod temp")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return internalerrors.Wrapf(err, "FileStore rename")
	}
	return nil
}

func (s *FileStore) seal(values map[string]string) (*sealedValues, error) {
	if s.salt == nil {
		salt := make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		s.salt = salt
		s.key = nil
	}

	aead, err := chacha20poly1305.NewX(s.deriveKey(s.salt))
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return &sealedValues{
		Salt:       s.salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, sealAdditionalData),
	}, nil
}

func (s *FileStore) open(sealed *sealedValues) (map[string]string, error) {
	if s.passphrase == nil {
		return nil, fmt.Errorf("FileStore.Load %s: %w: no passphrase configured", s.path, ErrStoreLocked)
	}
	if len(sealed.Salt) != saltLength || len(sealed.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("FileStore.Load %s: %w: bad sealed header", s.path, internalerrors.ErrCorruptStore)
	}

	aead, err := chacha20poly1305.NewX(s.deriveKey(sealed.Salt))
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, sealAdditionalData)
	if err != nil {
		return nil, fmt.Errorf("FileStore.Load %s: %w", s.path, ErrStoreLocked)
	}

	var values map[string]string
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("FileStore.Load %s: %w: %v", s.path, internalerrors.ErrCorruptStore, err)
	}
	return values, nil
}

// deriveKey caches the key for the most recently seen salt.
func (s *FileStore) deriveKey(salt []byte) []byte {
	if s.key != nil && bytes.Equal(salt, s.salt) {
		return s.key
	}
	key := argon2.IDKey(s.passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	s.salt = append([]byte(nil), salt...)
	s.key = key
	return key
}

package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize       = 32
	keySize        = 32
	pbkdf2Rounds   = 100000
	fileStoreMode  = 0600
	storeDirectory = 0700
)

// FileStore keeps venue credentials in one AES-GCM encrypted JSON file.
// The PBKDF2 salt lives in a sidecar file next to it, so the same
// passphrase opens the store across restarts.
type FileStore struct {
	mu   sync.RWMutex
	path string
	key  []byte
}

// OpenFileStore derives the encryption key from passphrase and the
// store's salt, creating both the directory and the salt on first use.
func OpenFileStore(path, passphrase string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirectory); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	salt, err := loadOrCreateSalt(path + ".salt")
	if err != nil {
		return nil, err
	}

	return &FileStore{
		path: path,
		key:  pbkdf2.Key([]byte(passphrase), salt, pbkdf2Rounds, keySize, sha256.New),
	}, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("load salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, fileStoreMode); err != nil {
		return nil, fmt.Errorf("save salt: %w", err)
	}
	return salt, nil
}

// Lookup decrypts the store and returns the named venue's credentials.
func (fs *FileStore) Lookup(venue string) (*Credentials, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	all, err := fs.load()
	if err != nil {
		return nil, err
	}
	c, ok := all[venue]
	if !ok {
		return nil, fmt.Errorf("no credentials for venue %s", venue)
	}
	return &c, nil
}

// Store writes or replaces one venue's credentials.
func (fs *FileStore) Store(venue string, creds Credentials) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	all, err := fs.load()
	if err != nil {
		return err
	}
	all[venue] = creds
	return fs.save(all)
}

func (fs *FileStore) load() (map[string]Credentials, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]Credentials), nil
		}
		return nil, err
	}

	plain, err := fs.decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	var all map[string]Credentials
	if err := json.Unmarshal(plain, &all); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return all, nil
}

func (fs *FileStore) save(all map[string]Credentials) error {
	plain, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	sealed, err := fs.encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}

	// Write via a temp file so a crash never leaves a torn store.
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, fileStoreMode); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return os.Rename(tmp, fs.path)
}

func (fs *FileStore) encrypt(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(fs.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nonce, nonce, plain, nil)
	return []byte(base64.StdEncoding.EncodeToString(sealed)), nil
}

func (fs *FileStore) decrypt(data []byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(fs.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

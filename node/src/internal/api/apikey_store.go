package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
)

// APIKeyHeader carries the submitter key on POST /ledgers.
const APIKeyHeader = "X-API-Key"

// Submitter is the holder of a key allowed to close ledgers.
type Submitter struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

// APIKeys resolves a key to its submitter.
type APIKeys interface {
	GetAPIKey(key string) (*Submitter, error)
}

// FileAPIKeyStore keeps submitter keys in api_keys.json under a data dir.
type FileAPIKeyStore struct {
	mu       sync.RWMutex
	filePath string
}

// NewFileAPIKeyStore creates a new file-based API key store
func NewFileAPIKeyStore(dataDir string) (*FileAPIKeyStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	return &FileAPIKeyStore{
		filePath: filepath.Join(dataDir, "api_keys.json"),
	}, nil
}

// IssueAPIKey creates a key for name and returns it.
func (s *FileAPIKeyStore) IssueAPIKey(name string) (string, error) {
	if name == "" {
		return "", ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "submitter name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadKeys()
	if err != nil {
		return "", err
	}
	key := uuid.NewString()
	keys[key] = &Submitter{Name: name, Created: time.Now().UTC()}
	return key, s.saveKeys(keys)
}

// GetAPIKey retrieves the submitter of key.
func (s *FileAPIKeyStore) GetAPIKey(key string) (*Submitter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, err := s.loadKeys()
	if err != nil {
		return nil, err
	}

	sub, exists := keys[key]
	if !exists {
		return nil, ledgerErr.Newf(ledgerErr.ErrorTypeNotFound, "unknown api key")
	}
	return sub, nil
}

// RevokeAPIKey removes key. Revoking an unknown key is not an error.
func (s *FileAPIKeyStore) RevokeAPIKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadKeys()
	if err != nil {
		return err
	}
	delete(keys, key)
	return s.saveKeys(keys)
}

func (s *FileAPIKeyStore) loadKeys() (map[string]*Submitter, error) {
	keys := make(map[string]*Submitter)

	data, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return keys, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, ledgerErr.New(ledgerErr.ErrorTypeInternal, "parse "+s.filePath, err)
	}
	return keys, nil
}

func (s *FileAPIKeyStore) saveKeys(keys map[string]*Submitter) error {
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath)
}

const submitterKey ctxKey = iota + 1

// SubmitterFrom returns the submitter RequireAPIKey attached to ctx.
func SubmitterFrom(ctx context.Context) (*Submitter, bool) {
	sub, ok := ctx.Value(submitterKey).(*Submitter)
	return sub, ok
}

// RequireAPIKey rejects requests without a known X-API-Key.
func RequireAPIKey(keys APIKeys) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				writeJSON(w, http.StatusUnauthorized, failure(r, "UNAUTHORIZED", "missing "+APIKeyHeader))
				return
			}
			sub, err := keys.GetAPIKey(key)
			if ledgerErr.IsNotFound(err) {
				writeJSON(w, http.StatusUnauthorized, failure(r, "UNAUTHORIZED", "unknown api key"))
				return
			}
			if err != nil {
				handleError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), submitterKey, sub)))
		})
	}
}

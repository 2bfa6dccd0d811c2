package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/compresr/relay-gateway/internal/config"
)

// FileStore keeps one JSON file per account in a directory.
type FileStore struct {
	dir string

	mu    sync.Mutex
	paths map[string]string // account id -> file
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, paths: make(map[string]string)}
}

// Dir returns the store directory.
func (s *FileStore) Dir() string { return s.dir }

// LoadAccounts reads every *.json file. Unreadable files are skipped with a warning.
func (s *FileStore) LoadAccounts() ([]Account, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	sort.Strings(files)

	paths := make(map[string]string, len(files))
	accounts := make([]Account, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			log.Warn().Err(err).Str("file", f).Msg("accounts: skipping unreadable file")
			continue
		}
		var acc Account
		if err := json.Unmarshal(data, &acc); err != nil {
			log.Warn().Err(err).Str("file", f).Msg("accounts: skipping invalid file")
			continue
		}
		if acc.ID == "" {
			acc.ID = strings.TrimSuffix(filepath.Base(f), ".json")
		}
		if acc.RefreshToken == "" && acc.AccessToken == "" {
			log.Warn().Str("file", f).Msg("accounts: skipping file without credentials")
			continue
		}
		acc.Tier = ParseTier(string(acc.Tier))
		paths[acc.ID] = f
		accounts = append(accounts, acc)
	}

	s.mu.Lock()
	s.paths = paths
	s.mu.Unlock()
	return accounts, nil
}

// SaveRefreshedToken patches the token fields of an account file in place.
func (s *FileStore) SaveRefreshedToken(accountID, accessToken string, expiry time.Time) error {
	return s.patch(accountID, map[string]any{
		"access_token": accessToken,
		"token_expiry": expiry.UTC().Format(time.RFC3339),
	})
}

// DisableAccount marks an account file as disabled. The file is kept.
func (s *FileStore) DisableAccount(accountID, reason string) error {
	return s.patch(accountID, map[string]any{
		"disabled":        true,
		"disabled_reason": reason,
		"disabled_at":     time.Now().UTC().Format(time.RFC3339),
	})
}

// patch rewrites selected keys, leaving unknown fields untouched.
func (s *FileStore) patch(accountID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.paths[accountID]
	if !ok {
		path = filepath.Join(s.dir, accountID+".json")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read account %s: %w", accountID, err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data, err = sjson.SetBytes(data, k, fields[k])
		if err != nil {
			return fmt.Errorf("patch account %s: %w", accountID, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write account %s: %w", accountID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil {
			log.Error().Err(rmErr).Str("file", tmp).Msg("accounts: failed to remove temp file")
		}
		return fmt.Errorf("rename account %s: %w", accountID, err)
	}
	return nil
}

// Watch reloads the directory whenever an account file changes and hands the
// result to onChange. Blocks until ctx is done.
func (s *FileStore) Watch(ctx context.Context, onChange func([]Account)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	var (
		timerMu  sync.Mutex
		debounce *time.Timer
	)
	reload := func() {
		accounts, err := s.LoadAccounts()
		if err != nil {
			log.Error().Err(err).Msg("accounts: reload failed")
			return
		}
		onChange(accounts)
	}
	defer func() {
		timerMu.Lock()
		if debounce != nil {
			debounce.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			timerMu.Lock()
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(config.AccountReloadDebounce, reload)
			timerMu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("accounts: watcher error")
		}
	}
}

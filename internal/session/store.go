package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// Store persists session configs. Configs outlive the in-memory session:
// eviction never deletes them and the next creation for the same key loads
// the document back verbatim.
type Store interface {
	Load(key string) (*Config, error)
	Save(key string, cfg *Config) error
	// Dir returns the session's private directory (gateway credential
	// blobs live there too, opaque to this layer).
	Dir(key string) string
}

// dirStore keeps one directory per session key under a root, with the
// config as <root>/<key>/config.json. Saves are atomic (renameio), so a
// crash mid-write never leaves a torn document behind.
type dirStore struct {
	root string
}

// NewDirStore returns a Store rooted at root. The directory tree is
// created lazily on first Load or Save.
func NewDirStore(root string) Store {
	return &dirStore{root: root}
}

func (s *dirStore) Dir(key string) string {
	return filepath.Join(s.root, key)
}

func (s *dirStore) configPath(key string) string {
	return filepath.Join(s.Dir(key), "config.json")
}

func (s *dirStore) Load(key string) (*Config, error) {
	cfg := DefaultConfig()

	b, err := os.ReadFile(s.configPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			// First sight of this key: create the directory and seed
			// the default document.
			if err := os.MkdirAll(s.Dir(key), 0o755); err != nil {
				return nil, err
			}
			if err := s.Save(key, cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Unmarshal over defaults so absent fields keep their default values.
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("session %s: parse config: %w", short(key), err)
	}
	cfg.normalize()
	return cfg, nil
}

func (s *dirStore) Save(key string, cfg *Config) error {
	if err := os.MkdirAll(s.Dir(key), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.configPath(key), b, 0o600)
}

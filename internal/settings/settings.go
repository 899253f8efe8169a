// Package settings is the small persisted key/value store shared between
// runs. It remembers the last hardware encoder that worked per codec.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"

	"hlg-transcoder/pkg/models"
)

const (
	appDir   = "hlgphone"
	fileName = "hlgphone_config.json"

	lastEncoderPrefix = "last_gpu_encoder_"
)

var ErrUnknownKey = errors.New("settings key not set")

// Store is backed by its own viper instance so it never mixes with the CLI
// configuration. A Store with an empty path keeps values in memory only.
type Store struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// DefaultPath is <user config dir>/hlgphone/hlgphone_config.json.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	return filepath.Join(dir, appDir, fileName), nil
}

// Open loads the JSON file at path. A missing file yields an empty store
// that is created on the first write.
func Open(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigType("json")
	s := &Store{v: v, path: path}
	if path == "" {
		return s, nil
	}

	v.SetConfigFile(path)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("stat settings: %w", err)
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.v.IsSet(key) {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return s.v.GetString(key), nil
}

// Set stores value and rewrites the whole file.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(key, value)
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

func encoderKey(codec models.Codec) string {
	return lastEncoderPrefix + string(codec)
}

// LastEncoder returns the remembered encoder for codec or "".
func (s *Store) LastEncoder(codec models.Codec) string {
	v, err := s.Get(encoderKey(codec))
	if err != nil {
		return ""
	}
	return v
}

func (s *Store) RememberEncoder(codec models.Codec, encoder string) error {
	if encoder == "" {
		return nil
	}
	return s.Set(encoderKey(codec), encoder)
}

package am

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/logger"
)

const backupGenerations = 3

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	oldest := backupName(configPath, backupGenerations)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", "file", oldest, "error", err)
	}

	// .back2 -> .back3, .back1 -> .back2
	for gen := backupGenerations - 1; gen >= 1; gen-- {
		from := backupName(configPath, gen)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, backupName(configPath, gen+1)); err != nil {
			return errors.Wrapf(err, "failed to rotate %s", from)
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(backupName(configPath, 1), content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

func backupName(configPath string, gen int) string {
	return configPath + ".back" + strconv.Itoa(gen)
}

// DefaultConfig returns the configuration produced by SetDefaults alone
func DefaultConfig() (*Config, error) {
	v := newDefaultsViper()
	return LoadWithViper(v)
}

// MarshalTOML renders a config as an am.toml document
func MarshalTOML(cfg *Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// WriteDefault writes a fully populated am.toml to path, backing up any
// existing file first. Returns the path written.
func WriteDefault(path string) (string, error) {
	if path == "" {
		path = UserConfigPath()
		if path == "" {
			return "", errors.New("could not determine home directory")
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}
	data, err := MarshalTOML(cfg)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return "", errors.Wrap(err, "failed to create config directory")
	}
	if err := createBackup(path); err != nil {
		return "", errors.Wrap(err, "failed to create backup")
	}

	// Mark this as our own write to prevent reload loops
	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", path)
	}
	return path, nil
}

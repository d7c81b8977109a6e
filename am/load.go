package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/drip/errors"
)

// EnvPrefix is the prefix for environment overrides (DRIP_DRIP_BATCH_SIZE, DRIP_SERVER_PORT, ...)
const EnvPrefix = "DRIP"

var (
	loadMu         sync.Mutex
	globalConfig   *Config
	viperInstance  *viper.Viper
	configSources  map[string]SourceInfo
	configFileUsed string
)

// Load reads the drip configuration using Viper
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViperLocked()

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	loadMu.Lock()
	defer loadMu.Unlock()
	return initViperLocked()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	// Set defaults but don't bind environment variables for this specific load
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config from %s", configPath)
	}
	return config, nil
}

// Reset clears the cached configuration (useful for testing and hot reload)
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
	configSources = nil
	configFileUsed = ""
}

// ConfigFileUsed returns the highest-precedence config file that was merged, if any
func ConfigFileUsed() string {
	loadMu.Lock()
	defer loadMu.Unlock()
	initViperLocked()
	return configFileUsed
}

// initViperLocked initializes Viper with configuration sources and defaults.
// Callers hold loadMu.
func initViperLocked() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)

	SetDefaults(v)

	// Manually merge configs in precedence order: system -> user -> project -> env vars
	configSources, configFileUsed = mergeConfigFiles(v, configSearchPaths())

	viperInstance = v
	return v
}

// findProjectConfig searches for am.toml by walking up the directory tree
// Returns the path to the first config file found, or empty string if none found
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		amPath := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(amPath); err == nil {
			return amPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// UserConfigPath returns ~/.drip/am.toml
func UserConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".drip", "am.toml")
}

type configPath struct {
	path   string
	source ConfigSource
}

// configSearchPaths lists candidate files, lowest precedence first
func configSearchPaths() []configPath {
	paths := []configPath{
		{path: "/etc/drip/am.toml", source: SourceSystem},
	}
	if user := UserConfigPath(); user != "" {
		paths = append(paths, configPath{path: user, source: SourceUser})
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, configPath{path: project, source: SourceProject})
	}
	return paths
}

// mergeConfigFiles merges configuration files in order and records, per key,
// which file set it last. Returns the source map and the last file merged.
func mergeConfigFiles(v *viper.Viper, paths []configPath) (map[string]SourceInfo, string) {
	sources := make(map[string]SourceInfo)
	used := ""

	for _, cp := range paths {
		if _, err := os.Stat(cp.path); err != nil {
			continue
		}

		tempViper := viper.New()
		tempViper.SetConfigFile(cp.path)
		tempViper.SetConfigType("toml")

		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}

		// AllKeys flattens nested tables, so a file that sets only drip.batch_size
		// does not clobber the rest of the drip table
		for _, key := range tempViper.AllKeys() {
			v.Set(key, tempViper.Get(key))
			sources[key] = SourceInfo{Source: cp.source, Path: cp.path}
		}
		used = cp.path
	}

	return sources, used
}

// GetDatabasePath returns the configured database path
func GetDatabasePath() (string, error) {
	// DB_PATH overrides everything (dev mode)
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		return dbPath, nil
	}

	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.GetDatabasePath(), nil
}

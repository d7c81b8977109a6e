package am

import (
	"os"
	"sort"
	"strings"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/drip/am.toml
	SourceUser        ConfigSource = "user"        // ~/.drip/am.toml
	SourceProject     ConfigSource = "project"     // project am.toml
	SourceEnvironment ConfigSource = "environment" // DRIP_* env vars
)

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource
	Path   string // File path or environment variable name
}

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// sensitiveKeys are masked in introspection output
var sensitiveKeys = map[string]bool{
	"auth.trigger_secret": true,
}

// Settings returns every effective setting with the source it came from,
// sorted by key. Used by `drip am show`.
func Settings() []SettingInfo {
	v := GetViper()

	loadMu.Lock()
	sources := configSources
	loadMu.Unlock()

	keys := v.AllKeys()
	sort.Strings(keys)

	settings := make([]SettingInfo, 0, len(keys))
	for _, key := range keys {
		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if si, ok := sources[key]; ok {
			info = si
		}

		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" {
			info = SourceInfo{Source: SourceEnvironment, Path: envKey}
		}

		var value interface{} = v.Get(key)
		if sensitiveKeys[key] {
			value = maskSecret(v.GetString(key))
		}

		settings = append(settings, SettingInfo{
			Key:        key,
			Value:      value,
			Source:     info.Source,
			SourcePath: info.Path,
		})
	}
	return settings
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

package gibbon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// Config holds the deploy-time shape of the store.
//
// PermissionByteLength and GroupByteLength fix the universe sizes
// (8 positions per byte) and are changed only through the resize
// protocol. MutationConcurrency caps in-flight writes during bulk
// fan-out.
type Config struct {
	DBName               string          `json:"dbName"`
	PermissionByteLength int             `json:"permissionByteLength"`
	GroupByteLength      int             `json:"groupByteLength"`
	MutationConcurrency  int             `json:"mutationConcurrency"`
	DBStructure          StructureConfig `json:"dbStructure"`
}

// StructureConfig names the three collections.
type StructureConfig struct {
	User       CollectionConfig `json:"user"`
	Group      CollectionConfig `json:"group"`
	Permission CollectionConfig `json:"permission"`
}

// CollectionConfig names one collection.
type CollectionConfig struct {
	CollectionName string `json:"collectionName"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DBName:               "gibbon",
		PermissionByteLength: 128,
		GroupByteLength:      128,
		MutationConcurrency:  10,
		DBStructure: StructureConfig{
			User:       CollectionConfig{CollectionName: "users"},
			Group:      CollectionConfig{CollectionName: "groups"},
			Permission: CollectionConfig{CollectionName: "permissions"},
		},
	}
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".gibbon.json"

// getGlobalConfigPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/gibbon/config.json if set, otherwise
// ~/.config/gibbon/config.json. Returns empty string if the home
// directory cannot be determined.
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "gibbon", "config.json")
		}
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "gibbon", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "gibbon", "config.json")
	}

	return ""
}

// LoadConfig loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/gibbon/config.json or ~/.config/gibbon/config.json)
// 3. Project config file at default location (.gibbon.json, if exists)
// 4. Explicit config file via configPath (if non-empty).
func LoadConfig(workDir, configPath string, env []string) (Config, ConfigSources, error) {
	cfg := DefaultConfig()

	var sources ConfigSources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	validateErr := cfg.Validate()
	if validateErr != nil {
		return Config{}, ConfigSources{}, validateErr
	}

	return cfg, sources, nil
}

func loadGlobalConfig(env []string) (Config, string, error) {
	globalCfgPath := getGlobalConfigPath(env)
	if globalCfgPath == "" {
		return Config{}, "", nil
	}

	globalCfg, loaded, err := loadConfigFile(globalCfgPath, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return globalCfg, globalCfgPath, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var cfgFile string

	var mustExist bool

	if configPath != "" {
		// Explicit config file - must exist
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true

		_, statErr := os.Stat(cfgFile)
		if statErr != nil {
			return Config{}, "", fmt.Errorf("%w: %s (run `gibbon init`)", ErrConfigNotFound, configPath)
		}
	} else {
		// Default project config file - optional
		cfgFile = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	fileCfg, loaded, err := loadConfigFile(cfgFile, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return fileCfg, cfgFile, nil
}

// loadConfigFile loads a config file. If mustExist is false, missing
// files return zero config. Returns the config, whether the file was
// loaded, and any error.
func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if mustExist {
			return Config{}, false, fmt.Errorf("%w: could not load config %s, run `gibbon init`", ErrConfigInvalid, path)
		}

		return Config{}, false, nil
	}

	cfg, parseErr := ParseConfig(data)
	if parseErr != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, parseErr)
	}

	return cfg, true, nil
}

// ParseConfig parses JSONC config data.
func ParseConfig(data []byte) (Config, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	unmarshalErr := json.Unmarshal(standardized, &cfg)
	if unmarshalErr != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", unmarshalErr)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.DBName != "" {
		base.DBName = overlay.DBName
	}

	if overlay.PermissionByteLength != 0 {
		base.PermissionByteLength = overlay.PermissionByteLength
	}

	if overlay.GroupByteLength != 0 {
		base.GroupByteLength = overlay.GroupByteLength
	}

	if overlay.MutationConcurrency != 0 {
		base.MutationConcurrency = overlay.MutationConcurrency
	}

	if overlay.DBStructure.User.CollectionName != "" {
		base.DBStructure.User = overlay.DBStructure.User
	}

	if overlay.DBStructure.Group.CollectionName != "" {
		base.DBStructure.Group = overlay.DBStructure.Group
	}

	if overlay.DBStructure.Permission.CollectionName != "" {
		base.DBStructure.Permission = overlay.DBStructure.Permission
	}

	return base
}

// Validate checks that the config can back a store.
func (c Config) Validate() error {
	switch {
	case c.DBName == "":
		return fmt.Errorf("%w: dbName cannot be empty", ErrConfigInvalid)
	case c.PermissionByteLength < 1:
		return fmt.Errorf("%w: permissionByteLength must be >= 1, got %d", ErrConfigInvalid, c.PermissionByteLength)
	case c.GroupByteLength < 1:
		return fmt.Errorf("%w: groupByteLength must be >= 1, got %d", ErrConfigInvalid, c.GroupByteLength)
	case c.MutationConcurrency < 1:
		return fmt.Errorf("%w: mutationConcurrency must be >= 1, got %d", ErrConfigInvalid, c.MutationConcurrency)
	case c.DBStructure.User.CollectionName == "",
		c.DBStructure.Group.CollectionName == "",
		c.DBStructure.Permission.CollectionName == "":
		return fmt.Errorf("%w: collection names cannot be empty", ErrConfigInvalid)
	}

	return nil
}

// FormatConfig returns the config as formatted JSON.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}

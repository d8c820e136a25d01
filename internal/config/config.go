package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/opencode-ai/codexhost/pkg/types"
)

// Environment variables read by Load.
const (
	EnvConfig        = "CODEXHOST_CONFIG"
	EnvConfigContent = "CODEXHOST_CONFIG_CONTENT"
	EnvConfigDir     = "CODEXHOST_CONFIG_DIR"
	EnvModel         = "CODEXHOST_MODEL"
	EnvCodexBin      = "CODEXHOST_CODEX_BIN"
	EnvPermission    = "CODEXHOST_PERMISSION"
)

var configNames = []string{"codexhost.json", "codexhost.jsonc"}

// Load loads configuration from multiple sources (priority order):
// 1. Global config (CODEXHOST_CONFIG_DIR or ~/.config/codexhost/)
// 2. Project config (codexhost.json[c] and .codexhost/)
// 3. CODEXHOST_CONFIG file
// 4. CODEXHOST_CONFIG_CONTENT inline JSON
// 5. Environment variables
//
// Missing files are skipped. A file that exists but does not parse is an error.
func Load(directory string) (*types.Config, error) {
	config := &types.Config{}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) error {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil
		}
		if loaded[absPath] {
			return nil
		}
		err = loadConfigFile(path, config, baseDir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		loaded[absPath] = true
		return nil
	}

	var dirs [][2]string
	globalDir := GetConfigDir()
	for _, name := range configNames {
		dirs = append(dirs, [2]string{filepath.Join(globalDir, name), globalDir})
	}
	if directory != "" {
		projectConfigDir := filepath.Join(directory, ".codexhost")
		for _, name := range configNames {
			dirs = append(dirs, [2]string{filepath.Join(directory, name), directory})
		}
		for _, name := range configNames {
			dirs = append(dirs, [2]string{filepath.Join(projectConfigDir, name), projectConfigDir})
		}
	}
	if configPath := os.Getenv(EnvConfig); configPath != "" {
		dirs = append(dirs, [2]string{configPath, filepath.Dir(configPath)})
	}

	for _, d := range dirs {
		if err := loadOnce(d[0], d[1]); err != nil {
			return nil, err
		}
	}

	if content := os.Getenv(EnvConfigContent); content != "" {
		var inline types.Config
		data := interpolate(jsonc.ToJSON([]byte(content)), directory)
		if err := json.Unmarshal(data, &inline); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvConfigContent, err)
		}
		mergeConfig(config, &inline)
	}

	// Environment variables (highest priority)
	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		return jsonEscape(os.Getenv(envPattern.FindStringSubmatch(match)[1]))
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			home, _ := os.UserHomeDir()
			filePath = filepath.Join(home, filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}
		return jsonEscape(strings.TrimRight(string(content), "\n"))
	})

	return []byte(str)
}

// jsonEscape escapes s for use inside a JSON string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.Instructions != "" {
		target.Instructions = source.Instructions
	}

	if source.Codex != nil {
		if target.Codex == nil {
			target.Codex = &types.CodexConfig{}
		}
		mergeCodex(target.Codex, source.Codex)
	}

	// Permission blocks replace each other whole
	if source.Permission != nil {
		target.Permission = source.Permission
	}

	if source.PartStore != nil {
		if target.PartStore == nil {
			target.PartStore = &types.PartStoreConfig{}
		}
		if source.PartStore.FlushDelay != nil {
			target.PartStore.FlushDelay = source.PartStore.FlushDelay
		}
		if source.PartStore.Size != nil {
			target.PartStore.Size = source.PartStore.Size
		}
	}
}

func mergeCodex(target, source *types.CodexConfig) {
	if source.Command != "" {
		target.Command = source.Command
	}
	if source.Args != nil {
		target.Args = source.Args
	}
	if source.Env != nil {
		if target.Env == nil {
			target.Env = make(map[string]string)
		}
		for k, v := range source.Env {
			target.Env[k] = v
		}
	}
	if source.HandshakeTimeout != nil {
		target.HandshakeTimeout = source.HandshakeTimeout
	}
	if source.RequestTimeout != nil {
		target.RequestTimeout = source.RequestTimeout
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	if model := os.Getenv(EnvModel); model != "" {
		config.Model = model
	}

	if bin := os.Getenv(EnvCodexBin); bin != "" {
		if config.Codex == nil {
			config.Codex = &types.CodexConfig{}
		}
		config.Codex.Command = bin
	}

	// Permission override (JSON)
	if permJSON := os.Getenv(EnvPermission); permJSON != "" {
		var perm types.PermissionConfig
		if err := json.Unmarshal([]byte(permJSON), &perm); err == nil {
			config.Permission = &perm
		}
	}
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigDir returns the config directory to use.
// Prefers CODEXHOST_CONFIG_DIR, then the XDG location.
func GetConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	return GetPaths().Config
}

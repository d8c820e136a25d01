// Package config provides configuration loading and path management.
package config

import (
	"os"
	"path/filepath"
)

const appName = "codexhost"

// Paths are the per-user directories codexhost writes to.
type Paths struct {
	Data   string // $XDG_DATA_HOME/codexhost: messages and parts
	Config string // $XDG_CONFIG_HOME/codexhost: global codexhost.json
	State  string // $XDG_STATE_HOME/codexhost: logs
}

// GetPaths resolves Paths from the XDG variables, falling back to the XDG
// defaults under $HOME.
func GetPaths() *Paths {
	return &Paths{
		Data:   xdgDir("XDG_DATA_HOME", ".local", "share"),
		Config: xdgDir("XDG_CONFIG_HOME", ".config"),
		State:  xdgDir("XDG_STATE_HOME", ".local", "state"),
	}
}

func xdgDir(env string, fallback ...string) string {
	base := os.Getenv(env)
	if base == "" {
		base = filepath.Join(append([]string{os.Getenv("HOME")}, fallback...)...)
	}
	return filepath.Join(base, appName)
}

// EnsurePaths creates every directory in p.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.State, p.LogDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// StoragePath is the root of the message and part store.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "storage")
}

// LogDir holds one log file per CLI invocation.
func (p *Paths) LogDir() string {
	return filepath.Join(p.State, "log")
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetConfigDir(), appName+".json")
}

// ProjectConfigPath returns the config file Save writes for directory.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, "."+appName, appName+".json")
}

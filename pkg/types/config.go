package types

// Config represents the codexhost configuration.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	// Model passed to thread/start and turn/start ("gpt-5-codex").
	Model string `json:"model,omitempty"`

	// Developer instructions sent when a new thread is started.
	Instructions string `json:"instructions,omitempty"`

	// Codex app-server subprocess settings
	Codex *CodexConfig `json:"codex,omitempty"`

	// Global permission settings
	Permission *PermissionConfig `json:"permission,omitempty"`

	// Part cache settings
	PartStore *PartStoreConfig `json:"partStore,omitempty"`
}

// CodexConfig describes how to launch the app-server subprocess.
type CodexConfig struct {
	Command          string            `json:"command,omitempty"` // defaults to "codex"
	Args             []string          `json:"args,omitempty"`    // defaults to ["app-server"]
	Env              map[string]string `json:"env,omitempty"`
	HandshakeTimeout *int              `json:"handshakeTimeout,omitempty"` // ms
	RequestTimeout   *int              `json:"requestTimeout,omitempty"`   // ms, applied to control requests
}

// PermissionConfig holds permission settings.
type PermissionConfig struct {
	Edit any `json:"edit,omitempty"` // "allow"|"deny"|"ask" or map[glob]action
	Bash any `json:"bash,omitempty"` // "allow"|"deny"|"ask" or map[pattern]action
}

// PartStoreConfig tunes the part write-back cache.
type PartStoreConfig struct {
	FlushDelay *int `json:"flushDelay,omitempty"` // ms
	Size       *int `json:"size,omitempty"`       // max cached (session, message) entries
}

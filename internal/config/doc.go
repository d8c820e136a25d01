// Package config provides configuration loading, merging, and path management for codexhost.
//
// # Configuration Loading
//
// Load searches for and merges configuration from multiple sources in
// priority order, later sources overriding earlier ones:
//
//  1. Global config (CODEXHOST_CONFIG_DIR, else ~/.config/codexhost/)
//  2. Project config (codexhost.json[c] in the directory, then .codexhost/)
//  3. CODEXHOST_CONFIG file
//  4. CODEXHOST_CONFIG_CONTENT inline JSON
//  5. Environment variables
//
// Both codexhost.json and codexhost.jsonc are read; comments are stripped with
// tidwall/jsonc.
//
// # Variable Interpolation
//
// Configuration files support two types of variable interpolation:
//   - {env:VAR_NAME} - Expands to environment variable values
//   - {file:path} - Expands to file contents (escaped for JSON)
//
// Relative {file:} paths resolve against the directory of the config file;
// ~/ expands to the home directory.
//
//	{
//	  "model": "gpt-5-codex",
//	  "instructions": "{file:./AGENTS.md}",
//	  "codex": {
//	    "command": "codex",
//	    "env": {"OPENAI_API_KEY": "{env:OPENAI_API_KEY}"}
//	  },
//	  "permission": {
//	    "edit": {"*": "ask", "docs/**": "allow"},
//	    "bash": {"git push *": "deny", "go test *": "allow"}
//	  },
//	  "partStore": {"flushDelay": 250, "size": 256}
//	}
//
// # Configuration Merging
//
// Scalars overwrite, codex.env maps merge key by key, and a permission block
// replaces the previous one whole.
//
// # Environment Variable Overrides
//
//   - CODEXHOST_MODEL - Override the model
//   - CODEXHOST_CODEX_BIN - Override the app-server executable
//   - CODEXHOST_PERMISSION - JSON string for permission configuration
//
// # Path Management
//
// Paths follows the XDG Base Directory layout:
//   - Data: ~/.local/share/codexhost (XDG_DATA_HOME)
//   - Config: ~/.config/codexhost (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/codexhost (XDG_CACHE_HOME)
//   - State: ~/.local/state/codexhost (XDG_STATE_HOME)
package config

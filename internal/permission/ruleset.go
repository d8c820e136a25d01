package permission

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/opencode-ai/codexhost/pkg/types"
)

// Ruleset is the configured allow/deny/ask policy applied to a turn's
// approval requests before the reviewer is asked.
type Ruleset struct {
	// Edit is the action for file changes with no matching EditPaths glob.
	Edit Action
	// EditPaths maps doublestar globs over root-relative paths to actions.
	EditPaths map[string]Action
	// Bash maps command patterns ("git commit *", "ls", "*") to actions.
	Bash map[string]Action
}

// DefaultRuleset asks for everything.
func DefaultRuleset() Ruleset {
	return Ruleset{
		Edit:      ActionAsk,
		EditPaths: map[string]Action{},
		Bash:      map[string]Action{},
	}
}

// RulesetFromConfig builds a Ruleset from configuration. The edit and bash
// fields accept either a single action or a map of pattern to action.
func RulesetFromConfig(cfg *types.PermissionConfig) Ruleset {
	rs := DefaultRuleset()
	if cfg == nil {
		return rs
	}

	switch v := cfg.Edit.(type) {
	case string:
		rs.Edit = parseAction(v)
	case map[string]any:
		for pattern, raw := range v {
			if s, ok := raw.(string); ok {
				if pattern == "*" {
					rs.Edit = parseAction(s)
				} else {
					rs.EditPaths[pattern] = parseAction(s)
				}
			}
		}
	}

	switch v := cfg.Bash.(type) {
	case string:
		rs.Bash["*"] = parseAction(v)
	case map[string]any:
		for pattern, raw := range v {
			if s, ok := raw.(string); ok {
				rs.Bash[pattern] = parseAction(s)
			}
		}
	}
	return rs
}

func parseAction(s string) Action {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionAllow:
		return ActionAllow
	case ActionDeny:
		return ActionDeny
	default:
		return ActionAsk
	}
}

// Decide returns the action for req. A request covering several commands or
// paths gets the strictest action among them.
func (rs Ruleset) Decide(req Request) Action {
	switch req.Type {
	case PermBash:
		return rs.decideBash(req.Pattern)
	case PermEdit:
		return rs.decideEdit(req.Pattern)
	default:
		return ActionAsk
	}
}

func (rs Ruleset) decideBash(commandLines []string) Action {
	if len(commandLines) == 0 || len(rs.Bash) == 0 {
		return ActionAsk
	}

	decided := ActionAllow
	for _, line := range commandLines {
		commands, err := ParseBashCommand(line)
		if err != nil || len(commands) == 0 {
			return ActionAsk
		}
		for _, cmd := range commands {
			decided = Stricter(decided, MatchBashPermission(cmd, rs.Bash))
		}
	}
	return decided
}

func (rs Ruleset) decideEdit(paths []string) Action {
	if len(paths) == 0 {
		return rs.Edit
	}

	decided := ActionAllow
	for _, p := range paths {
		decided = Stricter(decided, rs.editAction(filepath.ToSlash(p)))
	}
	return decided
}

// editAction picks the longest matching glob, falling back to Edit.
func (rs Ruleset) editAction(path string) Action {
	best, bestLen := rs.Edit, -1
	for glob, action := range rs.EditPaths {
		ok, err := doublestar.Match(glob, path)
		if err != nil || !ok {
			continue
		}
		if len(glob) > bestLen || (len(glob) == bestLen && action.restrictiveness() > best.restrictiveness()) {
			best, bestLen = action, len(glob)
		}
	}
	return best
}

package permission

// patternKeys lists the rule keys that can match cmd, most specific first.
func patternKeys(cmd BashCommand) []string {
	keys := make([]string, 0, 4)
	if cmd.Subcommand != "" {
		keys = append(keys, cmd.Name+" "+cmd.Subcommand+" *")
	}
	return append(keys, cmd.Name+" *", cmd.Name, "*")
}

// MatchBashPermission returns the action of the most specific rule matching
// cmd. Unmatched commands ask.
func MatchBashPermission(cmd BashCommand, rules map[string]Action) Action {
	for _, key := range patternKeys(cmd) {
		if action, ok := rules[key]; ok {
			return action
		}
	}
	return ActionAsk
}

// BuildPattern is the rule key an "always" answer for cmd would cover:
// "git commit -m msg" gives "git commit *", "ls -la" gives "ls *".
func BuildPattern(cmd BashCommand) string {
	return patternKeys(cmd)[0]
}

// BuildPatterns returns the distinct patterns of commands, skipping cd.
func BuildPatterns(commands []BashCommand) []string {
	seen := make(map[string]bool, len(commands))
	var patterns []string
	for _, cmd := range commands {
		p := BuildPattern(cmd)
		if cmd.Name == "cd" || seen[p] {
			continue
		}
		seen[p] = true
		patterns = append(patterns, p)
	}
	return patterns
}

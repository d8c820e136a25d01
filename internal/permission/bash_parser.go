package permission

import (
	"fmt"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// BashCommand is one simple command of a shell script.
type BashCommand struct {
	Name       string   // command name, e.g. "git"
	Args       []string // arguments after the name
	Subcommand string   // first non-flag argument, e.g. "commit" in "git commit"
}

// shellWrappers are interpreters whose -c script is parsed in place of the
// wrapper itself.
var shellWrappers = map[string]bool{
	"sh":   true,
	"bash": true,
	"zsh":  true,
}

// ParseBashCommand parses a shell command line into its simple commands,
// in source order. A wrapping `bash -lc '<script>'` is looked through.
func ParseBashCommand(command string) ([]BashCommand, error) {
	commands, err := parseScript(command)
	if err != nil {
		return nil, err
	}

	if len(commands) == 1 {
		if script, ok := wrappedScript(commands[0]); ok {
			return parseScript(script)
		}
	}
	return commands, nil
}

func parseScript(script string) ([]BashCommand, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(script), "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}

	var commands []BashCommand
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd := extractCommand(call); cmd != nil {
				commands = append(commands, *cmd)
			}
		}
		return true
	})
	return commands, nil
}

// wrappedScript returns the script of `sh -c script` style invocations.
func wrappedScript(cmd BashCommand) (string, bool) {
	if !shellWrappers[filepath.Base(cmd.Name)] || len(cmd.Args) < 2 {
		return "", false
	}
	for i, arg := range cmd.Args[:len(cmd.Args)-1] {
		if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && strings.Contains(arg, "c") {
			return cmd.Args[i+1], true
		}
	}
	return "", false
}

func extractCommand(call *syntax.CallExpr) *BashCommand {
	if len(call.Args) == 0 {
		return nil
	}

	cmd := &BashCommand{Name: wordToString(call.Args[0])}
	if cmd.Name == "" {
		return nil
	}

	for _, arg := range call.Args[1:] {
		s := wordToString(arg)
		cmd.Args = append(cmd.Args, s)
		if cmd.Subcommand == "" && !strings.HasPrefix(s, "-") {
			cmd.Subcommand = s
		}
	}
	return cmd
}

func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

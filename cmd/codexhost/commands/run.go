package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/codexhost/internal/event"
	"github.com/opencode-ai/codexhost/internal/session"
)

var (
	runModel        string
	runEffort       string
	runSession      string
	runFormat       string
	runFiles        []string
	runPromptFile   string
	runPromptInline string
	runYes          bool
	runThinking     bool
	runNoColor      bool
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Run one turn in the terminal",
	Long: `Run one turn with the specified message, streaming its output.

Approval requests are asked on the terminal unless --yes is given.
Ctrl-C interrupts the turn.

Examples:
  codexhost run "Fix the bug in main.go"
  codexhost run --model gpt-5-codex --effort high "Explain this code"
  codexhost run --session ses_01J... "Now add tests"
  codexhost run --file main.go "Review this file"`,
	RunE: runTurn,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model to use")
	runCmd.Flags().StringVar(&runEffort, "effort", "", "Reasoning effort (low|medium|high)")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session ID to continue")
	runCmd.Flags().StringVar(&runFormat, "format", "default", "Output format (default|json)")
	runCmd.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "File(s) to attach to message")
	runCmd.Flags().StringVar(&runPromptFile, "prompt-file", "", "Developer instructions from file")
	runCmd.Flags().StringVar(&runPromptInline, "prompt-inline", "", "Developer instructions as inline text")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Approve every request once")
	runCmd.Flags().BoolVar(&runThinking, "thinking", false, "Show reasoning")
	runCmd.Flags().BoolVar(&runNoColor, "no-color", false, "Disable color")
}

func runTurn(cmd *cobra.Command, args []string) error {
	text, err := buildMessage(strings.Join(args, " "), runFiles)
	if err != nil {
		return err
	}
	if text == "" {
		return fmt.Errorf("message required. Usage: codexhost run \"your message\"")
	}

	in := session.PromptInput{Text: text, Model: runModel, Effort: runEffort}
	switch {
	case runPromptFile != "":
		data, err := os.ReadFile(runPromptFile)
		if err != nil {
			return fmt.Errorf("failed to read prompt file: %w", err)
		}
		instructions := string(data)
		in.Instructions = &instructions
	case runPromptInline != "":
		in.Instructions = &runPromptInline
	}

	svc, err := openService()
	if err != nil {
		return err
	}
	defer closeService(svc)

	sessionID := runSession
	if sessionID == "" {
		sessionID = "ses_" + ulid.Make().String()
	}

	r := newRenderer(os.Stdout, os.Stderr, rendererOptions{
		NoColor:  runNoColor,
		JSON:     runFormat == "json",
		Thinking: runThinking,
	})
	a := newApprover(svc, os.Stdin, os.Stderr, runYes)

	bus := svc.Bus()
	defer bus.Subscribe(event.PartUpdated, r.onEvent)()
	defer bus.Subscribe(event.PermissionUpdated, a.onEvent)()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if !r.opts.JSON {
		fmt.Fprintf(os.Stderr, "session %s\n\n", sessionID)
	}
	msg, _, err := svc.Prompt(ctx, sessionID, in)
	r.finish(msg)
	if err != nil {
		return err
	}
	if msg.Error != nil && msg.Error.Name != "MessageAbortedError" {
		return fmt.Errorf("turn failed")
	}
	return nil
}

// buildMessage appends the attached files to the message.
func buildMessage(message string, files []string) (string, error) {
	var b strings.Builder
	b.WriteString(message)
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read file %s: %w", file, err)
		}
		fmt.Fprintf(&b, "\n\n--- File: %s ---\n%s", file, content)
	}
	return b.String(), nil
}

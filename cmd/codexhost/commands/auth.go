package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/codexhost/internal/codex"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage Codex credentials",
	Long: `Manage the credentials of the Codex app-server.

Subcommands:
  status   Show the signed-in account
  login    Sign in with ChatGPT or an API key
  logout   Clear credentials`,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the signed-in account",
	RunE:  runAuthStatus,
}

var loginAPIKey bool

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in",
	Long: `Sign in to the Codex backend.

Without flags a browser sign-in is started and its URL printed. With
--api-key the key is read from OPENAI_API_KEY or prompted for.`,
	RunE: runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear credentials",
	RunE:  runAuthLogout,
}

func init() {
	authLoginCmd.Flags().BoolVar(&loginAPIKey, "api-key", false, "Sign in with an API key")

	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer closeService(svc)

	res, err := svc.Account(context.Background())
	if err != nil {
		return err
	}
	if res.Account == nil {
		fmt.Println("Not signed in")
		return nil
	}
	switch {
	case res.Account.Email != "":
		fmt.Printf("Signed in as %s (%s)\n", res.Account.Email, res.Account.Type)
	default:
		fmt.Printf("Signed in (%s)\n", res.Account.Type)
	}
	if res.Account.PlanType != "" {
		fmt.Printf("Plan: %s\n", res.Account.PlanType)
	}
	return nil
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	params := codex.LoginParams{Type: "chatgpt"}
	if loginAPIKey {
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			fmt.Print("API key: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("read api key: %w", err)
			}
			key = strings.TrimSpace(line)
		}
		if key == "" {
			return fmt.Errorf("api key required")
		}
		params = codex.LoginParams{Type: "apiKey", APIKey: key}
	}

	svc, err := openService()
	if err != nil {
		return err
	}
	defer closeService(svc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	flow, err := svc.Login(ctx, params)
	if err != nil {
		return err
	}
	if flow.AuthURL == "" {
		fmt.Println("Signed in")
		return nil
	}

	fmt.Printf("Open this URL to sign in:\n\n  %s\n\n", flow.AuthURL)
	if err := flow.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			_ = flow.Cancel(context.WithoutCancel(ctx))
			return fmt.Errorf("login cancelled")
		}
		return err
	}
	fmt.Println("Signed in")
	return nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer closeService(svc)

	if err := svc.Logout(context.Background()); err != nil {
		return err
	}
	fmt.Println("Signed out")
	return nil
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/codexhost/internal/logging"
	"github.com/opencode-ai/codexhost/internal/server"
)

var (
	servePort     int
	serveCORS     bool
	serveEventLog string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start codexhost as a headless server that exposes sessions over HTTP.

Turns run one at a time per session. Events stream from /event as SSE.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().BoolVar(&serveCORS, "cors", true, "Allow cross-origin requests")
	serveCmd.Flags().StringVar(&serveEventLog, "event-log", "", "Append every event to this file as JSON lines")
}

func runServe(cmd *cobra.Command, args []string) error {
	var eventLog *os.File
	if serveEventLog != "" {
		f, err := os.OpenFile(serveEventLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer f.Close()
		eventLog = f
	}

	svc, err := openService()
	if err != nil {
		return err
	}
	defer closeService(svc)

	if eventLog != nil {
		go func() {
			if err := svc.Bus().Record(context.Background(), eventLog); err != nil {
				logging.Warn().Err(err).Str("path", serveEventLog).Msg("event log stopped")
			}
		}()
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Port = servePort
	serverConfig.EnableCORS = serveCORS
	srv := server.New(serverConfig, svc)

	errc := make(chan error, 1)
	go func() {
		logging.Info().Int("port", servePort).Msg("server listening")
		errc <- srv.Start()
	}()
	fmt.Fprintf(os.Stderr, "codexhost %s listening on http://localhost:%d\n", Version, servePort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errc:
		return err
	case <-quit:
	}

	logging.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("server shutdown")
	}
	return nil
}

package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tarkshell/tark/internal/config"
	"github.com/tarkshell/tark/internal/logging"
	"github.com/tarkshell/tark/internal/remote"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the remote session registry over loopback HTTP",
	Long: `Serve starts a loopback-only HTTP surface over the remote session
registry: session listing, stop/resume/interrupt for one session or all
sessions at once, and queueing an inbound message for a session. It does
not expose conversation content — that stays
on internal/service.Conversation's in-process SendMessage/Interrupt calls
within each "tark run --register" process.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 4117, "Loopback port to listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	registry, err := remote.Open(paths.Data)
	if err != nil {
		return fmt.Errorf("failed to open remote registry: %w", err)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", servePort)
	srv := &http.Server{
		Addr:    addr,
		Handler: remote.NewHTTPHandler(registry),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Info().Str("addr", addr).Msg("remote registry HTTP surface listening")
	fmt.Printf("Remote session registry listening on http://%s\n", addr)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

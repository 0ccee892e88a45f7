package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LuminPulse-AI/qsocket-go/internal/devserver"
	"github.com/spf13/cobra"
)

var (
	serveAddr  string
	serveToken string
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":4444", "Listen address")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Required Authorization header (default: auth.token from the config)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local QSocket server",
	Long:  "Run a development server speaking the QSocket protocol.\nClients connect on ws://<addr>/ and events are published with POST /publish or 'qsocket publish'.",
	RunE: func(cmd *cobra.Command, args []string) error {
		token := serveToken
		if token == "" {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			token = cfg.Auth.Token
		}

		ln, err := net.Listen("tcp", serveAddr)
		if err != nil {
			return err
		}

		dev := devserver.New(devserver.Config{Token: token, Logger: slog.Default()})
		srv := &http.Server{Handler: dev.Handler(), ReadHeaderTimeout: 5 * time.Second}

		errc := make(chan error, 1)
		go func() { errc <- srv.Serve(ln) }()
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on ws://%s (auth: %s)\n", ln.Addr(), valueOrDefault(maskIfSet(token), "none"))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)

		select {
		case <-sig:
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				dev.Close()
				return err
			}
		}

		// Hijacked websocket connections are not tracked by http.Server.
		dev.Close()
		shutdown(srv)
		return nil
	},
}

func maskIfSet(token string) string {
	if token == "" {
		return ""
	}
	return maskKey(token)
}

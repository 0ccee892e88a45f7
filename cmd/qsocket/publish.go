package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/LuminPulse-AI/qsocket-go/internal/devserver"
	"github.com/spf13/cobra"
)

var publishServer string

func init() {
	publishCmd.Flags().StringVar(&publishServer, "server", "", "Server base URL (default: derived from the config, e.g. http://localhost:4444)")
	rootCmd.AddCommand(publishCmd)
}

var publishCmd = &cobra.Command{
	Use:   "publish <channel> <event> <message>",
	Short: "Publish an event through a server's /publish endpoint",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		server := publishServer
		if server == "" {
			opts, err := clientOptions(cfg)
			if err != nil {
				return err
			}
			server = httpURL(opts.BuildURL())
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		req := devserver.PublishRequest{Channel: args[0], Event: args[1], Message: args[2]}
		if err := publishEvent(ctx, http.DefaultClient, server, cfg.Auth.Token, req); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published %s on %s\n", req.Event, req.Channel)
		return nil
	},
}

// httpURL turns a ws:// or wss:// URL into its http:// or https:// twin.
func httpURL(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.TrimPrefix(wsURL, "ws://")
	default:
		return wsURL
	}
}

func publishEvent(ctx context.Context, client *http.Client, server, token string, req devserver.PublishRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/publish", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", token)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("publish: server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

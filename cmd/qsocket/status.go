package main

import (
	"fmt"
	"time"

	qsocket "github.com/LuminPulse-AI/qsocket-go"
	"github.com/spf13/cobra"
)

var statusTimeout time.Duration

func init() {
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "How long to wait for the connection")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and try to connect",
	Long:  "Display the current configuration, open a connection and report the state it reaches.",
	RunE: func(cmd *cobra.Command, args []string) error {
		reached := make(chan qsocket.ConnectionState, 1)
		errs := make(chan string, 8)
		listener := &qsocket.ConnectionListener{
			StateChange: func(change qsocket.ConnectionStateChange) {
				switch change.Current() {
				case qsocket.StateConnected, qsocket.StateDisconnected:
					select {
					case reached <- change.Current():
					default:
					}
				}
			},
			Error: func(message, code string, err error) {
				line := message
				if code != "" {
					line = fmt.Sprintf("%s (code %s)", message, code)
				}
				if err != nil {
					line = fmt.Sprintf("%s: %v", line, err)
				}
				select {
				case errs <- line:
				default:
				}
			},
		}

		client, cfg, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		out := cmd.OutOrStdout()
		opts, _ := clientOptions(cfg)
		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  URL:        %s\n", opts.BuildURL())
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:      %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:      (not set)")
		}
		fmt.Fprintf(out, "  Heartbeat:  activity %s, pong %s\n",
			valueOrDefault(cfg.Heartbeat.ActivityTimeout, qsocket.DefaultActivityTimeout.String()),
			valueOrDefault(cfg.Heartbeat.PongTimeout, qsocket.DefaultPongTimeout.String()))
		fmt.Fprintf(out, "  Reconnect:  %t\n", cfg.Reconnect.Enabled)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Connection:")
		if err := client.Connect(listener, qsocket.StateConnected, qsocket.StateDisconnected); err != nil {
			return err
		}

		var state string
		select {
		case s := <-reached:
			state = s.String()
		case <-time.After(statusTimeout):
			state = fmt.Sprintf("timed out after %s (%s)", statusTimeout, client.Connection().State())
		}
		fmt.Fprintf(out, "  State:      %s\n", state)

		for {
			select {
			case line := <-errs:
				fmt.Fprintf(out, "  Error:      %s\n", line)
			default:
				client.Disconnect()
				return nil
			}
		}
	},
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	qsocket "github.com/LuminPulse-AI/qsocket-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	listenJSON             bool
	listenNetworkStateFile string
	listenMetricsAddr      string
)

func init() {
	listenCmd.Flags().BoolVar(&listenJSON, "json", false, "Print one JSON object per event")
	listenCmd.Flags().StringVar(&listenNetworkStateFile, "network-state-file", "", "Reconnect when this network state file reports the network online (e.g. "+qsocket.DefaultNetworkStateFile+")")
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(listenCmd)
}

// eventLine is what listen prints for every event.
type eventLine struct {
	Time    time.Time `json:"time"`
	Channel string    `json:"channel"`
	Event   string    `json:"event"`
	Data    string    `json:"data"`
}

// eventPrinter writes events and connection changes to out. Its methods run
// on the client's event queue, one at a time.
type eventPrinter struct {
	out  io.Writer
	json bool
}

func (p *eventPrinter) OnEvent(channelName, eventName, data string) {
	line := eventLine{Time: time.Now().UTC(), Channel: channelName, Event: eventName, Data: data}
	if p.json {
		json.NewEncoder(p.out).Encode(line)
		return
	}
	fmt.Fprintf(p.out, "%s %s %s %s\n", line.Time.Format(time.RFC3339), channelName, eventName, data)
}

func (p *eventPrinter) OnSubscriptionSucceeded(channelName string) {
	if !p.json {
		fmt.Fprintf(p.out, "subscribed to %s\n", channelName)
	}
}

func (p *eventPrinter) OnConnectionStateChange(change qsocket.ConnectionStateChange) {
	slog.Info("connection state", "previous", change.Previous(), "current", change.Current())
}

func (p *eventPrinter) OnError(message, code string, err error) {
	slog.Error("connection error", "message", message, "code", code, "error", err)
}

var listenCmd = &cobra.Command{
	Use:   "listen <channel> [event...]",
	Short: "Subscribe to a channel and print its events",
	Long:  "Connect, subscribe to a channel and print every event it receives until interrupted.\nWith event names only those events are bound; without, every event on the channel is printed.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var extra []qsocket.ClientOption
		if listenNetworkStateFile != "" {
			extra = append(extra, qsocket.WithConnectivity(qsocket.NewNetworkStateWatcher(listenNetworkStateFile, slog.Default())))
		}
		if listenMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			extra = append(extra, qsocket.WithMetrics(qsocket.MetricsConfig{Registry: reg}))
			srv := serveMetrics(listenMetricsAddr, reg)
			defer shutdown(srv)
		}

		client, _, err := newClient(extra...)
		if err != nil {
			return err
		}
		defer client.Close()

		printer := &eventPrinter{out: cmd.OutOrStdout(), json: listenJSON}
		if _, err := client.Subscribe(args[0], printer, args[1:]...); err != nil {
			return err
		}
		if err := client.Connect(printer); err != nil {
			return err
		}

		<-ctx.Done()
		client.Disconnect()
		return nil
	},
}

func serveMetrics(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server", "addr", addr, "error", err)
		}
	}()
	return srv
}

// shutdown stops srv, giving in-flight requests a few seconds.
func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("shutdown", "addr", srv.Addr, "error", err)
	}
}

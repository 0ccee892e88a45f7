package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	qsocket "github.com/LuminPulse-AI/qsocket-go"
)

// clientOptions maps the CLI config onto client options.
func clientOptions(cfg *Config) (*qsocket.Options, error) {
	opts := &qsocket.Options{
		Host:                 cfg.Server.Host,
		Encrypted:            cfg.Server.Encrypted,
		AuthorizationToken:   cfg.Auth.Token,
		AutoReconnect:        cfg.Reconnect.Enabled,
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
	}
	if cfg.Server.Cluster != "" {
		opts.SetCluster(cfg.Server.Cluster)
	}
	if cfg.Server.WSPort != 0 {
		opts.WSPort = cfg.Server.WSPort
	}
	if cfg.Server.WSSPort != 0 {
		opts.WSSPort = cfg.Server.WSSPort
	}
	if cfg.Server.Proxy != "" {
		u, err := url.Parse(cfg.Server.Proxy)
		if err != nil {
			return nil, fmt.Errorf("server.proxy: %w", err)
		}
		opts.ProxyURL = u
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"heartbeat.activity_timeout", cfg.Heartbeat.ActivityTimeout, &opts.ActivityTimeout},
		{"heartbeat.pong_timeout", cfg.Heartbeat.PongTimeout, &opts.PongTimeout},
		{"reconnect.base_delay", cfg.Reconnect.BaseDelay, &opts.ReconnectBaseDelay},
		{"reconnect.max_delay", cfg.Reconnect.MaxDelay, &opts.ReconnectMaxDelay},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// newClient loads the config and builds a client from it.
func newClient(extra ...qsocket.ClientOption) (*qsocket.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, nil, err
	}
	options := append([]qsocket.ClientOption{qsocket.WithLogger(slog.Default())}, extra...)
	client, err := qsocket.NewClient(opts, options...)
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	qsocket "github.com/LuminPulse-AI/qsocket-go"
	"github.com/LuminPulse-AI/qsocket-go/internal/devserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useConfigFile points the CLI at path for the duration of the test.
func useConfigFile(t *testing.T, path string) {
	t.Helper()
	prev := configFile
	configFile = path
	t.Cleanup(func() { configFile = prev })
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	useConfigFile(t, "")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestSaveAndLoadTOML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	useConfigFile(t, "")

	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "server.host", "ws.example.com"))
	require.NoError(t, setConfigValue(cfg, "server.ws_port", "8080"))
	require.NoError(t, setConfigValue(cfg, "auth.token", "secret-token"))
	require.NoError(t, setConfigValue(cfg, "heartbeat.pong_timeout", "10s"))
	require.NoError(t, setConfigValue(cfg, "reconnect.enabled", "true"))
	require.NoError(t, saveConfig(cfg))

	path := filepath.Join(home, ".qsocket", "config.toml")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSaveAndLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qsocket.yaml")
	useConfigFile(t, path)

	cfg := &Config{
		Server: ConfigServer{Host: "localhost", WSPort: 9000},
		Auth:   ConfigAuth{Token: "t"},
	}
	require.NoError(t, saveConfig(cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ws_port: 9000")

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSetConfigValueErrors(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, setConfigValue(cfg, "host", "x"))
	assert.Error(t, setConfigValue(cfg, "nope.host", "x"))
	assert.Error(t, setConfigValue(cfg, "server.nope", "x"))
	assert.Error(t, setConfigValue(cfg, "server.ws_port", "eighty"))
	assert.Error(t, setConfigValue(cfg, "reconnect.enabled", "maybe"))
}

func TestClientOptions(t *testing.T) {
	cfg := &Config{
		Server:    ConfigServer{Cluster: "eu", WSSPort: 443, Encrypted: true, Proxy: "http://proxy:3128"},
		Auth:      ConfigAuth{Token: "secret"},
		Heartbeat: ConfigHeartbeat{ActivityTimeout: "1m", PongTimeout: "5s"},
		Reconnect: ConfigReconnect{Enabled: true, MaxAttempts: -1, BaseDelay: "500ms", MaxDelay: "10s"},
	}

	opts, err := clientOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, "wss://ws-eu.qsocket.com:443", opts.BuildURL())
	assert.Equal(t, "secret", opts.Header().Get("Authorization"))
	assert.Equal(t, time.Minute, opts.ActivityTimeout)
	assert.Equal(t, 5*time.Second, opts.PongTimeout)
	assert.Equal(t, "proxy:3128", opts.ProxyURL.Host)
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, -1, opts.MaxReconnectAttempts)
	assert.Equal(t, 500*time.Millisecond, opts.ReconnectBaseDelay)
}

func TestClientOptionsRejectsInvalidValues(t *testing.T) {
	_, err := clientOptions(&Config{Heartbeat: ConfigHeartbeat{PongTimeout: "soon"}})
	assert.Error(t, err)

	_, err = clientOptions(&Config{Heartbeat: ConfigHeartbeat{PongTimeout: "10ms"}})
	assert.ErrorIs(t, err, qsocket.ErrInvalidOptions)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcd...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
}

func TestHTTPURL(t *testing.T) {
	assert.Equal(t, "http://localhost:4444", httpURL("ws://localhost:4444"))
	assert.Equal(t, "https://ws-eu.qsocket.com:443", httpURL("wss://ws-eu.qsocket.com:443"))
}

func TestPublishEvent(t *testing.T) {
	srv := devserver.New(devserver.Config{Token: "secret"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := devserver.PublishRequest{Channel: "room1", Event: "msg", Message: "hi"}
	require.NoError(t, publishEvent(ctx, http.DefaultClient, ts.URL, "secret", req))

	err := publishEvent(ctx, http.DefaultClient, ts.URL, "wrong", req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	req.Event = "101"
	assert.Error(t, publishEvent(ctx, http.DefaultClient, ts.URL, "secret", req))
}

// runCLI executes the root command with args and returns what it printed.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		revealToken = false
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	useConfigFile(t, path)

	out, err := runCLI(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing stored at "+path)

	out, err = runCLI(t, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, path+"\n", out)

	_, err = runCLI(t, "config", "set", "server.host", "ws.example.com")
	require.NoError(t, err)
	_, err = runCLI(t, "config", "set", "auth.token", "abcdefghijklmnop")
	require.NoError(t, err)

	out, err = runCLI(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "# "+path)
	assert.Contains(t, out, "ws.example.com")
	assert.Contains(t, out, "abcd...mnop")
	assert.NotContains(t, out, "abcdefghijklmnop")

	out, err = runCLI(t, "config", "get", "server.host")
	require.NoError(t, err)
	assert.Equal(t, "ws.example.com\n", out)

	out, err = runCLI(t, "config", "get", "auth.token")
	require.NoError(t, err)
	assert.Equal(t, "abcd...mnop\n", out)

	out, err = runCLI(t, "config", "get", "auth.token", "--reveal")
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnop\n", out)
}

func TestConfigSetRefusesInvalidSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	useConfigFile(t, path)

	_, err := runCLI(t, "config", "set", "heartbeat.pong_timeout", "10s")
	require.NoError(t, err)

	_, err = runCLI(t, "config", "set", "heartbeat.pong_timeout", "10ms")
	assert.ErrorIs(t, err, qsocket.ErrInvalidOptions)
	_, err = runCLI(t, "config", "get", "server.nope")
	assert.Error(t, err)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "10s", cfg.Heartbeat.PongTimeout)

	out, err := runCLI(t, "config", "get", "reconnect.enabled")
	require.NoError(t, err)
	assert.Equal(t, "false\n", out)
}

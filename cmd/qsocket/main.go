package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.qsocket/config.toml.
type Config struct {
	Server    ConfigServer    `toml:"server" yaml:"server"`
	Auth      ConfigAuth      `toml:"auth" yaml:"auth"`
	Heartbeat ConfigHeartbeat `toml:"heartbeat" yaml:"heartbeat"`
	Reconnect ConfigReconnect `toml:"reconnect" yaml:"reconnect"`
}

// ConfigServer says where to connect.
type ConfigServer struct {
	Host      string `toml:"host" yaml:"host"`
	Cluster   string `toml:"cluster" yaml:"cluster"`
	WSPort    int    `toml:"ws_port" yaml:"ws_port"`
	WSSPort   int    `toml:"wss_port" yaml:"wss_port"`
	Encrypted bool   `toml:"encrypted" yaml:"encrypted"`
	Proxy     string `toml:"proxy" yaml:"proxy"`
}

// ConfigAuth holds the token sent in the Authorization header.
type ConfigAuth struct {
	Token string `toml:"token" yaml:"token"`
}

// ConfigHeartbeat holds Go duration strings such as "2m" or "30s".
type ConfigHeartbeat struct {
	ActivityTimeout string `toml:"activity_timeout" yaml:"activity_timeout"`
	PongTimeout     string `toml:"pong_timeout" yaml:"pong_timeout"`
}

// ConfigReconnect configures automatic reconnects.
type ConfigReconnect struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	MaxAttempts int    `toml:"max_attempts" yaml:"max_attempts"`
	BaseDelay   string `toml:"base_delay" yaml:"base_delay"`
	MaxDelay    string `toml:"max_delay" yaml:"max_delay"`
}

// ============================================================================
// Config helpers
// ============================================================================

var (
	// configFile overrides ~/.qsocket/config.toml when set with --config.
	configFile string
	verbose    bool
)

// configDir returns the path to ~/.qsocket, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".qsocket")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk in the format its
// extension names.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := encodeConfig(path, cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// encodeConfig renders cfg in the format the extension of path names.
func encodeConfig(path string, cfg *Config) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot marshal config: %w", err)
	}
	return data, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "qsocket",
	Short: "QSocket client CLI",
	Long:  "Command-line interface for QSocket real-time channels.\nManage configuration, listen to channels, publish events and run a local server.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.qsocket/config.toml; .yaml/.yml also accepted)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

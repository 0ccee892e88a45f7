package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// configKey addresses one settable field as section.field.
type configKey struct {
	name  string
	field func(*Config) any
}

var configKeys = []configKey{
	{"server.host", func(c *Config) any { return &c.Server.Host }},
	{"server.cluster", func(c *Config) any { return &c.Server.Cluster }},
	{"server.ws_port", func(c *Config) any { return &c.Server.WSPort }},
	{"server.wss_port", func(c *Config) any { return &c.Server.WSSPort }},
	{"server.encrypted", func(c *Config) any { return &c.Server.Encrypted }},
	{"server.proxy", func(c *Config) any { return &c.Server.Proxy }},
	{"auth.token", func(c *Config) any { return &c.Auth.Token }},
	{"heartbeat.activity_timeout", func(c *Config) any { return &c.Heartbeat.ActivityTimeout }},
	{"heartbeat.pong_timeout", func(c *Config) any { return &c.Heartbeat.PongTimeout }},
	{"reconnect.enabled", func(c *Config) any { return &c.Reconnect.Enabled }},
	{"reconnect.max_attempts", func(c *Config) any { return &c.Reconnect.MaxAttempts }},
	{"reconnect.base_delay", func(c *Config) any { return &c.Reconnect.BaseDelay }},
	{"reconnect.max_delay", func(c *Config) any { return &c.Reconnect.MaxDelay }},
}

func lookupConfigKey(key string) (configKey, error) {
	if !strings.Contains(key, ".") {
		return configKey{}, fmt.Errorf("key %q must be section.field (e.g. server.host)", key)
	}
	for _, k := range configKeys {
		if k.name == key {
			return k, nil
		}
	}
	return configKey{}, fmt.Errorf("unknown config key %q; see 'qsocket config set --help'", key)
}

// setConfigValue parses value into the field key names.
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	switch p := k.field(cfg).(type) {
	case *string:
		*p = value
	case *int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
		*p = n
	case *bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s must be true or false: %w", key, err)
		}
		*p = b
	}
	return nil
}

func getConfigValue(cfg *Config, key string) (string, error) {
	k, err := lookupConfigKey(key)
	if err != nil {
		return "", err
	}
	switch p := k.field(cfg).(type) {
	case *string:
		return *p, nil
	case *int:
		return strconv.Itoa(*p), nil
	case *bool:
		return strconv.FormatBool(*p), nil
	}
	return "", nil
}

func configKeyNames() string {
	names := make([]string, len(configKeys))
	for i, k := range configKeys {
		names[i] = "  " + k.name
	}
	return strings.Join(names, "\n")
}

// revealToken prints auth.token in clear from show and get.
var revealToken bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configPathCmd, configGetCmd, configSetCmd)
	configCmd.PersistentFlags().BoolVar(&revealToken, "reveal", false, "Print auth.token unmasked")
	configSetCmd.Long += "\n\nKeys:\n" + configKeyNames()
	configGetCmd.Long += "\n\nKeys:\n" + configKeyNames()
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the client settings",
	Long: "Inspect and edit the settings listen, publish and status connect with.\n" +
		"TOML by default; pass --config with a .yaml or .yml path to use YAML.",
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print where settings are read from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored settings, token masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(out, "Nothing stored at %s yet. Run 'qsocket init <token>' first.\n", path)
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		shown := *cfg
		if !revealToken && shown.Auth.Token != "" {
			shown.Auth.Token = maskKey(shown.Auth.Token)
		}
		data, err := encodeConfig(path, &shown)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# %s\n%s", path, data)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting",
	Long:  "Print one setting. auth.token is masked unless --reveal is given.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		value, err := getConfigValue(cfg, args[0])
		if err != nil {
			return err
		}
		if args[0] == "auth.token" && !revealToken && value != "" {
			value = maskKey(value)
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting",
	Long: "Change one setting. Durations use Go syntax (30s, 2m).\n" +
		"Nothing is written if the client would refuse the result.",
	Example: "  qsocket config set heartbeat.pong_timeout 10s\n  qsocket config set reconnect.max_attempts 5",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if _, err := clientOptions(cfg); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", args[0])
		return nil
	},
}

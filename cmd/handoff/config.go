package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// configField is one settable key of the config file.
type configField struct {
	get    func(*Config) string
	set    func(*Config, string) error
	secret bool
	env    string
	help   string
}

var configFields = map[string]configField{
	"default.base_url": {
		get:  func(c *Config) string { return c.Default.BaseURL },
		set:  func(c *Config, v string) error { c.Default.BaseURL = v; return nil },
		env:  envBaseURL,
		help: "REST API root, e.g. https://console.example.com/api",
	},
	"default.ws_url": {
		get:  func(c *Config) string { return c.Default.WSURL },
		set:  func(c *Config, v string) error { c.Default.WSURL = v; return nil },
		help: "push channel URL, derived from base_url when empty",
	},
	"default.poll_interval": {
		get: func(c *Config) string { return c.Default.PollInterval },
		set: func(c *Config, v string) error {
			if _, err := time.ParseDuration(v); err != nil {
				return fmt.Errorf("poll_interval must be a duration like 30s: %w", err)
			}
			c.Default.PollInterval = v
			return nil
		},
		help: "snapshot polling interval while following, 0s disables",
	},
	"default.log_mode": {
		get:  func(c *Config) string { return c.Default.LogMode },
		set:  func(c *Config, v string) error { c.Default.LogMode = v; return nil },
		help: "development or production",
	},
	"auth.token": {
		get:    func(c *Config) string { return c.Auth.Token },
		set:    func(c *Config, v string) error { c.Auth.Token = v; return nil },
		secret: true,
		env:    envToken,
		help:   "operator access token, written by login",
	},
	"auth.username": {
		get:  func(c *Config) string { return c.Auth.Username },
		set:  func(c *Config, v string) error { c.Auth.Username = v; return nil },
		help: "operator username",
	},
	"auth.role": {
		get:  func(c *Config) string { return c.Auth.Role },
		set:  func(c *Config, v string) error { c.Auth.Role = v; return nil },
		help: "operator role from the token",
	},
	"auth.token_expires": {
		get:  func(c *Config) string { return c.Auth.TokenExpires },
		set:  func(c *Config, v string) error { c.Auth.TokenExpires = v; return nil },
		help: "token expiry (RFC 3339)",
	},
}

func configKeys() []string {
	keys := make([]string, 0, len(configFields))
	for k := range configFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || field == "" {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	if section != "default" && section != "auth" {
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	f, ok := configFields[key]
	if !ok {
		return fmt.Errorf("unknown field %q in section [%s] (see 'handoff config keys')", field, section)
	}
	return f.set(cfg, value)
}

// configEntry is one line of 'config show'.
type configEntry struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

// effectiveEntries lists every key with env overrides applied and secrets
// masked.
func effectiveEntries(file *Config) []configEntry {
	eff := *file
	applyEnv(&eff)

	var out []configEntry
	for _, key := range configKeys() {
		f := configFields[key]
		v := f.get(&eff)
		source := "file"
		switch {
		case f.env != "" && strings.TrimSpace(os.Getenv(f.env)) != "":
			source = "env " + f.env
		case v == "":
			source = "unset"
		}
		if f.secret && v != "" {
			v = maskKey(v)
		}
		out = append(out, configEntry{Key: key, Value: v, Source: source})
	}
	return out
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)

	configShowCmd.Flags().Bool("json", false, "Output JSON")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change CLI settings",
	Long:  "Settings live in ~/.handoff/config.toml. HANDOFF_BASE_URL and HANDOFF_TOKEN, from the environment or a .env file, take precedence.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the settings in effect",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		entries := effectiveEntries(cfg)
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(entries)
		}

		path, _ := configPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file yet. Run 'handoff init <base-url>' to create one.")
		}
		for _, e := range entries {
			fmt.Printf("%-22s %-40s (%s)\n", e.Key, valueOrDefault(e.Value, "-"), e.Source)
		}
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the keys accepted by 'config set'",
	Run: func(cmd *cobra.Command, args []string) {
		for _, key := range configKeys() {
			f := configFields[key]
			line := fmt.Sprintf("%-22s %s", key, f.help)
			if f.env != "" {
				line += " [$" + f.env + "]"
			}
			fmt.Println(line)
		}
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: handoff config set default.poll_interval 15s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if configFields[key].secret {
			value = maskKey(value)
		}
		fmt.Printf("%s = %s\n", key, value)
		return nil
	},
}

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/rotator/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
	modified     = color.New(color.FgYellow, color.Bold)
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the rotator configuration file for syntax and semantic errors.`,
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with non-default values highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	v, err := config.NewViper(configPath)
	if err != nil {
		_, _ = red.Fprintf(os.Stderr, "✗ Configuration validation failed: %v\n", err)
		return err
	}
	if _, err := config.Decode(v); err != nil {
		_, _ = red.Fprintf(os.Stderr, "✗ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = yellow.Fprintf(os.Stderr, "! Could not check for unknown keys: %v\n", err)
	}

	_, _ = green.Fprintf(out, "✓ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		warn := color.New(color.FgRed, color.Bold)
		fprintf(out, "\n")
		_, _ = warn.Fprintf(out, "! Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = warn.Fprintf(out, "   - %s\n", key)
		}
		fprintf(out, "\nThese keys will be ignored and may indicate typos or deprecated settings.\n")
	}

	if validateDump {
		fprintf(out, "\n%s\n", strings.Repeat("=", 80))
		fprintf(out, "FULL CONFIGURATION (values different from defaults are highlighted)\n")
		fprintf(out, "%s\n", strings.Repeat("=", 80))
		dumpConfig(v)
		fprintf(out, "%s\n", strings.Repeat("=", 80))
	}

	return nil
}

// defaultViper holds only the built-in defaults.
func defaultViper() *viper.Viper {
	v, _ := config.NewViper("")
	return v
}

// findUnknownKeys reads the config file on its own and reports keys that
// have no built-in default.
func findUnknownKeys(path string) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	valid := make(map[string]bool)
	for _, key := range defaultViper().AllKeys() {
		valid[key] = true
	}

	var unknown []string
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// dumpConfig prints every known key grouped by section, highlighting the
// values that differ from the defaults.
func dumpConfig(v *viper.Viper) {
	defaults := defaultViper()
	keys := defaults.AllKeys()
	sort.Strings(keys)

	section := ""
	for _, key := range keys {
		head, name := splitKey(key)
		if head != section {
			section = head
			_, _ = cyan.Printf("\n[%s]\n", section)
		}
		value, def := v.Get(key), defaults.Get(key)
		if isSecretKey(key) {
			value, def = redactPassword(fmt.Sprint(value)), redactPassword(fmt.Sprint(def))
		}
		if key == "storage.dsn" {
			value, def = redactDSN(fmt.Sprint(value)), redactDSN(fmt.Sprint(def))
		}
		dumpField("  "+name, value, def)
	}
}

func splitKey(key string) (string, string) {
	i := strings.LastIndex(key, ".")
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue any) {
	if fmt.Sprint(value) == fmt.Sprint(defaultValue) {
		_, _ = green.Printf("%s = %v\n", name, value)
		return
	}
	_, _ = modified.Printf("%s = %v  (modified from default: %v)\n", name, value, defaultValue)
}

func isSecretKey(key string) bool {
	return strings.HasSuffix(key, "password")
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}

var dsnPassword = regexp.MustCompile(`(?i)(password=)\S+`)

// redactDSN hides the password of a postgres URL or keyword DSN.
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			return u.String()
		}
	}
	return dsnPassword.ReplaceAllString(dsn, "${1}xxxxx")
}

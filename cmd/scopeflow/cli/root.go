package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"scopeflow/internal/apiclient"
	"scopeflow/internal/config"
	"scopeflow/internal/httputil"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	verbose bool
	jsonOut bool
	version = config.Version
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "scopeflow",
	Short:   "ScopeFlow - issue scoping and remediation sessions",
	Long:    "ScopeFlow connects to your issue tracker, scopes issues with a remote coding agent, and opens pull requests for approved plans.",
	Version: fmt.Sprintf("%s (%s)", version, commit),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output JSON")
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

// resolveConfigPath determines which config file to use.
// Priority: --config flag > ./scopeflow.toml > ~/.config/scopeflow/config.toml.
// All state lives in the daemon, so a missing config file just means defaults.
func resolveConfigPath() (string, error) {
	if cfgPath != "" {
		return cfgPath, nil
	}

	if _, err := os.Stat("scopeflow.toml"); err == nil {
		return "scopeflow.toml", nil
	}

	return config.GlobalConfigPath()
}

func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// newClient builds an API client for the local daemon.
func newClient() (*apiclient.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	client := apiclient.New("http://"+cfg.Server.Addr, httputil.NewClient(cfg.HTTPTimeout()))
	return client, cfg, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// shortID returns the first 8 characters of a UUID for display.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

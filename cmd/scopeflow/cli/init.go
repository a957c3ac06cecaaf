package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"scopeflow/internal/config"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up ScopeFlow config and credentials",
	Long:  "Interactive wizard that creates ~/.config/scopeflow/ with config.toml and credentials.toml.",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	configDir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	cfgFile, err := config.GlobalConfigPath()
	if err != nil {
		return err
	}
	credsFile, err := config.CredentialsPath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(credsFile); err == nil {
		fmt.Printf("Existing credentials found at %s\n", credsFile)
		fmt.Print("Re-run setup? [y/N]: ")
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	githubToken, err := promptSecret("GitHub token (input is hidden): ", "GITHUB_TOKEN", reader)
	if err != nil {
		return err
	}
	agentKey, err := promptSecret("Agent API key (input is hidden): ", "AGENT_API_KEY", reader)
	if err != nil {
		return err
	}

	creds := &config.Credentials{GitHubToken: githubToken, AgentAPIKey: agentKey}
	if err := config.SaveCredentials(creds); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	fmt.Printf("Credentials saved to %s (mode 0600)\n", credsFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if err := os.WriteFile(cfgFile, []byte(defaultConfigTOML), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Config written to %s\n", cfgFile)
	} else {
		fmt.Printf("Keeping existing config at %s\n", cfgFile)
	}

	fmt.Println("\nDone. Start the daemon with 'scopeflow serve', then connect a repository:")
	fmt.Println("  scopeflow repos connect owner/repo")
	return nil
}

// promptSecret reads a masked secret from the terminal. If the user enters
// nothing and the named env var is set, offers to save that value instead.
func promptSecret(prompt, envVar string, reader *bufio.Reader) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(string(raw))

	if secret == "" {
		if env := os.Getenv(envVar); env != "" {
			fmt.Printf("Found %s in environment. Save it to credentials.toml? [Y/n]: ", envVar)
			answer, _ := reader.ReadString('\n')
			answer = strings.TrimSpace(strings.ToLower(answer))
			if answer == "" || answer == "y" || answer == "yes" {
				return env, nil
			}
		}
	}
	return secret, nil
}

const defaultConfigTOML = `# ScopeFlow configuration.
# Secrets belong in credentials.toml or the GITHUB_TOKEN / AGENT_API_KEY
# environment variables, not here.

log_level = "info"

[server]
addr = "127.0.0.1:8740"

[tracker]
base_url = "https://api.github.com"

[agent]
base_url = "https://api.devin.ai"

[session]
ttl = "24h"
sweep_schedule = "@hourly"
http_timeout = "30s"
`

package cli

import (
	"scopeflow/internal/daemon"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ScopeFlow daemon in the foreground",
	Long:  "Starts the HTTP gateway and session sweeper. All repository and session state lives in this process and is lost when it exits.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return daemon.Run(cfg)
}

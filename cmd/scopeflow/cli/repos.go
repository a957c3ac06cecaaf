package cli

import (
	"fmt"
	"strings"

	"scopeflow/internal/gateway"

	"github.com/spf13/cobra"
)

var connectToken string

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Manage connected repositories",
}

var reposConnectCmd = &cobra.Command{
	Use:   "connect <url>",
	Short: "Connect a repository and fetch its first page of open issues",
	Args:  cobra.ExactArgs(1),
	RunE:  runReposConnect,
}

var reposListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected repositories",
	RunE:  runReposList,
}

var reposRemoveCmd = &cobra.Command{
	Use:     "rm <repo-id>",
	Aliases: []string{"delete"},
	Short:   "Disconnect a repository and drop its cached issues",
	Args:    cobra.ExactArgs(1),
	RunE:    runReposRemove,
}

var reposResyncCmd = &cobra.Command{
	Use:   "resync <repo-id>",
	Short: "Refresh the first page of open issues",
	Args:  cobra.ExactArgs(1),
	RunE:  runReposResync,
}

var reposMoreCmd = &cobra.Command{
	Use:   "more <repo-id>",
	Short: "Fetch the next page of open issues",
	Args:  cobra.ExactArgs(1),
	RunE:  runReposMore,
}

func init() {
	reposConnectCmd.Flags().StringVar(&connectToken, "token", "", "tracker token (defaults to configured credential)")
	reposCmd.AddCommand(reposConnectCmd, reposListCmd, reposRemoveCmd, reposResyncCmd, reposMoreCmd)
	rootCmd.AddCommand(reposCmd)
}

func runReposConnect(cmd *cobra.Command, args []string) error {
	client, cfg, err := newClient()
	if err != nil {
		return err
	}

	credential := connectToken
	if credential == "" {
		credential = cfg.Tracker.Token
	}
	if credential == "" {
		return fmt.Errorf("no tracker token configured. Run 'scopeflow init' or set GITHUB_TOKEN")
	}

	repo, err := client.Connect(cmd.Context(), args[0], credential)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(repo)
		return nil
	}
	fmt.Printf("Connected %s/%s (%d open issues", repo.Owner, repo.Name, repo.FetchedCount)
	if repo.HasMore {
		fmt.Print(", more available")
	}
	fmt.Printf(")\nRepo ID: %s\n", repo.ID)
	return nil
}

func runReposList(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	repos, err := client.ListRepos(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(repos)
		return nil
	}
	if len(repos) == 0 {
		fmt.Println("No repositories connected.")
		return nil
	}

	fmt.Printf("%-10s %-35s %-8s %-6s %s\n", "REPO", "NAME", "ISSUES", "MORE", "CONNECTED")
	fmt.Println(strings.Repeat("-", 80))
	for _, r := range repos {
		more := "no"
		if r.HasMore {
			more = "yes"
		}
		fmt.Printf("%-10s %-35s %-8d %-6s %s\n",
			shortID(r.ID),
			truncate(r.Owner+"/"+r.Name, 34),
			r.FetchedCount,
			more,
			r.ConnectedAt.Format("2006-01-02 15:04"),
		)
	}
	return nil
}

func runReposRemove(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	if err := client.DeleteRepo(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed repository %s\n", args[0])
	return nil
}

func runReposResync(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	repo, err := client.Resync(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printRepoCursor("Resynced", repo)
}

func runReposMore(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	repo, err := client.FetchMore(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printRepoCursor("Fetched page", repo)
}

func printRepoCursor(verb string, repo gateway.RepoView) error {
	if jsonOut {
		printJSON(repo)
		return nil
	}
	more := "no more pages"
	if repo.HasMore {
		more = "more available"
	}
	fmt.Printf("%s %s/%s: %d issues cached through page %d (%s)\n",
		verb, repo.Owner, repo.Name, repo.FetchedCount, repo.LastPage, more)
	return nil
}

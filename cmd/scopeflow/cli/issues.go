package cli

import (
	"fmt"
	"strings"

	"scopeflow/internal/apiclient"

	"github.com/spf13/cobra"
)

var (
	issuesTitle    string
	issuesLabel    string
	issuesSort     string
	issuesOrder    string
	issuesPage     int
	issuesPageSize int
)

var issuesCmd = &cobra.Command{
	Use:   "issues <repo-id>",
	Short: "Query cached issues for a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssues,
}

func init() {
	issuesCmd.Flags().StringVar(&issuesTitle, "q", "", "case-insensitive title substring filter")
	issuesCmd.Flags().StringVar(&issuesLabel, "label", "", "exact label filter")
	issuesCmd.Flags().StringVar(&issuesSort, "sort", "created_at", "sort field: created_at, age_days, title, number")
	issuesCmd.Flags().StringVar(&issuesOrder, "order", "desc", "sort order: asc or desc")
	issuesCmd.Flags().IntVar(&issuesPage, "page", 1, "page number")
	issuesCmd.Flags().IntVar(&issuesPageSize, "page-size", 20, "issues per page")
	rootCmd.AddCommand(issuesCmd)
}

func runIssues(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}

	page, err := client.QueryIssues(cmd.Context(), args[0], apiclient.IssueQuery{
		TitleFilter: issuesTitle,
		LabelFilter: issuesLabel,
		SortField:   issuesSort,
		Order:       issuesOrder,
		Page:        issuesPage,
		PageSize:    issuesPageSize,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(page)
		return nil
	}

	if len(page.Issues) == 0 {
		fmt.Println("No issues match.")
		return nil
	}

	fmt.Printf("%-8s %-6s %-50s %-25s %s\n", "NUMBER", "AGE", "TITLE", "LABELS", "AUTHOR")
	fmt.Println(strings.Repeat("-", 104))
	for _, issue := range page.Issues {
		fmt.Printf("%-8s %-6s %-50s %-25s %s\n",
			fmt.Sprintf("#%d", issue.Number),
			fmt.Sprintf("%dd", issue.AgeDays),
			truncate(issue.Title, 49),
			truncate(strings.Join(issue.Labels, ","), 24),
			issue.Author,
		)
	}
	fmt.Printf("\nPage %d (%d of %d matching issues shown)\n", issuesPage, len(page.Issues), page.Total)
	return nil
}

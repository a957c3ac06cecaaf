package cli

import (
	"fmt"
	"strconv"
	"strings"

	"scopeflow/internal/gateway"
	"scopeflow/internal/tui"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

var (
	scopeContext string
	scopeFiles   []string
	execBranch   string
	execTarget   string
	execApprove  bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage scoping sessions",
}

var sessionsScopeCmd = &cobra.Command{
	Use:   "scope <repo-id> <issue-id>",
	Short: "Start a scoping session for an issue",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionsScope,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:     "show <session-id>",
	Aliases: []string{"poll"},
	Short:   "Poll a session and show its latest state",
	Args:    cobra.ExactArgs(1),
	RunE:    runSessionsShow,
}

var sessionsMessageCmd = &cobra.Command{
	Use:   "message <session-id> <text>...",
	Short: "Send a follow-up message to a session",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSessionsMessage,
}

var sessionsExecuteCmd = &cobra.Command{
	Use:   "execute <session-id>",
	Short: "Approve a blocked plan and start execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsExecute,
}

var sessionsCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsCancel,
}

func init() {
	sessionsScopeCmd.Flags().StringVar(&scopeContext, "context", "", "extra context for the agent")
	sessionsScopeCmd.Flags().StringArrayVar(&scopeFiles, "file", nil, "attach a file path as context (repeatable)")
	sessionsExecuteCmd.Flags().StringVar(&execBranch, "branch", "", "branch name for the fix")
	sessionsExecuteCmd.Flags().StringVar(&execTarget, "target", "main", "target branch for the pull request")
	sessionsExecuteCmd.Flags().BoolVar(&execApprove, "approve", false, "confirm that the plan is approved")
	sessionsCmd.AddCommand(sessionsScopeCmd, sessionsListCmd, sessionsShowCmd,
		sessionsMessageCmd, sessionsExecuteCmd, sessionsCancelCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsScope(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	issueID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid issue id %q", args[1])
	}

	sess, err := client.Scope(cmd.Context(), args[0], issueID, gateway.ScopeAPIRequest{
		Context:       scopeContext,
		AttachedFiles: scopeFiles,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(sess)
		return nil
	}
	fmt.Printf("Scoping session started for issue #%d\n", sess.IssueNumber)
	fmt.Printf("Session ID: %s\n", sess.ID)
	if sess.AgentURL != "" {
		fmt.Printf("Agent URL:  %s\n", sess.AgentURL)
	}
	return nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	active, err := client.ListActive(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(active)
		return nil
	}
	if len(active) == 0 {
		fmt.Println("No active sessions.")
		return nil
	}

	fmt.Printf("%-10s %-11s %-9s %-25s %-7s %s\n", "SESSION", "PHASE", "PROGRESS", "REPO", "ISSUE", "TITLE")
	fmt.Println(strings.Repeat("-", 100))
	for _, s := range active {
		progress := "-"
		if s.Output != nil {
			progress = fmt.Sprintf("%d%%", s.Output.ProgressPct)
		}
		fmt.Printf("%-10s %-11s %-9s %-25s %-7s %s\n",
			shortID(s.ID),
			s.Phase,
			progress,
			truncate(s.Repo, 24),
			fmt.Sprintf("#%d", s.IssueNumber),
			truncate(s.IssueTitle, 35),
		)
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	sess, err := client.Poll(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(sess)
		return nil
	}
	printSession(sess)
	return nil
}

func printSession(sess gateway.SessionView) {
	fmt.Printf("Session  %s\n", sess.ID)
	fmt.Printf("Phase    %s\n", sess.Phase)
	fmt.Printf("Issue    #%d\n", sess.IssueNumber)
	if sess.AgentURL != "" {
		fmt.Printf("Agent    %s\n", sess.AgentURL)
	}
	fmt.Printf("Updated  %s\n", sess.LastAccessed.Format("2006-01-02 15:04:05"))
	if out := sess.Output; out != nil {
		if out.Status != "" {
			fmt.Printf("Status   %s (%d%%)\n", out.Status, out.ProgressPct)
		}
		if out.BranchSuggestion != "" {
			fmt.Printf("Branch   %s\n", out.BranchSuggestion)
		}
	}
	fmt.Println()
	fmt.Print(renderSessionMarkdown(sess))
}

// renderSessionMarkdown renders the latest plan as terminal markdown,
// falling back to the raw markdown when glamour cannot initialize.
func renderSessionMarkdown(sess gateway.SessionView) string {
	md := tui.SessionMarkdown(sess, "", "")
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	rendered, err := r.Render(md)
	if err != nil {
		return md
	}
	return rendered
}

func runSessionsMessage(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	message := strings.Join(args[1:], " ")
	if err := client.SendMessage(cmd.Context(), args[0], message); err != nil {
		return err
	}
	fmt.Println("Message sent.")
	return nil
}

func runSessionsExecute(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	if !execApprove {
		return fmt.Errorf("refusing to execute without --approve; review the plan with 'scopeflow sessions show %s' first", args[0])
	}

	sess, err := client.Execute(cmd.Context(), args[0], gateway.ExecuteAPIRequest{
		BranchName:   execBranch,
		TargetBranch: execTarget,
		Approved:     true,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(sess)
		return nil
	}
	fmt.Printf("Execution started on branch %s (session %s is now %s)\n", execBranch, shortID(sess.ID), sess.Phase)
	return nil
}

func runSessionsCancel(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	if err := client.Cancel(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Session %s cancelled.\n", shortID(args[0]))
	return nil
}

package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/tutu-network/appgrader/internal/daemon"
	"github.com/tutu-network/appgrader/internal/domain"
	"github.com/tutu-network/appgrader/internal/infra/sqlite"
)

func init() {
	for _, c := range []*cobra.Command{resultsCmd, dispatchesCmd, tasksCmd} {
		c.Flags().IntVar(&filterRound, "round", 0, "Only rows of this round")
		c.Flags().StringVar(&filterEmail, "email", "", "Only rows of this recipient")
		c.Flags().StringVar(&filterTask, "task", "", "Only rows of this task")
		rootCmd.AddCommand(c)
	}
}

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "List evaluation results",
	RunE:  withStore(listResults),
}

var dispatchesCmd = &cobra.Command{
	Use:   "dispatches",
	Short: "List round dispatches and their delivery status",
	RunE:  withStore(listDispatches),
}

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"ls"},
	Short:   "List tasks accepted by the intake endpoint",
	RunE:    withStore(listTasks),
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	passStyle   = cellStyle.Foreground(lipgloss.Color("2"))
	failStyle   = cellStyle.Foreground(lipgloss.Color("1"))
)

// withStore opens the store for a read-only listing command.
func withStore(fn func(cmd *cobra.Command, db *sqlite.DB) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		db, err := daemon.OpenStore(rt.cfg.Store)
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(cmd, db)
	}
}

// renderTable prints rows; statusCol, when >= 0, is colored by pass/fail.
func renderTable(w io.Writer, headers []string, rows [][]string, statusCol int, passed func(row int) bool) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == statusCol && row >= 0 && row < len(rows) && passed(row):
				return passStyle
			case col == statusCol:
				return failStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, t)
}

func listResults(cmd *cobra.Command, db *sqlite.DB) error {
	results, err := db.ListResults(cmd.Context(), currentFilter())
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No results yet. Run 'appgrader evaluate' first.")
		return nil
	}
	rows := make([][]string, len(results))
	for i, r := range results {
		rows[i] = []string{r.CreatedAt.Format("2006-01-02 15:04"), r.Email, r.Target,
			strconv.Itoa(r.Round), string(r.Check), strconv.Itoa(r.Score), r.Reason}
	}
	renderTable(cmd.OutOrStdout(),
		[]string{"WHEN", "EMAIL", "TARGET", "ROUND", "CHECK", "SCORE", "REASON"},
		rows, 5, func(row int) bool { return results[row].Passed() })
	return nil
}

func listDispatches(cmd *cobra.Command, db *sqlite.DB) error {
	dispatches, err := db.ListDispatches(cmd.Context(), currentFilter())
	if err != nil {
		return err
	}
	if len(dispatches) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dispatches yet. Run 'appgrader round1' first.")
		return nil
	}
	rows := make([][]string, len(dispatches))
	for i, d := range dispatches {
		status := strconv.Itoa(d.StatusCode)
		if d.StatusCode == domain.DispatchPending {
			status = "pending"
		}
		rows[i] = []string{d.CreatedAt.Format("2006-01-02 15:04"), d.Email, d.Task,
			strconv.Itoa(d.Round), d.Endpoint, status, d.Error}
	}
	renderTable(cmd.OutOrStdout(),
		[]string{"WHEN", "EMAIL", "TASK", "ROUND", "ENDPOINT", "STATUS", "ERROR"},
		rows, 5, func(row int) bool { return dispatches[row].Delivered() })
	return nil
}

func listTasks(cmd *cobra.Command, db *sqlite.DB) error {
	tasks, err := db.ListTasks(cmd.Context(), currentFilter())
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks received yet.")
		return nil
	}
	rows := make([][]string, len(tasks))
	for i, t := range tasks {
		rows[i] = []string{t.CreatedAt.Format("2006-01-02 15:04"), t.Email, t.Task,
			strconv.Itoa(t.Round), t.Publication.RepoURL, t.Publication.PagesURL}
	}
	renderTable(cmd.OutOrStdout(),
		[]string{"WHEN", "EMAIL", "TASK", "ROUND", "REPO", "PAGES"},
		rows, -1, nil)
	return nil
}

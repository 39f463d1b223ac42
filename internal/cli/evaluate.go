package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tutu-network/appgrader/internal/daemon"
	"github.com/tutu-network/appgrader/internal/domain"
)

func init() {
	evaluateCmd.Flags().IntVar(&filterRound, "round", 0, "Only evaluate repos of this round")
	evaluateCmd.Flags().StringVar(&filterEmail, "email", "", "Only evaluate repos of this recipient")
	evaluateCmd.Flags().StringVar(&filterTask, "task", "", "Only evaluate repos of this task")
	evaluateCmd.Flags().StringVar(&evalSchedule, "schedule", "", "Cron expression; re-evaluate periodically (overrides evaluator.schedule)")
	rootCmd.AddCommand(evaluateCmd)
}

var (
	filterRound  int
	filterEmail  string
	filterTask   string
	evalSchedule string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Clone and grade reported repositories",
	Long: `Clone every reported repository and record one result per check:
MIT LICENSE, Professional README and the behavioural page check.
Re-running appends new results; earlier ones are kept.`,
	RunE: runEvaluate,
}

func currentFilter() domain.Filter {
	return domain.Filter{Email: filterEmail, Task: filterTask, Round: filterRound}
}

func runEvaluate(cmd *cobra.Command, args []string) error {
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

	ev := daemon.NewEvaluator(rt.cfg, db, rt.log)

	schedule := rt.cfg.Evaluator.Schedule
	if evalSchedule != "" {
		schedule = evalSchedule
	}
	if schedule != "" {
		return ev.Schedule(cmd.Context(), schedule, currentFilter())
	}

	sum, err := ev.Run(cmd.Context(), currentFilter())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Evaluated %d repos: %d checks passed, %d failed\n",
		sum.Repos, sum.Passed, sum.Failed)
	return nil
}

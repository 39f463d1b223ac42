package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tutu-network/appgrader/internal/app/rounds"
	"github.com/tutu-network/appgrader/internal/daemon"
	"github.com/tutu-network/appgrader/internal/domain"
)

func init() {
	round1Cmd.Flags().StringVar(&rosterPath, "roster", "", "Roster CSV (overrides rounds.roster)")
	round1Cmd.Flags().StringVar(&templatesPath, "templates", "", "Task templates YAML (overrides rounds.templates)")
	round2Cmd.Flags().StringVar(&templatesPath, "templates", "", "Task templates YAML (overrides rounds.templates)")
	rootCmd.AddCommand(round1Cmd, round2Cmd)
}

var (
	rosterPath    string
	templatesPath string
)

var round1Cmd = &cobra.Command{
	Use:   "round1",
	Short: "Dispatch round 1 tasks to every roster entry",
	Long: `Read the roster and POST each round-1 task to its recipient's endpoint.
Recipients already dispatched for round 1 are skipped, so the command can be
re-run safely.`,
	RunE: runRound1,
}

var round2Cmd = &cobra.Command{
	Use:   "round2",
	Short: "Dispatch round 2 to every recipient with a round-1 repo",
	RunE:  runRound2,
}

func newDriver(rt *runtime) (*rounds.Driver, func(), error) {
	cfg := rt.cfg.Rounds
	if templatesPath != "" {
		cfg.Templates = templatesPath
	}
	db, err := daemon.OpenStore(rt.cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	d, err := daemon.NewDriver(cfg, db, rt.log)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return d, func() { db.Close() }, nil
}

func runRound1(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	path := rt.cfg.Rounds.Roster
	if rosterPath != "" {
		path = rosterPath
	}
	entries, err := rounds.LoadRoster(path)
	if err != nil {
		if !errors.Is(err, domain.ErrRosterInvalid) || len(entries) == 0 {
			return err
		}
		// Valid rows still go out; the bad ones are reported.
		rt.log.Warn("roster has invalid rows", "error", err)
	}

	driver, done, err := newDriver(rt)
	if err != nil {
		return err
	}
	defer done()

	rep, err := driver.RunRound1(cmd.Context(), entries)
	printReport(cmd, 1, rep)
	return err
}

func runRound2(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	driver, done, err := newDriver(rt)
	if err != nil {
		return err
	}
	defer done()

	rep, err := driver.RunRound2(cmd.Context())
	printReport(cmd, 2, rep)
	return err
}

func printReport(cmd *cobra.Command, round int, rep rounds.Report) {
	fmt.Fprintf(cmd.OutOrStdout(), "Round %d: %d sent, %d failed, %d skipped\n",
		round, rep.Sent, rep.Failed, rep.Skipped)
}

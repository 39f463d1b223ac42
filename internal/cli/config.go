package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/appgrader/internal/daemon"
)

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd, versionCmd)
}

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the appgrader configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to $APPGRADER_HOME/config.toml",
	Long: `Write the default configuration. Secrets are never written; set
API_SECRET, GITHUB_TOKEN and OPENAI_API_KEY in the environment or in .env.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(daemon.ConfigPath()); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", daemon.ConfigPath())
		}
		path, err := daemon.SaveConfig(daemon.DefaultConfig())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the appgrader version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "appgrader %s\n", rootCmd.Version)
	},
}

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tutu-network/appgrader/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the task intake server",
	Long: `Start the HTTP server that accepts task briefs at POST /api-endpoint,
builds and publishes the app, and notifies the task's evaluation URL.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	// Override config from flags
	if serveHost != "" {
		rt.cfg.API.Host = serveHost
	}
	if servePort > 0 {
		rt.cfg.API.Port = servePort
	}

	d, err := daemon.New(cmd.Context(), rt.cfg, rt.log)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Serve(cmd.Context())
}

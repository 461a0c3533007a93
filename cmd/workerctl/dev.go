package main

import (
	"os"

	"github.com/spf13/cobra"

	workersdk "github.com/peterson8992/workers-sdk"
)

var (
	devPort       int
	devHost       string
	devLiveReload bool
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run the worker locally",
	Long: `Bundle the worker and serve it on a local HTTP port. Edits to the
source tree rebuild automatically; open pages refresh over the live-reload
socket. KV and D1 bindings are backed by SQLite files under ` + workersdk.DataDir + `/.

Secrets for local runs go in ` + workersdk.DevVarsFile + ` (KEY=VALUE lines), which
never leaves the machine.

Examples:
  workerctl dev
  workerctl dev --port 3000
  workerctl dev --live-reload=false`,
	Args: cobra.NoArgs,
	RunE: runDev,
}

func init() {
	devCmd.Flags().IntVarP(&devPort, "port", "p", 0, "Port to listen on (default: dev.port from worker.yaml)")
	devCmd.Flags().StringVar(&devHost, "host", "", "Host to bind (default: dev.host from worker.yaml)")
	devCmd.Flags().BoolVar(&devLiveReload, "live-reload", true, "Refresh open pages after rebuilds")
	rootCmd.AddCommand(devCmd)
}

func runDev(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadProject()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Dev.Port = devPort
	}
	if devHost != "" {
		cfg.Dev.Host = devHost
	}
	if cmd.Flags().Changed("live-reload") {
		cfg.Dev.LiveReload = devLiveReload
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv, err := workersdk.NewDevServer(workersdk.DevServerOptions{
		Config:     cfg,
		ProjectDir: dir,
		Out:        os.Stdout,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return srv.Close()
}
